package keystone

import (
	"context"
	"net/http"
)

// Project is a resource scope: the isolation boundary a token is bound to.
// Names are unique within a domain; violations surface as a create error.
type Project struct {
	ID          string
	Name        string
	DomainID    string
	Enabled     bool
	Description string
	Tags        []string
}

type projectBody struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	DomainID    string   `json:"domain_id,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (b projectBody) toProject() Project {
	p := Project{
		ID:          b.ID,
		Name:        b.Name,
		DomainID:    b.DomainID,
		Description: b.Description,
		Tags:        b.Tags,
	}
	if b.Enabled != nil {
		p.Enabled = *b.Enabled
	}
	return p
}

// CreateProjectRequest describes a new resource scope. DomainID is required
// by the service.
type CreateProjectRequest struct {
	Name        string
	DomainID    string
	Description string
	Tags        []string
}

// ListProjects returns every resource scope visible to the caller's token.
func (c *Client) ListProjects(ctx context.Context, authToken string) ([]Project, error) {
	return c.listProjects(ctx, "ListProjects", "/projects", authToken)
}

// ListAuthProjects returns the scopes the token's identity can rescope to
// (GET /auth/projects).
func (c *Client) ListAuthProjects(ctx context.Context, authToken string) ([]Project, error) {
	return c.listProjects(ctx, "ListAuthProjects", "/auth/projects", authToken)
}

func (c *Client) listProjects(ctx context.Context, op, path, authToken string) ([]Project, error) {
	var out struct {
		Projects []projectBody `json:"projects"`
	}
	if _, err := c.do(ctx, op, http.MethodGet, path, authToken, nil, &out); err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(out.Projects))
	for _, p := range out.Projects {
		projects = append(projects, p.toProject())
	}
	return projects, nil
}

// CreateProject creates a resource scope.
func (c *Client) CreateProject(ctx context.Context, authToken string, req CreateProjectRequest) (*Project, error) {
	enabled := true
	body := struct {
		Project projectBody `json:"project"`
	}{Project: projectBody{
		Name:        req.Name,
		DomainID:    req.DomainID,
		Enabled:     &enabled,
		Description: req.Description,
		Tags:        req.Tags,
	}}

	var out struct {
		Project projectBody `json:"project"`
	}
	if _, err := c.do(ctx, "CreateProject", http.MethodPost, "/projects", authToken, body, &out); err != nil {
		return nil, err
	}
	project := out.Project.toProject()
	return &project, nil
}

// DeleteProject removes a resource scope permanently.
func (c *Client) DeleteProject(ctx context.Context, authToken, projectID string) error {
	_, err := c.do(ctx, "DeleteProject", http.MethodDelete, "/projects/"+projectID, authToken, nil, nil)
	return err
}
