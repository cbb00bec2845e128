package keystone

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Role is a named capability that can be granted within a resource scope.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoleAssignment is the grant of a role to an identity within a scope. Its
// existence is the fact being modelled; it has no identity of its own.
type RoleAssignment struct {
	UserID    string
	ProjectID string
	RoleID    string
}

// ListRoles returns all roles known to the identity service.
func (c *Client) ListRoles(ctx context.Context, authToken string) ([]Role, error) {
	var out struct {
		Roles []Role `json:"roles"`
	}
	if _, err := c.do(ctx, "ListRoles", http.MethodGet, "/roles", authToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// AssignRole grants roleID to userID within projectID. The service does not
// dedupe; repeated calls are harmless but each is a real request.
func (c *Client) AssignRole(ctx context.Context, authToken, projectID, userID, roleID string) error {
	path := fmt.Sprintf("/projects/%s/users/%s/roles/%s", projectID, userID, roleID)
	_, err := c.do(ctx, "AssignRole", http.MethodPut, path, authToken, nil, nil)
	return err
}

// UnassignRole revokes a previously granted role.
func (c *Client) UnassignRole(ctx context.Context, authToken, projectID, userID, roleID string) error {
	path := fmt.Sprintf("/projects/%s/users/%s/roles/%s", projectID, userID, roleID)
	_, err := c.do(ctx, "UnassignRole", http.MethodDelete, path, authToken, nil, nil)
	return err
}

type roleAssignmentBody struct {
	Role struct {
		ID string `json:"id"`
	} `json:"role"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Scope struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	} `json:"scope"`
}

// ListRoleAssignments returns the role grants held by userID across scopes.
func (c *Client) ListRoleAssignments(ctx context.Context, authToken, userID string) ([]RoleAssignment, error) {
	path := "/role_assignments"
	if userID != "" {
		path += "?user.id=" + url.QueryEscape(userID)
	}

	var out struct {
		RoleAssignments []roleAssignmentBody `json:"role_assignments"`
	}
	if _, err := c.do(ctx, "ListRoleAssignments", http.MethodGet, path, authToken, nil, &out); err != nil {
		return nil, err
	}

	assignments := make([]RoleAssignment, 0, len(out.RoleAssignments))
	for _, a := range out.RoleAssignments {
		assignments = append(assignments, RoleAssignment{
			UserID:    a.User.ID,
			ProjectID: a.Scope.Project.ID,
			RoleID:    a.Role.ID,
		})
	}
	return assignments, nil
}
