// Package keystonetest provides an in-memory fake of the identity service
// for package tests. It speaks the same REST surface the real service does,
// backed by maps, and supports per-operation failure injection.
package keystonetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jrsteele09/go-cloud-console/keystone"
)

const defaultTokenTTL = time.Hour

// Operation names accepted by FailNext.
const (
	OpIssueToken          = "issue_token"
	OpRevokeToken         = "revoke_token"
	OpListUsers           = "list_users"
	OpCreateUser          = "create_user"
	OpGetUser             = "get_user"
	OpUpdateUser          = "update_user"
	OpDeleteUser          = "delete_user"
	OpListProjects        = "list_projects"
	OpCreateProject       = "create_project"
	OpDeleteProject       = "delete_project"
	OpListRoles           = "list_roles"
	OpAssignRole          = "assign_role"
	OpUnassignRole        = "unassign_role"
	OpListRoleAssignments = "list_role_assignments"
	OpListAuthProjects    = "list_auth_projects"
)

type userRecord struct {
	user         keystone.User
	passwordHash string
}

type tokenRecord struct {
	userID    string
	projectID string
	expiresAt time.Time
}

type failure struct {
	status    int
	remaining int
}

// Service is the fake identity service. Zero value is not usable; construct
// with New.
type Service struct {
	mu          sync.RWMutex
	now         func() time.Time
	tokenTTL    time.Duration
	users       map[string]*userRecord
	projects    map[string]keystone.Project
	roles       map[string]keystone.Role
	assignments map[string]keystone.RoleAssignment
	tokens      map[string]tokenRecord
	failures    map[string]*failure
}

// ServiceOption configures the fake.
type ServiceOption func(*Service)

// WithNowTime sets the clock (for expiry tests).
func WithNowTime(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.tokenTTL = ttl
	}
}

// New creates an empty fake identity service.
func New(options ...ServiceOption) *Service {
	s := &Service{
		now:         time.Now,
		tokenTTL:    defaultTokenTTL,
		users:       make(map[string]*userRecord),
		projects:    make(map[string]keystone.Project),
		roles:       make(map[string]keystone.Role),
		assignments: make(map[string]keystone.RoleAssignment),
		tokens:      make(map[string]tokenRecord),
		failures:    make(map[string]*failure),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AddUser seeds an identity. An empty id is assigned; password may be empty
// for identities that never authenticate.
func (s *Service) AddUser(user keystone.User, password string) keystone.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	rec := &userRecord{user: user}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("keystonetest: hash password: %v", err))
		}
		rec.passwordHash = string(hash)
	}
	s.users[user.ID] = rec
	return user
}

// AddProject seeds a resource scope, assigning an id if absent.
func (s *Service) AddProject(project keystone.Project) keystone.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	s.projects[project.ID] = project
	return project
}

// AddRole seeds a role by name.
func (s *Service) AddRole(name string) keystone.Role {
	s.mu.Lock()
	defer s.mu.Unlock()

	role := keystone.Role{ID: uuid.New().String(), Name: name}
	s.roles[role.ID] = role
	return role
}

// Grant seeds a role assignment directly.
func (s *Service) Grant(projectID, userID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignmentKey(projectID, userID, roleID)] = keystone.RoleAssignment{
		UserID:    userID,
		ProjectID: projectID,
		RoleID:    roleID,
	}
}

// FailNext makes the next `times` calls of the named operation fail with the
// given status.
func (s *Service) FailNext(op string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, remaining: times}
}

// User returns a seeded or created identity by id.
func (s *Service) User(id string) (keystone.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return keystone.User{}, false
	}
	return rec.user, true
}

// UserByName finds an identity by display name.
func (s *Service) UserByName(name string) (keystone.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userByNameLocked(name)
}

func (s *Service) userByNameLocked(name string) (keystone.User, bool) {
	for _, rec := range s.users {
		if rec.user.Name == name {
			return rec.user, true
		}
	}
	return keystone.User{}, false
}

// Users returns all identities.
func (s *Service) Users() []keystone.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]keystone.User, 0, len(s.users))
	for _, rec := range s.users {
		users = append(users, rec.user)
	}
	return users
}

// ProjectByName finds a resource scope by name.
func (s *Service) ProjectByName(name string) (keystone.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Name == name {
			return p, true
		}
	}
	return keystone.Project{}, false
}

// HasAssignment reports whether the (project, user, role) grant exists.
func (s *Service) HasAssignment(projectID, userID, roleID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assignments[assignmentKey(projectID, userID, roleID)]
	return ok
}

// TokenValid reports whether the given token id is live.
func (s *Service) TokenValid(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	return ok && tok.expiresAt.After(s.now())
}

func assignmentKey(projectID, userID, roleID string) string {
	return projectID + "/" + userID + "/" + roleID
}

// Handler returns the HTTP surface of the fake.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/tokens", s.handleIssueToken)
	mux.HandleFunc("DELETE /auth/tokens", s.handleRevokeToken)
	mux.HandleFunc("GET /auth/projects", s.handleListAuthProjects)
	mux.HandleFunc("GET /users", s.handleListUsers)
	mux.HandleFunc("POST /users", s.handleCreateUser)
	mux.HandleFunc("GET /users/{id}", s.handleGetUser)
	mux.HandleFunc("PATCH /users/{id}", s.handleUpdateUser)
	mux.HandleFunc("DELETE /users/{id}", s.handleDeleteUser)
	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("DELETE /projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("GET /roles", s.handleListRoles)
	mux.HandleFunc("PUT /projects/{p}/users/{u}/roles/{r}", s.handleAssignRole)
	mux.HandleFunc("DELETE /projects/{p}/users/{u}/roles/{r}", s.handleUnassignRole)
	mux.HandleFunc("GET /role_assignments", s.handleListRoleAssignments)
	return mux
}

// failInjected consumes a pending failure for op, writing the error response.
func (s *Service) failInjected(op string, w http.ResponseWriter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failures[op]
	if !ok || f.remaining <= 0 {
		return false
	}
	f.remaining--
	writeError(w, f.status, fmt.Sprintf("injected failure for %s", op))
	return true
}

// authorize validates the caller's token, returning its record.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request) (tokenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[r.Header.Get("X-Auth-Token")]
	if !ok || !tok.expiresAt.After(s.now()) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return tokenRecord{}, false
	}
	return tok, true
}

type wireUser struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	DomainID          string     `json:"domain_id"`
	Enabled           bool       `json:"enabled"`
	Email             string     `json:"email,omitempty"`
	Description       string     `json:"description,omitempty"`
	PasswordExpiresAt *time.Time `json:"password_expires_at,omitempty"`
}

type wireProject struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DomainID    string   `json:"domain_id"`
	Enabled     bool     `json:"enabled"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func toWireUser(u keystone.User) wireUser {
	return wireUser{
		ID:                u.ID,
		Name:              u.Name,
		DomainID:          u.DomainID,
		Enabled:           u.Enabled,
		Email:             u.Email,
		Description:       u.Description,
		PasswordExpiresAt: u.PasswordExpiresAt,
	}
}

func toWireProject(p keystone.Project) wireProject {
	return wireProject{
		ID:          p.ID,
		Name:        p.Name,
		DomainID:    p.DomainID,
		Enabled:     p.Enabled,
		Description: p.Description,
		Tags:        p.Tags,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}
