package keystonetest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jrsteele09/go-cloud-console/keystone"
)

type authRequestBody struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password *struct {
				User struct {
					Name     string `json:"name"`
					Password string `json:"password"`
				} `json:"user"`
			} `json:"password"`
			Token *struct {
				ID string `json:"id"`
			} `json:"token"`
		} `json:"identity"`
		Scope *struct {
			Project struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

func (s *Service) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpIssueToken, w) {
		return
	}

	var req authRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed auth request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var user keystone.User
	switch {
	case req.Auth.Identity.Token != nil:
		existing, ok := s.tokens[req.Auth.Identity.Token.ID]
		if !ok || !existing.expiresAt.After(s.now()) {
			writeError(w, http.StatusUnauthorized, "token invalid or expired")
			return
		}
		rec, ok := s.users[existing.userID]
		if !ok {
			writeError(w, http.StatusUnauthorized, "token user no longer exists")
			return
		}
		user = rec.user
	case req.Auth.Identity.Password != nil:
		found, ok := s.userByNameLocked(req.Auth.Identity.Password.User.Name)
		if !ok || !found.Enabled {
			writeError(w, http.StatusUnauthorized, "invalid user or password")
			return
		}
		rec := s.users[found.ID]
		if bcrypt.CompareHashAndPassword([]byte(rec.passwordHash), []byte(req.Auth.Identity.Password.User.Password)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid user or password")
			return
		}
		user = found
	default:
		writeError(w, http.StatusBadRequest, "no identity method supplied")
		return
	}

	var project keystone.Project
	if req.Auth.Scope != nil {
		found := false
		for _, p := range s.projects {
			if p.ID == req.Auth.Scope.Project.ID || (req.Auth.Scope.Project.Name != "" && p.Name == req.Auth.Scope.Project.Name) {
				project = p
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusUnauthorized, "requested scope not available")
			return
		}
	}

	id := uuid.New().String()
	expires := s.now().Add(s.tokenTTL)
	s.tokens[id] = tokenRecord{userID: user.ID, projectID: project.ID, expiresAt: expires}

	w.Header().Set("X-Subject-Token", id)
	writeJSON(w, http.StatusCreated, map[string]any{
		"token": map[string]any{
			"expires_at": expires.UTC().Format(time.RFC3339),
			"user":       toWireUser(user),
			"project":    toWireProject(project),
		},
	})
}

func (s *Service) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpRevokeToken, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subject := r.Header.Get("X-Subject-Token")
	if _, ok := s.tokens[subject]; !ok {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	delete(s.tokens, subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpListUsers, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]wireUser, 0, len(s.users))
	for _, rec := range s.users {
		users = append(users, toWireUser(rec.user))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpCreateUser, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	var req struct {
		User struct {
			Name        string `json:"name"`
			DomainID    string `json:"domain_id"`
			Enabled     *bool  `json:"enabled"`
			Email       string `json:"email"`
			Description string `json:"description"`
			Password    string `json:"password"`
		} `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User.Name == "" {
		writeError(w, http.StatusBadRequest, "malformed user")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.users {
		if rec.user.Name == req.User.Name && rec.user.DomainID == req.User.DomainID {
			writeError(w, http.StatusConflict, "user name already exists in domain")
			return
		}
	}

	user := keystone.User{
		ID:          uuid.New().String(),
		Name:        req.User.Name,
		DomainID:    req.User.DomainID,
		Enabled:     req.User.Enabled == nil || *req.User.Enabled,
		Email:       req.User.Email,
		Description: req.User.Description,
	}
	rec := &userRecord{user: user}
	if req.User.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.User.Password), bcrypt.MinCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "hash password")
			return
		}
		rec.passwordHash = string(hash)
	}
	s.users[user.ID] = rec

	writeJSON(w, http.StatusCreated, map[string]any{"user": toWireUser(user)})
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpGetUser, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toWireUser(rec.user)})
}

func (s *Service) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpUpdateUser, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	var req struct {
		User struct {
			Name        *string `json:"name"`
			Enabled     *bool   `json:"enabled"`
			Email       *string `json:"email"`
			Description *string `json:"description"`
		} `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if req.User.Name != nil {
		rec.user.Name = *req.User.Name
	}
	if req.User.Enabled != nil {
		rec.user.Enabled = *req.User.Enabled
	}
	if req.User.Email != nil {
		rec.user.Email = *req.User.Email
	}
	if req.User.Description != nil {
		rec.user.Description = *req.User.Description
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toWireUser(rec.user)})
}

func (s *Service) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpDeleteUser, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	delete(s.users, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpListProjects, w) {
		return
	}
	s.listProjects(w, r)
}

func (s *Service) handleListAuthProjects(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpListAuthProjects, w) {
		return
	}
	s.listProjects(w, r)
}

func (s *Service) listProjects(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]wireProject, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, toWireProject(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Service) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpCreateProject, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	var req struct {
		Project struct {
			Name        string   `json:"name"`
			DomainID    string   `json:"domain_id"`
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
		} `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Project.Name == "" {
		writeError(w, http.StatusBadRequest, "malformed project")
		return
	}
	if req.Project.DomainID == "" {
		writeError(w, http.StatusBadRequest, "domain_id is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.Name == req.Project.Name && p.DomainID == req.Project.DomainID {
			writeError(w, http.StatusConflict, "project name already exists in domain")
			return
		}
	}

	project := keystone.Project{
		ID:          uuid.New().String(),
		Name:        req.Project.Name,
		DomainID:    req.Project.DomainID,
		Enabled:     true,
		Description: req.Project.Description,
		Tags:        req.Project.Tags,
	}
	s.projects[project.ID] = project

	writeJSON(w, http.StatusCreated, map[string]any{"project": toWireProject(project)})
}

func (s *Service) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpDeleteProject, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if _, ok := s.projects[id]; !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	delete(s.projects, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpListRoles, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]keystone.Role, 0, len(s.roles))
	for _, role := range s.roles {
		roles = append(roles, role)
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Service) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpAssignRole, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	projectID, userID, roleID := r.PathValue("p"), r.PathValue("u"), r.PathValue("r")
	if _, ok := s.projects[projectID]; !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if _, ok := s.users[userID]; !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if _, ok := s.roles[roleID]; !ok {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	s.assignments[assignmentKey(projectID, userID, roleID)] = keystone.RoleAssignment{
		UserID:    userID,
		ProjectID: projectID,
		RoleID:    roleID,
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpUnassignRole, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(r.PathValue("p"), r.PathValue("u"), r.PathValue("r"))
	if _, ok := s.assignments[key]; !ok {
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	}
	delete(s.assignments, key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListRoleAssignments(w http.ResponseWriter, r *http.Request) {
	if s.failInjected(OpListRoleAssignments, w) {
		return
	}
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	userFilter := r.URL.Query().Get("user.id")
	out := make([]map[string]any, 0, len(s.assignments))
	for _, a := range s.assignments {
		if userFilter != "" && a.UserID != userFilter {
			continue
		}
		out = append(out, map[string]any{
			"role": map[string]string{"id": a.RoleID},
			"user": map[string]string{"id": a.UserID},
			"scope": map[string]any{
				"project": map[string]string{"id": a.ProjectID},
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"role_assignments": out})
}
