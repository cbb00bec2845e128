package keystone

import (
	"context"
	"net/http"
	"time"
)

// User is an identity held by the identity service. Enabled is the sole gate
// on whether the identity may authenticate; a disabled user is a pending
// self-registration awaiting approval.
type User struct {
	ID                string
	Name              string
	DomainID          string
	Enabled           bool
	Email             string
	Description       string
	PasswordExpiresAt *time.Time
}

type userBody struct {
	ID                string     `json:"id,omitempty"`
	Name              string     `json:"name,omitempty"`
	DomainID          string     `json:"domain_id,omitempty"`
	Enabled           *bool      `json:"enabled,omitempty"`
	Email             string     `json:"email,omitempty"`
	Description       string     `json:"description,omitempty"`
	Password          string     `json:"password,omitempty"`
	PasswordExpiresAt *time.Time `json:"password_expires_at,omitempty"`
}

func (b userBody) toUser() User {
	u := User{
		ID:                b.ID,
		Name:              b.Name,
		DomainID:          b.DomainID,
		Email:             b.Email,
		Description:       b.Description,
		PasswordExpiresAt: b.PasswordExpiresAt,
	}
	if b.Enabled != nil {
		u.Enabled = *b.Enabled
	}
	return u
}

// CreateUserRequest describes a new identity.
type CreateUserRequest struct {
	Name        string
	DomainID    string
	Enabled     bool
	Email       string
	Description string
	Password    string
}

// UserPatch is a partial update; nil fields are left unchanged.
type UserPatch struct {
	Name        *string
	Enabled     *bool
	Email       *string
	Description *string
}

// ListUsers returns every identity visible to the caller's token.
func (c *Client) ListUsers(ctx context.Context, authToken string) ([]User, error) {
	var out struct {
		Users []userBody `json:"users"`
	}
	if _, err := c.do(ctx, "ListUsers", http.MethodGet, "/users", authToken, nil, &out); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(out.Users))
	for _, u := range out.Users {
		users = append(users, u.toUser())
	}
	return users, nil
}

// GetUser fetches a single identity by id.
func (c *Client) GetUser(ctx context.Context, authToken, userID string) (*User, error) {
	var out struct {
		User userBody `json:"user"`
	}
	if _, err := c.do(ctx, "GetUser", http.MethodGet, "/users/"+userID, authToken, nil, &out); err != nil {
		return nil, err
	}
	user := out.User.toUser()
	return &user, nil
}

// CreateUser creates an identity. The service assigns the id.
func (c *Client) CreateUser(ctx context.Context, authToken string, req CreateUserRequest) (*User, error) {
	enabled := req.Enabled
	body := struct {
		User userBody `json:"user"`
	}{User: userBody{
		Name:        req.Name,
		DomainID:    req.DomainID,
		Enabled:     &enabled,
		Email:       req.Email,
		Description: req.Description,
		Password:    req.Password,
	}}

	var out struct {
		User userBody `json:"user"`
	}
	if _, err := c.do(ctx, "CreateUser", http.MethodPost, "/users", authToken, body, &out); err != nil {
		return nil, err
	}
	user := out.User.toUser()
	return &user, nil
}

// UpdateUser applies a partial update and returns the resulting identity.
func (c *Client) UpdateUser(ctx context.Context, authToken, userID string, patch UserPatch) (*User, error) {
	user := userBody{Enabled: patch.Enabled}
	if patch.Name != nil {
		user.Name = *patch.Name
	}
	if patch.Email != nil {
		user.Email = *patch.Email
	}
	if patch.Description != nil {
		user.Description = *patch.Description
	}
	body := struct {
		User userBody `json:"user"`
	}{User: user}

	var out struct {
		User userBody `json:"user"`
	}
	if _, err := c.do(ctx, "UpdateUser", http.MethodPatch, "/users/"+userID, authToken, body, &out); err != nil {
		return nil, err
	}
	updated := out.User.toUser()
	return &updated, nil
}

// DeleteUser removes an identity permanently.
func (c *Client) DeleteUser(ctx context.Context, authToken, userID string) error {
	_, err := c.do(ctx, "DeleteUser", http.MethodDelete, "/users/"+userID, authToken, nil, nil)
	return err
}
