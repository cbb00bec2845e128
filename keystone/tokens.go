package keystone

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Token is an issued credential: an opaque bearer id with an absolute expiry,
// bound to one identity and one resource scope.
type Token struct {
	ID        string
	ExpiresAt time.Time
	User      User
	Project   Project
}

// IssueTokenRequest describes a token issuance. Exactly one identity method is
// used: password (UserName/Password/UserDomain) or token (Token, for rescoping
// an existing credential without replaying the password). Scope is either a
// project id, or a project name qualified by its domain name.
type IssueTokenRequest struct {
	UserName   string
	Password   string
	UserDomain string

	Token string

	ProjectID     string
	ProjectName   string
	ProjectDomain string
}

type domainRef struct {
	Name string `json:"name,omitempty"`
}

type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password *struct {
				User struct {
					Name     string    `json:"name"`
					Domain   domainRef `json:"domain"`
					Password string    `json:"password"`
				} `json:"user"`
			} `json:"password,omitempty"`
			Token *struct {
				ID string `json:"id"`
			} `json:"token,omitempty"`
		} `json:"identity"`
		Scope *struct {
			Project struct {
				ID     string     `json:"id,omitempty"`
				Name   string     `json:"name,omitempty"`
				Domain *domainRef `json:"domain,omitempty"`
			} `json:"project"`
		} `json:"scope,omitempty"`
	} `json:"auth"`
}

type tokenBody struct {
	Token struct {
		ExpiresAt time.Time   `json:"expires_at"`
		User      userBody    `json:"user"`
		Project   projectBody `json:"project"`
	} `json:"token"`
}

// subjectTokenHeader carries the issued token id; the body only describes it.
const subjectTokenHeader = "X-Subject-Token"

// IssueToken obtains a new scoped token via POST /auth/tokens.
func (c *Client) IssueToken(ctx context.Context, req IssueTokenRequest) (*Token, error) {
	var body authRequest

	switch {
	case req.Token != "":
		body.Auth.Identity.Methods = []string{"token"}
		body.Auth.Identity.Token = &struct {
			ID string `json:"id"`
		}{ID: req.Token}
	case req.UserName != "":
		body.Auth.Identity.Methods = []string{"password"}
		pw := &struct {
			User struct {
				Name     string    `json:"name"`
				Domain   domainRef `json:"domain"`
				Password string    `json:"password"`
			} `json:"user"`
		}{}
		pw.User.Name = req.UserName
		pw.User.Domain = domainRef{Name: req.UserDomain}
		pw.User.Password = req.Password
		body.Auth.Identity.Password = pw
	default:
		return nil, errors.New("[IssueToken] either UserName or Token is required")
	}

	if req.ProjectID != "" || req.ProjectName != "" {
		scope := &struct {
			Project struct {
				ID     string     `json:"id,omitempty"`
				Name   string     `json:"name,omitempty"`
				Domain *domainRef `json:"domain,omitempty"`
			} `json:"project"`
		}{}
		if req.ProjectID != "" {
			scope.Project.ID = req.ProjectID
		} else {
			scope.Project.Name = req.ProjectName
			scope.Project.Domain = &domainRef{Name: req.ProjectDomain}
		}
		body.Auth.Scope = scope
	}

	var out tokenBody
	headers, err := c.do(ctx, "IssueToken", http.MethodPost, "/auth/tokens", "", body, &out)
	if err != nil {
		return nil, err
	}

	id := headers.Get(subjectTokenHeader)
	if id == "" {
		return nil, errors.New("[IssueToken] response missing subject token header")
	}

	return &Token{
		ID:        id,
		ExpiresAt: out.Token.ExpiresAt,
		User:      out.Token.User.toUser(),
		Project:   out.Token.Project.toProject(),
	}, nil
}

// RevokeToken invalidates subjectToken via DELETE /auth/tokens. The caller
// authenticates with authToken; revoking one's own token passes the same
// value for both.
func (c *Client) RevokeToken(ctx context.Context, authToken, subjectToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/auth/tokens", nil)
	if err != nil {
		return errors.Wrap(err, "[RevokeToken] build request")
	}
	req.Header.Set("X-Auth-Token", authToken)
	req.Header.Set(subjectTokenHeader, subjectToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "[RevokeToken] %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GatewayError{Op: "RevokeToken", StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}
