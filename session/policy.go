package session

import (
	"context"
	"slices"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-cloud-console/credentials"
	"github.com/jrsteele09/go-cloud-console/keystone"
)

// AuthorizationPolicy derives the operator's authorization level from a
// freshly acquired credential.
type AuthorizationPolicy interface {
	IsAdmin(ctx context.Context, cred *credentials.Credential) (bool, error)
}

// NameMatchPolicy grants administrator level on an exact match of the
// identity's display name against a fixed administrator name. This is the
// deployed behaviour; it deliberately ignores role assignments.
type NameMatchPolicy struct {
	AdminName string
}

// IsAdmin implements AuthorizationPolicy.
func (p NameMatchPolicy) IsAdmin(_ context.Context, cred *credentials.Credential) (bool, error) {
	return cred.User.Name == p.AdminName, nil
}

// RoleGateway is the slice of the identity client the role-based policy
// queries.
type RoleGateway interface {
	ListRoles(ctx context.Context, authToken string) ([]keystone.Role, error)
	ListRoleAssignments(ctx context.Context, authToken, userID string) ([]keystone.RoleAssignment, error)
}

// RoleAssignmentPolicy grants administrator level when the identity holds
// any of the named roles at the identity service. Drop-in replacement for
// NameMatchPolicy once name-equality authorization is retired.
type RoleAssignmentPolicy struct {
	Gateway   RoleGateway
	RoleNames []string
}

// IsAdmin implements AuthorizationPolicy.
func (p RoleAssignmentPolicy) IsAdmin(ctx context.Context, cred *credentials.Credential) (bool, error) {
	roles, err := p.Gateway.ListRoles(ctx, cred.Token)
	if err != nil {
		return false, errors.Wrap(err, "[RoleAssignmentPolicy.IsAdmin] list roles")
	}

	adminRoleIDs := make(map[string]bool)
	for _, role := range roles {
		if slices.Contains(p.RoleNames, role.Name) {
			adminRoleIDs[role.ID] = true
		}
	}
	if len(adminRoleIDs) == 0 {
		return false, nil
	}

	assignments, err := p.Gateway.ListRoleAssignments(ctx, cred.Token, cred.User.ID)
	if err != nil {
		return false, errors.Wrap(err, "[RoleAssignmentPolicy.IsAdmin] list role assignments")
	}
	for _, a := range assignments {
		if adminRoleIDs[a.RoleID] {
			return true, nil
		}
	}
	return false, nil
}
