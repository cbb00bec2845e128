// Package provisioning drives the multi-step identity and scope workflows:
// administrator creation of identities with a personal scope, approval and
// rejection of pending self-registrations, and the self-registration path
// itself. The sequences are deliberately non-transactional: each step's
// success gates the next, and a later failure leaves earlier side effects in
// place. Errors name the step that failed so an operator can resume or clean
// up.
package provisioning

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-cloud-console/internal/utils"
	"github.com/jrsteele09/go-cloud-console/keystone"
)

// DefaultMemberRole is the capability bound to a newly provisioned scope.
const DefaultMemberRole = "member"

// ErrNoCredential is returned when a workflow is invoked without a live
// operator session.
var ErrNoCredential = errors.New("no valid credential")

// RoleNotFoundError reports that a role required by a provisioning step does
// not exist at the identity service. It is fatal to the step in progress.
type RoleNotFoundError struct {
	Role string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role %q not found at identity service", e.Role)
}

// ApprovalFailedError reports a failure in steps 2-4 of an approval. The
// enable from step 1 is left intact: enabling is the durable, user-visible
// side effect, and re-invoking the approval retries the remaining steps.
type ApprovalFailedError struct {
	IdentityID string
	Step       string
	Err        error
}

func (e *ApprovalFailedError) Error() string {
	return fmt.Sprintf("approval of identity %s failed at step %q (identity remains enabled): %v", e.IdentityID, e.Step, e.Err)
}

func (e *ApprovalFailedError) Unwrap() error {
	return e.Err
}

// IdentityAttrs describes an identity created by an administrator.
type IdentityAttrs struct {
	Name        string
	Email       string
	Description string
	Password    string
}

// ProvisionResult reports what CreateIdentityWithScope managed to create.
// On a partial failure the Identity is still set: the identity persists and
// must be cleaned up manually.
type ProvisionResult struct {
	Identity *keystone.User
	Scope    *keystone.Project
}

// Bootstrap is the fixed elevated identity used for self-registration. It is
// distinct from any operator session.
type Bootstrap struct {
	UserName   string
	Password   string
	DomainName string
	ScopeName  string
}

// Gateway is the slice of the identity client the workflows use.
type Gateway interface {
	IssueToken(ctx context.Context, req keystone.IssueTokenRequest) (*keystone.Token, error)
	RevokeToken(ctx context.Context, authToken, subjectToken string) error
	ListUsers(ctx context.Context, authToken string) ([]keystone.User, error)
	GetUser(ctx context.Context, authToken, userID string) (*keystone.User, error)
	CreateUser(ctx context.Context, authToken string, req keystone.CreateUserRequest) (*keystone.User, error)
	UpdateUser(ctx context.Context, authToken, userID string, patch keystone.UserPatch) (*keystone.User, error)
	DeleteUser(ctx context.Context, authToken, userID string) error
	CreateProject(ctx context.Context, authToken string, req keystone.CreateProjectRequest) (*keystone.Project, error)
	ListRoles(ctx context.Context, authToken string) ([]keystone.Role, error)
	AssignRole(ctx context.Context, authToken, projectID, userID, roleID string) error
}

// TokenSource supplies the operator's credential.
type TokenSource interface {
	CurrentToken() (string, bool)
}

// IdentityCache is refreshed after approvals and rejections; typically the
// directory cache.
type IdentityCache interface {
	ReloadIdentities(ctx context.Context) error
}

// Workflow executes the provisioning sequences.
type Workflow struct {
	gateway    Gateway
	tokens     TokenSource
	cache      IdentityCache
	domainID   string
	memberRole string
	bootstrap  Bootstrap
	log        zerolog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithIdentityCache wires the cache refreshed after approve/reject.
func WithIdentityCache(cache IdentityCache) Option {
	return func(w *Workflow) {
		w.cache = cache
	}
}

// WithMemberRole overrides the role bound to provisioned scopes.
func WithMemberRole(name string) Option {
	return func(w *Workflow) {
		w.memberRole = name
	}
}

// WithBootstrap sets the elevated identity used by self-registration.
func WithBootstrap(b Bootstrap) Option {
	return func(w *Workflow) {
		w.bootstrap = b
	}
}

// WithLogger sets the workflow's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Workflow) {
		w.log = log
	}
}

// New creates a Workflow. domainID is the directory domain owning created
// identities and scopes.
func New(gateway Gateway, tokens TokenSource, domainID string, options ...Option) (*Workflow, error) {
	if gateway == nil {
		return nil, errors.New("[provisioning.New] gateway is required")
	}
	if tokens == nil {
		return nil, errors.New("[provisioning.New] token source is required")
	}
	if domainID == "" {
		return nil, errors.New("[provisioning.New] domainID is required")
	}

	w := &Workflow{
		gateway:    gateway,
		tokens:     tokens,
		domainID:   domainID,
		memberRole: DefaultMemberRole,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w, nil
}

// CreateIdentityWithScope creates an identity and, when scopeName is given,
// a scope with the member role bound. At-least-once, non-transactional: a
// failure after the identity exists returns the error alongside a result
// whose Identity is set; the identity is not rolled back.
func (w *Workflow) CreateIdentityWithScope(ctx context.Context, attrs IdentityAttrs, scopeName string) (*ProvisionResult, error) {
	token, ok := w.tokens.CurrentToken()
	if !ok {
		return nil, errors.Wrap(ErrNoCredential, "[CreateIdentityWithScope]")
	}

	identity, err := w.gateway.CreateUser(ctx, token, keystone.CreateUserRequest{
		Name:        attrs.Name,
		DomainID:    w.domainID,
		Enabled:     true,
		Email:       attrs.Email,
		Description: attrs.Description,
		Password:    attrs.Password,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "[CreateIdentityWithScope] create identity %q", attrs.Name)
	}
	result := &ProvisionResult{Identity: identity}

	if scopeName == "" {
		return result, nil
	}

	scope, err := w.gateway.CreateProject(ctx, token, keystone.CreateProjectRequest{
		Name:     scopeName,
		DomainID: w.domainID,
	})
	if err != nil {
		return result, errors.Wrapf(err, "[CreateIdentityWithScope] identity %s created; scope %q failed", identity.ID, scopeName)
	}
	result.Scope = scope

	if err := w.bindMemberRole(ctx, token, scope.ID, identity.ID); err != nil {
		return result, errors.Wrapf(err, "[CreateIdentityWithScope] identity %s and scope %s created; role binding failed", identity.ID, scope.ID)
	}

	w.log.Info().
		Str("identity", identity.ID).
		Str("scope", scope.ID).
		Msg("identity provisioned with scope")
	return result, nil
}

// ApprovePending turns a pending self-registration into a provisioned
// identity: (1) enable, (2) look up display attributes, (3) create a scope
// named after the display name, (4) bind the member role. A failure from
// step 2 onward raises *ApprovalFailedError with the enable intact;
// re-invoking retries steps 2-4 (enabling is idempotent). The identity cache
// is refreshed after success or failure.
func (w *Workflow) ApprovePending(ctx context.Context, identityID string) error {
	token, ok := w.tokens.CurrentToken()
	if !ok {
		return errors.Wrap(ErrNoCredential, "[ApprovePending]")
	}
	defer w.refreshIdentities(ctx)

	if _, err := w.gateway.UpdateUser(ctx, token, identityID, keystone.UserPatch{Enabled: utils.Ptr(true)}); err != nil {
		return errors.Wrapf(err, "[ApprovePending] enable identity %s", identityID)
	}

	identity, err := w.gateway.GetUser(ctx, token, identityID)
	if err != nil {
		return &ApprovalFailedError{IdentityID: identityID, Step: "lookup", Err: err}
	}

	// The role is resolved before the scope is created so a missing member
	// role leaves no orphaned scope behind.
	role, err := w.resolveMemberRole(ctx, token)
	if err != nil {
		return &ApprovalFailedError{IdentityID: identityID, Step: "resolve-role", Err: err}
	}

	scope, err := w.gateway.CreateProject(ctx, token, keystone.CreateProjectRequest{
		Name:     identity.Name,
		DomainID: w.domainID,
	})
	if err != nil {
		return &ApprovalFailedError{IdentityID: identityID, Step: "create-scope", Err: err}
	}

	if err := w.gateway.AssignRole(ctx, token, scope.ID, identityID, role.ID); err != nil {
		return &ApprovalFailedError{IdentityID: identityID, Step: "bind-role", Err: err}
	}

	w.log.Info().
		Str("identity", identityID).
		Str("scope", scope.ID).
		Msg("pending identity approved")
	return nil
}

// RejectPending deletes a pending identity outright; there is no soft-reject
// state. The identity cache is refreshed only on success.
func (w *Workflow) RejectPending(ctx context.Context, identityID string) error {
	token, ok := w.tokens.CurrentToken()
	if !ok {
		return errors.Wrap(ErrNoCredential, "[RejectPending]")
	}

	if err := w.gateway.DeleteUser(ctx, token, identityID); err != nil {
		return errors.Wrapf(err, "[RejectPending] delete identity %s", identityID)
	}

	w.refreshIdentities(ctx)
	w.log.Info().Str("identity", identityID).Msg("pending identity rejected")
	return nil
}

// RegisterSelfService creates a disabled identity on behalf of an anonymous
// registrant, using a short-lived token for the fixed bootstrap identity.
// The operator's own session is never touched. The supplied username becomes
// both the service-facing name and the contact address; the human name is
// folded into the description.
func (w *Workflow) RegisterSelfService(ctx context.Context, name, username, secret string) error {
	bootstrapToken, err := w.gateway.IssueToken(ctx, keystone.IssueTokenRequest{
		UserName:      w.bootstrap.UserName,
		Password:      w.bootstrap.Password,
		UserDomain:    w.bootstrap.DomainName,
		ProjectName:   w.bootstrap.ScopeName,
		ProjectDomain: w.bootstrap.DomainName,
	})
	if err != nil {
		return errors.Wrap(err, "[RegisterSelfService] bootstrap credential")
	}
	defer func() {
		if err := w.gateway.RevokeToken(ctx, bootstrapToken.ID, bootstrapToken.ID); err != nil {
			w.log.Debug().Err(err).Msg("bootstrap token revoke failed")
		}
	}()

	identity, err := w.gateway.CreateUser(ctx, bootstrapToken.ID, keystone.CreateUserRequest{
		Name:        username,
		DomainID:    w.domainID,
		Enabled:     false,
		Email:       username,
		Description: fmt.Sprintf("Self-registration for %s", name),
		Password:    secret,
	})
	if err != nil {
		return errors.Wrapf(err, "[RegisterSelfService] create identity %q", username)
	}

	w.log.Info().Str("identity", identity.ID).Str("name", username).Msg("self-registration recorded")
	return nil
}

// ListPending projects the identity list down to pending registrations:
// identities with enabled == false. There is no separate pending store.
func (w *Workflow) ListPending(ctx context.Context) ([]keystone.User, error) {
	token, ok := w.tokens.CurrentToken()
	if !ok {
		return nil, errors.Wrap(ErrNoCredential, "[ListPending]")
	}

	users, err := w.gateway.ListUsers(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "[ListPending] list identities")
	}

	pending := make([]keystone.User, 0)
	for _, u := range users {
		if !u.Enabled {
			pending = append(pending, u)
		}
	}
	return pending, nil
}

// resolveMemberRole finds the member role via the service's role list.
func (w *Workflow) resolveMemberRole(ctx context.Context, token string) (*keystone.Role, error) {
	roles, err := w.gateway.ListRoles(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "list roles")
	}
	for _, role := range roles {
		if role.Name == w.memberRole {
			return &role, nil
		}
	}
	return nil, &RoleNotFoundError{Role: w.memberRole}
}

// bindMemberRole resolves the member role by name and grants it.
func (w *Workflow) bindMemberRole(ctx context.Context, token, projectID, userID string) error {
	role, err := w.resolveMemberRole(ctx, token)
	if err != nil {
		return err
	}
	if err := w.gateway.AssignRole(ctx, token, projectID, userID, role.ID); err != nil {
		return errors.Wrapf(err, "assign role %s", role.ID)
	}
	return nil
}

func (w *Workflow) refreshIdentities(ctx context.Context) {
	if w.cache == nil {
		return
	}
	if err := w.cache.ReloadIdentities(ctx); err != nil {
		w.log.Debug().Err(err).Msg("identity cache refresh failed")
	}
}
