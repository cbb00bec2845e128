// Package session owns authentication state for the console: who is logged
// in, which scope the credential is bound to, and whether the operator holds
// administrator level. It drives the credential store and warms the
// directory cache; it never holds the token itself.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-cloud-console/credentials"
	"github.com/jrsteele09/go-cloud-console/keystone"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateScopeSwitching State = "scope-switching"
)

// ErrNotAuthenticated is returned by operations that require a live session.
var ErrNotAuthenticated = errors.New("not authenticated")

// Credentials is the slice of the credential store the orchestrator drives.
type Credentials interface {
	Acquire(ctx context.Context, identityName, secret, scopeName, domainName string) (*credentials.Credential, error)
	Rescope(ctx context.Context, projectID string) (*credentials.Credential, error)
	Release(ctx context.Context)
	IsValid() bool
	Projection() (credentials.Record, bool)
	SetAdmin(isAdmin bool)
}

// Directory is the administrator-only cache the orchestrator warms and clears.
type Directory interface {
	ReloadIdentities(ctx context.Context) error
	ReloadScopes(ctx context.Context) error
	Clear()
}

// Snapshot is the read projection consumed by the UI. It never carries the
// token.
type Snapshot struct {
	State   State
	User    keystone.User
	Project keystone.Project
	IsAdmin bool
	Loading bool
	LastErr error
}

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Credentials Credentials
	Directory   Directory
	Policy      AuthorizationPolicy
}

// Session is the orchestrator. Construct with New; the zero value is not
// usable.
type Session struct {
	mu      sync.Mutex
	deps    Deps
	log     zerolog.Logger
	nowTime func() time.Time

	state   State
	user    keystone.User
	project keystone.Project
	isAdmin bool
	loading bool
	lastErr error
}

// Option configures a Session.
type Option func(*Session)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Session) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// New creates a Session. Credentials and Policy are required; Directory is
// optional (non-admin deployments may omit it).
func New(deps Deps, options ...Option) (*Session, error) {
	if deps.Credentials == nil {
		return nil, errors.New("[session.New] Credentials is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("[session.New] Policy is required")
	}

	s := &Session{
		deps:    deps,
		log:     zerolog.Nop(),
		nowTime: time.Now,
		state:   StateAnonymous,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Login authenticates the operator. On success the state becomes
// authenticated and, for administrators, the directory cache reloads are
// kicked off in the background without gating the transition. On failure the
// state stays anonymous and the credential store's *AuthError propagates.
func (s *Session) Login(ctx context.Context, identityName, secret, scopeName, domainName string) error {
	s.mu.Lock()
	s.state = StateAuthenticating
	s.loading = true
	s.mu.Unlock()

	cred, err := s.deps.Credentials.Acquire(ctx, identityName, secret, scopeName, domainName)
	if err != nil {
		s.mu.Lock()
		s.state = StateAnonymous
		s.loading = false
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	isAdmin, err := s.deps.Policy.IsAdmin(ctx, cred)
	if err != nil {
		// Fail closed to operator level; the session itself is sound.
		s.log.Warn().Err(err).Str("user", cred.User.Name).Msg("authorization derivation failed; treating as operator")
		isAdmin = false
	}
	s.deps.Credentials.SetAdmin(isAdmin)

	s.mu.Lock()
	s.state = StateAuthenticated
	s.user = cred.User
	s.project = cred.Project
	s.isAdmin = isAdmin
	s.loading = false
	s.lastErr = nil
	s.mu.Unlock()

	s.log.Info().
		Str("user", cred.User.Name).
		Str("project", cred.Project.Name).
		Bool("admin", isAdmin).
		Msg("logged in")

	if isAdmin && s.deps.Directory != nil {
		go s.warmDirectory()
	}
	return nil
}

// warmDirectory runs the initial administrator reloads detached from the
// login call.
func (s *Session) warmDirectory() {
	ctx := context.Background()
	if err := s.deps.Directory.ReloadIdentities(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial identity reload failed")
	}
	if err := s.deps.Directory.ReloadScopes(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial scope reload failed")
	}
}

// Logout always ends in the anonymous state with cleared directory data,
// whether or not the underlying revoke succeeds.
func (s *Session) Logout(ctx context.Context) {
	s.deps.Credentials.Release(ctx)
	if s.deps.Directory != nil {
		s.deps.Directory.Clear()
	}

	s.mu.Lock()
	s.state = StateAnonymous
	s.user = keystone.User{}
	s.project = keystone.Project{}
	s.isAdmin = false
	s.loading = false
	s.lastErr = nil
	s.mu.Unlock()

	s.log.Info().Msg("logged out")
}

// SwitchScope rebinds the credential to another resource scope for the same
// identity. On failure the prior scope and token remain intact and the state
// returns to authenticated.
func (s *Session) SwitchScope(ctx context.Context, projectID string) error {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return errors.Wrap(ErrNotAuthenticated, "[SwitchScope]")
	}
	s.state = StateScopeSwitching
	s.loading = true
	s.mu.Unlock()

	cred, err := s.deps.Credentials.Rescope(ctx, projectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticated
	s.loading = false
	if err != nil {
		s.lastErr = err
		return errors.Wrapf(err, "[SwitchScope] rescope to %s", projectID)
	}
	s.project = cred.Project
	s.user = cred.User
	s.lastErr = nil
	return nil
}

// CheckAuth reconciles orchestrator state with the credential store. It is
// idempotent and safe to call at any time, including before any login: a
// valid token with a persisted projection restores the authenticated state;
// anything else drops to anonymous and clears administrator data.
func (s *Session) CheckAuth() bool {
	rec, ok := s.deps.Credentials.Projection()
	if !ok || rec.User.ID == "" {
		s.mu.Lock()
		s.state = StateAnonymous
		s.user = keystone.User{}
		s.project = keystone.Project{}
		s.isAdmin = false
		s.mu.Unlock()
		if s.deps.Directory != nil {
			s.deps.Directory.Clear()
		}
		return false
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.user = rec.User
	s.project = rec.Project
	s.isAdmin = rec.IsAdmin
	s.mu.Unlock()
	return true
}

// State returns the current read projection.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:   s.state,
		User:    s.user,
		Project: s.project,
		IsAdmin: s.isAdmin,
		Loading: s.loading,
		LastErr: s.lastErr,
	}
}
