// Package credentials owns the current bearer credential, its absolute
// expiry, and the durable session projection that survives a process
// restart. It is the only component permitted to touch durable session
// storage, and the sole authority on "is the caller currently authenticated".
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-cloud-console/keystone"
)

// AuthReason classifies why an acquire failed.
type AuthReason string

const (
	ReasonInvalidCredentials AuthReason = "invalid_credentials"
	ReasonUnreachable        AuthReason = "unreachable"
	ReasonServerError        AuthReason = "server_error"
)

// AuthError is the failure surfaced by Acquire and Rescope. It is never
// retried internally.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credential is the live bearer credential: an opaque token bound to one
// identity and one resource scope, with an absolute expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	User      keystone.User
	Project   keystone.Project
}

// Record is the durable session projection persisted alongside the token.
// It is treated as untrusted input on read.
type Record struct {
	Token        string           `json:"token"`
	TokenExpires time.Time        `json:"token_expires"`
	User         keystone.User    `json:"user"`
	Project      keystone.Project `json:"project"`
	IsAdmin      bool             `json:"is_admin"`
}

// Gateway is the slice of the identity client the store needs.
type Gateway interface {
	IssueToken(ctx context.Context, req keystone.IssueTokenRequest) (*keystone.Token, error)
	RevokeToken(ctx context.Context, authToken, subjectToken string) error
}

// Store holds the credential in memory and mirrors it to a session file.
type Store struct {
	mu       sync.Mutex
	gateway  Gateway
	path     string
	scope    string // fallback scope name when Acquire gets none
	domain   string // fallback domain name when Acquire gets none
	nowTime  func() time.Time
	log      zerolog.Logger
	rec      *Record
	loaded   bool // durable copy has been consulted at least once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaults sets the fallback scope and domain names used when Acquire is
// called without them.
func WithDefaults(scope, domain string) StoreOption {
	return func(s *Store) {
		s.scope = scope
		s.domain = domain
	}
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the store's logger.
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore creates a Store persisting to path.
func NewStore(gateway Gateway, path string, options ...StoreOption) (*Store, error) {
	if gateway == nil {
		return nil, errors.New("[NewStore] gateway is required")
	}
	if path == "" {
		return nil, errors.New("[NewStore] session file path is required")
	}

	s := &Store{
		gateway: gateway,
		path:    path,
		nowTime: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Acquire issues a new credential. Empty scopeName/domainName fall back to
// the configured defaults. On failure the prior state is left untouched and
// an *AuthError is returned.
func (s *Store) Acquire(ctx context.Context, identityName, secret, scopeName, domainName string) (*Credential, error) {
	if scopeName == "" {
		scopeName = s.scope
	}
	if domainName == "" {
		domainName = s.domain
	}

	token, err := s.gateway.IssueToken(ctx, keystone.IssueTokenRequest{
		UserName:      identityName,
		Password:      secret,
		UserDomain:    domainName,
		ProjectName:   scopeName,
		ProjectDomain: domainName,
	})
	if err != nil {
		return nil, &AuthError{Reason: classify(err), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &Record{
		Token:        token.ID,
		TokenExpires: token.ExpiresAt,
		User:         token.User,
		Project:      token.Project,
	}
	s.loaded = true
	s.persistLocked()

	s.log.Debug().
		Str("user", token.User.Name).
		Str("project", token.Project.Name).
		Time("expires", token.ExpiresAt).
		Msg("credential acquired")

	return s.credentialLocked(), nil
}

// Rescope reissues the credential bound to a different scope using the
// current token. The replacement is atomic: a failure leaves the prior
// token and scope intact.
func (s *Store) Rescope(ctx context.Context, projectID string) (*Credential, error) {
	current, ok := s.CurrentToken()
	if !ok {
		return nil, &AuthError{Reason: ReasonInvalidCredentials, Err: errors.New("[Rescope] no valid credential")}
	}

	token, err := s.gateway.IssueToken(ctx, keystone.IssueTokenRequest{
		Token:     current,
		ProjectID: projectID,
	})
	if err != nil {
		return nil, &AuthError{Reason: classify(err), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	isAdmin := s.rec != nil && s.rec.IsAdmin
	s.rec = &Record{
		Token:        token.ID,
		TokenExpires: token.ExpiresAt,
		User:         token.User,
		Project:      token.Project,
		IsAdmin:      isAdmin,
	}
	s.persistLocked()

	return s.credentialLocked(), nil
}

// Release revokes the current token best-effort (a failed revoke is logged,
// never raised) and unconditionally clears local and durable state.
func (s *Store) Release(ctx context.Context) {
	token, valid := s.CurrentToken()

	if valid {
		if err := s.gateway.RevokeToken(ctx, token, token); err != nil {
			s.log.Warn().Err(err).Msg("token revoke failed; clearing local session anyway")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", s.path).Msg("failed to remove session file")
	}
}

// IsValid reports whether a token is present with expiry strictly in the
// future. The durable copy is consulted when memory is empty, and any parse
// or shape problem fails closed.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked()
}

// CurrentToken returns the token only while IsValid; it never clears state
// (clearing is Release's job).
func (s *Store) CurrentToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return "", false
	}
	return s.rec.Token, true
}

// AuthHeaders projects the current token into outbound request headers;
// empty when no valid token exists.
func (s *Store) AuthHeaders() map[string]string {
	token, ok := s.CurrentToken()
	if !ok {
		return map[string]string{}
	}
	return map[string]string{"X-Auth-Token": token}
}

// Projection returns a copy of the persisted session record while the
// credential is valid.
func (s *Store) Projection() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return Record{}, false
	}
	return *s.rec, true
}

// SetAdmin records the derived authorization level in the durable
// projection. No-op when no credential is held.
func (s *Store) SetAdmin(isAdmin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked() {
		return
	}
	s.rec.IsAdmin = isAdmin
	s.persistLocked()
}

func (s *Store) credentialLocked() *Credential {
	return &Credential{
		Token:     s.rec.Token,
		ExpiresAt: s.rec.TokenExpires,
		User:      s.rec.User,
		Project:   s.rec.Project,
	}
}

// validLocked loads the durable copy on first use, then checks presence and
// expiry. Boundary expiry == now counts as invalid.
func (s *Store) validLocked() bool {
	if s.rec == nil && !s.loaded {
		s.rec = s.loadRecord()
		s.loaded = true
	}
	return s.rec != nil && s.rec.Token != "" && s.rec.TokenExpires.After(s.nowTime())
}

// loadRecord reads the session file, failing closed on any problem.
func (s *Store) loadRecord() *Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("failed to read session file")
		}
		return nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("session file corrupt; treating session as absent")
		return nil
	}
	if rec.Token == "" || rec.TokenExpires.IsZero() {
		return nil
	}
	return &rec
}

// persistLocked writes the record atomically (tmp + rename, 0600). A write
// failure degrades restart continuity only, so it is logged, not raised.
func (s *Store) persistLocked() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("failed to create session directory")
		return
	}

	data, err := json.MarshalIndent(s.rec, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode session record")
		return
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		s.log.Error().Err(err).Str("path", tempPath).Msg("failed to write session file")
		return
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		s.log.Error().Err(err).Str("path", s.path).Msg("failed to save session file")
	}
}

// classify maps gateway failures onto the auth error taxonomy.
func classify(err error) AuthReason {
	switch {
	case keystone.IsUnreachable(err):
		return ReasonUnreachable
	case keystone.IsUnauthorized(err), keystone.IsNotFound(err):
		return ReasonInvalidCredentials
	default:
		return ReasonServerError
	}
}
