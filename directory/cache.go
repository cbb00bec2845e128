// Package directory maintains the administrator-only in-memory projection of
// all identities and all resource scopes. Reloads carry a hard bounded-retry
// budget: three consecutive failures trip a circuit breaker that resets the
// counter, so the next manual trigger starts with a fresh budget. Triggers
// (admin login, periodic interval, foreground focus) are owned by the
// caller, not this package.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-cloud-console/keystone"
)

// MaxReloadAttempts is the per-resource retry budget.
const MaxReloadAttempts = 3

// RetryExceededError reports a tripped reload circuit breaker. The counter
// has already been reset when this is returned.
type RetryExceededError struct {
	Resource string
	Attempts int
}

func (e *RetryExceededError) Error() string {
	return fmt.Sprintf("%s reload aborted after %d failed attempts (retry budget reset)", e.Resource, e.Attempts)
}

// Gateway is the slice of the identity client the cache reads through.
type Gateway interface {
	ListUsers(ctx context.Context, authToken string) ([]keystone.User, error)
	ListProjects(ctx context.Context, authToken string) ([]keystone.Project, error)
}

// TokenSource supplies the credential for reload calls.
type TokenSource interface {
	CurrentToken() (string, bool)
}

// Cache holds the two lists and their independent retry counters.
type Cache struct {
	mu       sync.Mutex
	gateway  Gateway
	tokens   TokenSource
	log      zerolog.Logger
	users    []keystone.User
	projects []keystone.Project

	userRetries    int
	projectRetries int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// New creates a Cache.
func New(gateway Gateway, tokens TokenSource, options ...Option) (*Cache, error) {
	if gateway == nil {
		return nil, errors.New("[directory.New] gateway is required")
	}
	if tokens == nil {
		return nil, errors.New("[directory.New] token source is required")
	}

	c := &Cache{
		gateway: gateway,
		tokens:  tokens,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ReloadIdentities refreshes the identity list under the retry policy.
func (c *Cache) ReloadIdentities(ctx context.Context) error {
	return reload(ctx, c, "identities", &c.userRetries, c.gateway.ListUsers, &c.users)
}

// ReloadScopes refreshes the resource-scope list under the retry policy.
func (c *Cache) ReloadScopes(ctx context.Context) error {
	return reload(ctx, c, "scopes", &c.projectRetries, c.gateway.ListProjects, &c.projects)
}

// reload implements the shared policy. The pre-call counter value is the
// retry context for this attempt: concurrent invocations each read their own
// snapshot, and the network call happens outside the lock, so a racing pair
// cannot corrupt the counter.
func reload[T any](
	ctx context.Context,
	c *Cache,
	resource string,
	counter *int,
	fetch func(context.Context, string) ([]T, error),
	target *[]T,
) error {
	c.mu.Lock()
	attempt := *counter
	if attempt >= MaxReloadAttempts {
		*counter = 0
		c.mu.Unlock()
		c.log.Warn().Str("resource", resource).Int("attempts", attempt).Msg("reload circuit breaker tripped")
		return &RetryExceededError{Resource: resource, Attempts: attempt}
	}
	c.mu.Unlock()

	token, ok := c.tokens.CurrentToken()
	if !ok {
		return c.recordFailure(resource, counter, attempt, errors.New("no valid credential"))
	}

	items, err := fetch(ctx, token)
	if err != nil {
		return c.recordFailure(resource, counter, attempt, err)
	}

	c.mu.Lock()
	*target = items
	*counter = 0
	c.mu.Unlock()

	c.log.Debug().Str("resource", resource).Int("count", len(items)).Msg("directory reloaded")
	return nil
}

func (c *Cache) recordFailure(resource string, counter *int, attempt int, err error) error {
	c.mu.Lock()
	*counter = attempt + 1
	c.mu.Unlock()
	return errors.Wrapf(err, "[Reload] %s attempt %d of %d failed", resource, attempt+1, MaxReloadAttempts)
}

// Identities returns a copy of the cached identity list.
func (c *Cache) Identities() []keystone.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]keystone.User, len(c.users))
	copy(out, c.users)
	return out
}

// Scopes returns a copy of the cached resource-scope list.
func (c *Cache) Scopes() []keystone.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]keystone.Project, len(c.projects))
	copy(out, c.projects)
	return out
}

// Clear drops both lists and both retry counters (logout path).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = nil
	c.projects = nil
	c.userRetries = 0
	c.projectRetries = 0
}
