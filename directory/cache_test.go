package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-cloud-console/directory"
	"github.com/jrsteele09/go-cloud-console/keystone"
	"github.com/jrsteele09/go-cloud-console/keystone/keystonetest"
)

// staticTokens is a TokenSource pinned to a single token.
type staticTokens struct {
	token string
}

func (s staticTokens) CurrentToken() (string, bool) {
	return s.token, s.token != ""
}

type testFixture struct {
	cache *directory.Cache
	fake  *keystonetest.Service
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	fake := keystonetest.New()
	fake.AddUser(keystone.User{Name: "admin", DomainID: "default", Enabled: true}, "AdminSecret1")
	fake.AddProject(keystone.Project{Name: "control-plane", DomainID: "default", Enabled: true})

	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	gateway, err := keystone.New(srv.URL)
	require.NoError(t, err)

	token, err := gateway.IssueToken(context.Background(), keystone.IssueTokenRequest{
		UserName:   "admin",
		Password:   "AdminSecret1",
		UserDomain: "Default",
	})
	require.NoError(t, err)

	cache, err := directory.New(gateway, staticTokens{token: token.ID})
	require.NoError(t, err)

	return &testFixture{cache: cache, fake: fake}
}

func TestCache_Reload(t *testing.T) {
	t.Run("success populates and resets the budget", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.cache.ReloadIdentities(context.Background()))
		require.NoError(t, f.cache.ReloadScopes(context.Background()))
		require.Len(t, f.cache.Identities(), 1)
		require.Len(t, f.cache.Scopes(), 1)
	})

	t.Run("returned lists are copies", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.cache.ReloadIdentities(context.Background()))

		got := f.cache.Identities()
		got[0].Name = "mutated"
		require.Equal(t, "admin", f.cache.Identities()[0].Name)
	})

	t.Run("missing credential counts against the budget", func(t *testing.T) {
		fake := keystonetest.New()
		srv := httptest.NewServer(fake.Handler())
		t.Cleanup(srv.Close)
		gateway, err := keystone.New(srv.URL)
		require.NoError(t, err)

		cache, err := directory.New(gateway, staticTokens{})
		require.NoError(t, err)

		err = cache.ReloadIdentities(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "attempt 1 of 3")
	})
}

func TestCache_RetryBudget(t *testing.T) {
	t.Run("three failures trip the breaker and reset it", func(t *testing.T) {
		f := setupTestFixture(t)
		ctx := context.Background()
		f.fake.FailNext(keystonetest.OpListUsers, http.StatusInternalServerError, 3)

		err := f.cache.ReloadIdentities(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "attempt 1 of 3")

		err = f.cache.ReloadIdentities(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "attempt 2 of 3")

		err = f.cache.ReloadIdentities(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "attempt 3 of 3")

		// Budget exhausted: the breaker trips without touching the network
		// and hands back a fresh budget.
		err = f.cache.ReloadIdentities(ctx)
		var retryErr *directory.RetryExceededError
		require.ErrorAs(t, err, &retryErr)
		require.Equal(t, "identities", retryErr.Resource)
		require.Equal(t, directory.MaxReloadAttempts, retryErr.Attempts)

		// Next trigger starts over and succeeds.
		require.NoError(t, f.cache.ReloadIdentities(ctx))
		require.Len(t, f.cache.Identities(), 1)
	})

	t.Run("counters are independent per resource", func(t *testing.T) {
		f := setupTestFixture(t)
		ctx := context.Background()
		f.fake.FailNext(keystonetest.OpListUsers, http.StatusInternalServerError, 3)

		for i := 0; i < 3; i++ {
			require.Error(t, f.cache.ReloadIdentities(ctx))
		}
		require.NoError(t, f.cache.ReloadScopes(ctx))
		require.Len(t, f.cache.Scopes(), 1)

		var retryErr *directory.RetryExceededError
		require.ErrorAs(t, f.cache.ReloadIdentities(ctx), &retryErr)
	})

	t.Run("success midway resets the counter", func(t *testing.T) {
		f := setupTestFixture(t)
		ctx := context.Background()
		f.fake.FailNext(keystonetest.OpListUsers, http.StatusInternalServerError, 2)

		require.Error(t, f.cache.ReloadIdentities(ctx))
		require.Error(t, f.cache.ReloadIdentities(ctx))
		require.NoError(t, f.cache.ReloadIdentities(ctx))

		// A fresh run of failures gets the full budget again.
		f.fake.FailNext(keystonetest.OpListUsers, http.StatusInternalServerError, 1)
		err := f.cache.ReloadIdentities(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "attempt 1 of 3")
	})
}

func TestCache_Clear(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cache.ReloadIdentities(ctx))
	require.NoError(t, f.cache.ReloadScopes(ctx))
	f.fake.FailNext(keystonetest.OpListProjects, http.StatusInternalServerError, 2)
	require.Error(t, f.cache.ReloadScopes(ctx))
	require.Error(t, f.cache.ReloadScopes(ctx))

	f.cache.Clear()

	require.Empty(t, f.cache.Identities())
	require.Empty(t, f.cache.Scopes())

	// Clear also resets the retry counters.
	f.fake.FailNext(keystonetest.OpListProjects, http.StatusInternalServerError, 1)
	err := f.cache.ReloadScopes(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt 1 of 3")
}
