package credentials_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-cloud-console/credentials"
	"github.com/jrsteele09/go-cloud-console/keystone"
	"github.com/jrsteele09/go-cloud-console/keystone/keystonetest"
)

const (
	testUser     = "operator"
	testPassword = "Operator12"
	testScope    = "ops-project"
	testDomain   = "Default"
)

type testFixture struct {
	store   *credentials.Store
	gateway *keystone.Client
	fake    *keystonetest.Service
	path    string
	now     *time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	// Whole seconds so that the RFC3339 round trip through the fake keeps
	// expiry values exact.
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	now := &start

	fake := keystonetest.New(keystonetest.WithNowTime(func() time.Time { return *now }))
	fake.AddUser(keystone.User{Name: testUser, DomainID: "default", Enabled: true}, testPassword)
	fake.AddProject(keystone.Project{Name: testScope, DomainID: "default", Enabled: true})

	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	gateway, err := keystone.New(srv.URL)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.json")
	store, err := credentials.NewStore(gateway, path,
		credentials.WithDefaults(testScope, testDomain),
		credentials.WithNowTime(func() time.Time { return *now }),
	)
	require.NoError(t, err)

	return &testFixture{store: store, gateway: gateway, fake: fake, path: path, now: now}
}

func (f *testFixture) acquire(t *testing.T) *credentials.Credential {
	t.Helper()
	cred, err := f.store.Acquire(context.Background(), testUser, testPassword, "", "")
	require.NoError(t, err)
	return cred
}

func TestStore_Acquire(t *testing.T) {
	t.Run("success persists token and projection", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)

		require.NotEmpty(t, cred.Token)
		require.Equal(t, testUser, cred.User.Name)
		require.Equal(t, testScope, cred.Project.Name)
		require.True(t, f.store.IsValid())

		headers := f.store.AuthHeaders()
		require.Equal(t, cred.Token, headers["X-Auth-Token"])

		_, err := os.Stat(f.path)
		require.NoError(t, err)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.store.Acquire(context.Background(), testUser, "wrong", "", "")

		var authErr *credentials.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, credentials.ReasonInvalidCredentials, authErr.Reason)
		require.False(t, f.store.IsValid())
	})

	t.Run("server error", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.FailNext(keystonetest.OpIssueToken, http.StatusInternalServerError, 1)

		_, err := f.store.Acquire(context.Background(), testUser, testPassword, "", "")
		var authErr *credentials.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, credentials.ReasonServerError, authErr.Reason)
	})

	t.Run("unreachable gateway", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		gateway, err := keystone.New(url)
		require.NoError(t, err)
		store, err := credentials.NewStore(gateway, filepath.Join(t.TempDir(), "session.json"))
		require.NoError(t, err)

		_, err = store.Acquire(context.Background(), testUser, testPassword, "scope", "Default")
		var authErr *credentials.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, credentials.ReasonUnreachable, authErr.Reason)
	})

	t.Run("failure leaves prior credential untouched", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)

		_, err := f.store.Acquire(context.Background(), testUser, "wrong", "", "")
		require.Error(t, err)

		token, ok := f.store.CurrentToken()
		require.True(t, ok)
		require.Equal(t, cred.Token, token)
	})
}

func TestStore_Validity(t *testing.T) {
	t.Run("expiry boundary is invalid", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)

		*f.now = cred.ExpiresAt.Add(-time.Second)
		require.True(t, f.store.IsValid())

		// now == expiry must read as absent.
		*f.now = cred.ExpiresAt
		require.False(t, f.store.IsValid())

		*f.now = cred.ExpiresAt.Add(time.Second)
		require.False(t, f.store.IsValid())
	})

	t.Run("expired token yields no headers", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)
		*f.now = cred.ExpiresAt

		require.Empty(t, f.store.AuthHeaders())
		_, ok := f.store.CurrentToken()
		require.False(t, ok)
	})

	t.Run("query does not clear persisted state", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)
		*f.now = cred.ExpiresAt
		require.False(t, f.store.IsValid())

		// The durable copy must still exist: only Release clears.
		_, err := os.Stat(f.path)
		require.NoError(t, err)
	})
}

func TestStore_RestartContinuity(t *testing.T) {
	t.Run("fresh store picks up persisted session", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)
		f.store.SetAdmin(true)

		restarted, err := credentials.NewStore(f.gateway, f.path,
			credentials.WithNowTime(func() time.Time { return *f.now }),
		)
		require.NoError(t, err)
		require.True(t, restarted.IsValid())

		rec, ok := restarted.Projection()
		require.True(t, ok)
		require.Equal(t, cred.Token, rec.Token)
		require.Equal(t, testUser, rec.User.Name)
		require.True(t, rec.IsAdmin)
	})

	t.Run("corrupt session file fails closed", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0700))
		require.NoError(t, os.WriteFile(f.path, []byte("{not json"), 0600))

		restarted, err := credentials.NewStore(f.gateway, f.path)
		require.NoError(t, err)
		require.False(t, restarted.IsValid())
	})

	t.Run("persisted record with expired token fails closed", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)

		restarted, err := credentials.NewStore(f.gateway, f.path,
			credentials.WithNowTime(func() time.Time { return cred.ExpiresAt }),
		)
		require.NoError(t, err)
		require.False(t, restarted.IsValid())
	})

	t.Run("missing token field fails closed", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0700))
		require.NoError(t, os.WriteFile(f.path, []byte(`{"user":{"Name":"x"}}`), 0600))

		restarted, err := credentials.NewStore(f.gateway, f.path)
		require.NoError(t, err)
		require.False(t, restarted.IsValid())
	})
}

func TestStore_Release(t *testing.T) {
	t.Run("revokes and clears", func(t *testing.T) {
		f := setupTestFixture(t)
		cred := f.acquire(t)

		f.store.Release(context.Background())
		require.False(t, f.store.IsValid())
		require.False(t, f.fake.TokenValid(cred.Token))

		_, err := os.Stat(f.path)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("clears locally even when revoke fails", func(t *testing.T) {
		f := setupTestFixture(t)
		f.acquire(t)
		f.fake.FailNext(keystonetest.OpRevokeToken, http.StatusInternalServerError, 1)

		f.store.Release(context.Background())
		require.False(t, f.store.IsValid())
		_, err := os.Stat(f.path)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("safe with no session", func(t *testing.T) {
		f := setupTestFixture(t)
		f.store.Release(context.Background())
		require.False(t, f.store.IsValid())
	})
}

func TestStore_Rescope(t *testing.T) {
	t.Run("rebinds scope atomically", func(t *testing.T) {
		f := setupTestFixture(t)
		first := f.acquire(t)
		f.store.SetAdmin(true)
		other := f.fake.AddProject(keystone.Project{Name: "other", DomainID: "default", Enabled: true})

		cred, err := f.store.Rescope(context.Background(), other.ID)
		require.NoError(t, err)
		require.NotEqual(t, first.Token, cred.Token)
		require.Equal(t, other.ID, cred.Project.ID)

		rec, ok := f.store.Projection()
		require.True(t, ok)
		require.Equal(t, other.ID, rec.Project.ID)
		require.True(t, rec.IsAdmin, "authorization level survives rescope")
	})

	t.Run("failure keeps prior scope and token", func(t *testing.T) {
		f := setupTestFixture(t)
		first := f.acquire(t)

		_, err := f.store.Rescope(context.Background(), "no-such-project")
		require.Error(t, err)

		token, ok := f.store.CurrentToken()
		require.True(t, ok)
		require.Equal(t, first.Token, token)

		rec, ok := f.store.Projection()
		require.True(t, ok)
		require.Equal(t, first.Project.ID, rec.Project.ID)
	})

	t.Run("requires a live credential", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.store.Rescope(context.Background(), "any")
		var authErr *credentials.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, credentials.ReasonInvalidCredentials, authErr.Reason)
	})
}
