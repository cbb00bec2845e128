package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-cloud-console/credentials"
	"github.com/jrsteele09/go-cloud-console/directory"
	"github.com/jrsteele09/go-cloud-console/keystone"
	"github.com/jrsteele09/go-cloud-console/keystone/keystonetest"
	"github.com/jrsteele09/go-cloud-console/provisioning"
	"github.com/jrsteele09/go-cloud-console/session"
)

const (
	adminName     = "admin"
	adminPassword = "AdminSecret1"
	operatorName  = "jo"
	operatorPass  = "JoSecret12"
	scopeName     = "control-plane"
)

type testFixture struct {
	service *session.Session
	store   *credentials.Store
	cache   *directory.Cache
	gateway *keystone.Client
	fake    *keystonetest.Service
	project keystone.Project
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	fake := keystonetest.New()
	fake.AddUser(keystone.User{Name: adminName, DomainID: "default", Enabled: true}, adminPassword)
	fake.AddUser(keystone.User{Name: operatorName, DomainID: "default", Enabled: true}, operatorPass)
	project := fake.AddProject(keystone.Project{Name: scopeName, DomainID: "default", Enabled: true})

	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	gateway, err := keystone.New(srv.URL)
	require.NoError(t, err)

	store, err := credentials.NewStore(gateway, filepath.Join(t.TempDir(), "session.json"),
		credentials.WithDefaults(scopeName, "Default"),
	)
	require.NoError(t, err)

	cache, err := directory.New(gateway, store)
	require.NoError(t, err)

	svc, err := session.New(session.Deps{
		Credentials: store,
		Directory:   cache,
		Policy:      session.NameMatchPolicy{AdminName: adminName},
	})
	require.NoError(t, err)

	return &testFixture{service: svc, store: store, cache: cache, gateway: gateway, fake: fake, project: project}
}

func TestSession_New(t *testing.T) {
	t.Run("requires credentials", func(t *testing.T) {
		_, err := session.New(session.Deps{Policy: session.NameMatchPolicy{}})
		require.Error(t, err)
	})

	t.Run("requires policy", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := session.New(session.Deps{Credentials: f.store})
		require.Error(t, err)
	})
}

func TestSession_Login(t *testing.T) {
	t.Run("administrator login", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))

		snap := f.service.State()
		require.Equal(t, session.StateAuthenticated, snap.State)
		require.Equal(t, adminName, snap.User.Name)
		require.Equal(t, scopeName, snap.Project.Name)
		require.True(t, snap.IsAdmin)
		require.False(t, snap.Loading)
		require.NoError(t, snap.LastErr)
	})

	t.Run("operator login is not admin despite elevated bindings", func(t *testing.T) {
		f := setupTestFixture(t)

		// Grant jo an admin role at the service: the name-match policy must
		// still classify them as an ordinary operator.
		adminRole := f.fake.AddRole("admin")
		jo, ok := f.fake.UserByName(operatorName)
		require.True(t, ok)
		f.fake.Grant(f.project.ID, jo.ID, adminRole.ID)

		require.NoError(t, f.service.Login(context.Background(), operatorName, operatorPass, "", ""))
		require.False(t, f.service.State().IsAdmin)
	})

	t.Run("failed login leaves state anonymous", func(t *testing.T) {
		f := setupTestFixture(t)
		err := f.service.Login(context.Background(), adminName, "wrong", "", "")

		var authErr *credentials.AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, credentials.ReasonInvalidCredentials, authErr.Reason)

		snap := f.service.State()
		require.Equal(t, session.StateAnonymous, snap.State)
		require.Error(t, snap.LastErr)
	})
}

func TestSession_CheckAuth(t *testing.T) {
	t.Run("login then checkAuth yields same projection", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))
		before := f.service.State()

		require.True(t, f.service.CheckAuth())
		after := f.service.State()

		require.Equal(t, before.State, after.State)
		require.Equal(t, before.User, after.User)
		require.Equal(t, before.Project, after.Project)
		require.Equal(t, before.IsAdmin, after.IsAdmin)
	})

	t.Run("safe before any login", func(t *testing.T) {
		f := setupTestFixture(t)
		require.False(t, f.service.CheckAuth())
		require.Equal(t, session.StateAnonymous, f.service.State().State)
	})

	t.Run("restores authenticated state from a fresh store", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))

		// A second orchestrator over the same durable state, as after a
		// process restart.
		restarted, err := session.New(session.Deps{
			Credentials: f.store,
			Directory:   f.cache,
			Policy:      session.NameMatchPolicy{AdminName: adminName},
		})
		require.NoError(t, err)

		require.True(t, restarted.CheckAuth())
		snap := restarted.State()
		require.Equal(t, session.StateAuthenticated, snap.State)
		require.Equal(t, adminName, snap.User.Name)
		require.True(t, snap.IsAdmin)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := setupTestFixture(t)
		require.False(t, f.service.CheckAuth())
		require.False(t, f.service.CheckAuth())
	})
}

func TestSession_Logout(t *testing.T) {
	// Operator logins keep the cache warm path out of the picture so the
	// cleared-cache assertions cannot race a background reload.
	t.Run("always anonymous with cleared caches", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), operatorName, operatorPass, "", ""))
		require.NoError(t, f.cache.ReloadIdentities(context.Background()))
		require.NotEmpty(t, f.cache.Identities())

		f.service.Logout(context.Background())

		require.Equal(t, session.StateAnonymous, f.service.State().State)
		require.Empty(t, f.cache.Identities())
		require.Empty(t, f.cache.Scopes())
		require.False(t, f.store.IsValid())
	})

	t.Run("revoke failure still logs out", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), operatorName, operatorPass, "", ""))
		require.NoError(t, f.cache.ReloadIdentities(context.Background()))
		f.fake.FailNext(keystonetest.OpRevokeToken, http.StatusInternalServerError, 1)

		f.service.Logout(context.Background())

		require.Equal(t, session.StateAnonymous, f.service.State().State)
		require.Empty(t, f.cache.Identities())
		require.False(t, f.store.IsValid())
	})
}

func TestSession_SwitchScope(t *testing.T) {
	t.Run("rebinds project", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))
		other := f.fake.AddProject(keystone.Project{Name: "tenant-b", DomainID: "default", Enabled: true})

		require.NoError(t, f.service.SwitchScope(context.Background(), other.ID))

		snap := f.service.State()
		require.Equal(t, session.StateAuthenticated, snap.State)
		require.Equal(t, other.ID, snap.Project.ID)
	})

	t.Run("failure keeps prior scope and state", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))
		before := f.service.State()
		tokenBefore, _ := f.store.CurrentToken()

		err := f.service.SwitchScope(context.Background(), "no-such-project")
		require.Error(t, err)

		snap := f.service.State()
		require.Equal(t, session.StateAuthenticated, snap.State)
		require.Equal(t, before.Project.ID, snap.Project.ID)

		tokenAfter, ok := f.store.CurrentToken()
		require.True(t, ok)
		require.Equal(t, tokenBefore, tokenAfter)
	})

	t.Run("requires authentication", func(t *testing.T) {
		f := setupTestFixture(t)
		err := f.service.SwitchScope(context.Background(), "any")
		require.ErrorIs(t, err, session.ErrNotAuthenticated)
	})
}

func TestRoleAssignmentPolicy(t *testing.T) {
	f := setupTestFixture(t)
	adminRole := f.fake.AddRole("admin")
	policy := session.RoleAssignmentPolicy{Gateway: f.gateway, RoleNames: []string{"admin"}}

	login := func(t *testing.T, name, password string) *credentials.Credential {
		t.Helper()
		cred, err := f.store.Acquire(context.Background(), name, password, "", "")
		require.NoError(t, err)
		return cred
	}

	t.Run("identity holding the role is admin", func(t *testing.T) {
		jo, ok := f.fake.UserByName(operatorName)
		require.True(t, ok)
		f.fake.Grant(f.project.ID, jo.ID, adminRole.ID)

		cred := login(t, operatorName, operatorPass)
		isAdmin, err := policy.IsAdmin(context.Background(), cred)
		require.NoError(t, err)
		require.True(t, isAdmin)
	})

	t.Run("identity without the role is operator", func(t *testing.T) {
		cred := login(t, adminName, adminPassword)
		isAdmin, err := policy.IsAdmin(context.Background(), cred)
		require.NoError(t, err)
		require.False(t, isAdmin)
	})
}

// Exercised here because the self-registration path promises not to disturb
// the orchestrator's session.
func TestSession_UnaffectedBySelfRegistration(t *testing.T) {
	f := setupTestFixture(t)
	f.fake.AddUser(keystone.User{Name: "registrar", DomainID: "default", Enabled: true}, "Registrar1")

	require.NoError(t, f.service.Login(context.Background(), adminName, adminPassword, "", ""))
	tokenBefore, _ := f.store.CurrentToken()

	workflow, err := provisioning.New(f.gateway, f.store, "default",
		provisioning.WithBootstrap(provisioning.Bootstrap{
			UserName:   "registrar",
			Password:   "Registrar1",
			DomainName: "Default",
			ScopeName:  scopeName,
		}),
	)
	require.NoError(t, err)
	require.NoError(t, workflow.RegisterSelfService(context.Background(), "Kim", "kim01", "secret123"))

	tokenAfter, ok := f.store.CurrentToken()
	require.True(t, ok)
	require.Equal(t, tokenBefore, tokenAfter)
	require.Equal(t, session.StateAuthenticated, f.service.State().State)

	// Give the fire-and-forget directory warm a moment before the fake is
	// torn down.
	time.Sleep(50 * time.Millisecond)
}
