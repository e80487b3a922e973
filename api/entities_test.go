package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetview/fleetview-client/activity"
	"github.com/fleetview/fleetview-client/api"
	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
	"github.com/fleetview/fleetview-client/token"
)

const (
	testCompanyID      = "company-1"
	playersListPayload = `[{"id":"p1","name":"Lobby","company_id":"company-1"},
		{"id":"p2","name":"Atrium","company_id":"company-2"}]`
)

type facadeFixture struct {
	store     *credentials.MemoryStore
	lifecycle *token.Lifecycle
	entities  *cache.Cache
	players   *api.Players
	companies *api.Companies

	mu       sync.Mutex
	requests []string
}

func (f *facadeFixture) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func setupFacades(t *testing.T, handler http.HandlerFunc, cacheOpts ...cache.Option) *facadeFixture {
	t.Helper()
	f := &facadeFixture{store: credentials.NewMemoryStore()}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	monitor := activity.NewMonitor()
	f.lifecycle = token.NewLifecycle(f.store, monitor)
	gw := gateway.New(server.URL, f.store, f.lifecycle)
	f.entities = cache.New(cache.NewMemoryMirror(), cacheOpts...)
	flights := coalesce.NewGroup[[]entity.Record](coalesce.WithDebounce[[]entity.Record](10 * time.Millisecond))

	f.players = api.NewPlayers(gw, f.entities, flights, f.store)
	f.companies = api.NewCompanies(gw, f.entities, flights, f.store)
	return f
}

func (f *facadeFixture) login(user *credentials.User) {
	_ = f.store.Set(&credentials.Credentials{AccessToken: "token-abc", User: user})
}

func superadmin() *credentials.User {
	return &credentials.User{ID: "admin-1", Role: credentials.RoleSuperAdmin}
}

func companyAdmin() *credentials.User {
	return &credentials.User{ID: "user-1", Role: credentials.RoleCompanyAdmin, CompanyID: testCompanyID}
}

func playersHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		switch {
		case r.Method == "GET" && r.URL.Path == "/players":
			_, _ = w.Write([]byte(playersListPayload))
		case r.Method == "POST" && r.URL.Path == "/players":
			_, _ = w.Write([]byte(`{"id":"p3","name":"Entrance","company_id":"company-1"}`))
		case r.Method == "PUT" && r.URL.Path == "/players/p1":
			_, _ = w.Write([]byte(`{"id":"p1","name":"Lobby East","company_id":"company-1"}`))
		case r.Method == "DELETE" && r.URL.Path == "/players/p1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestListPopulatesCacheAndServesFromIt(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 1, f.requestCount())

	// Second call within the TTL stays local.
	records, err = f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 1, f.requestCount())
}

func TestConcurrentListsCoalesce(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := f.players.List(context.Background(), nil)
			if err != nil || len(records) != 2 {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	require.Equal(t, 1, f.requestCount(), "expected a single outbound GET")
}

func TestListScopesToTenant(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(companyAdmin())

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "p1", records[0].ID())
	require.Equal(t, testCompanyID, records[0].CompanyID())
}

func TestListServesMirrorWhenOffline(t *testing.T) {
	mirror := cache.NewMemoryMirror()
	warm := cache.New(mirror)
	warm.Write(entity.FamilyPlayers, []entity.Record{
		entity.Record(`{"id":"p1","name":"Lobby","company_id":"company-1"}`),
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // all requests fail at the dial

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Set(&credentials.Credentials{
		AccessToken: "token-abc",
		User:        superadmin(),
	}))

	lifecycle := token.NewLifecycle(store, activity.NewMonitor())
	gw := gateway.New(server.URL, store, lifecycle)
	cold := cache.New(mirror) // fresh process, same durable mirror
	flights := coalesce.NewGroup[[]entity.Record](coalesce.WithDebounce[[]entity.Record](0))
	players := api.NewPlayers(gw, cold, flights, store)

	records, err := players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "p1", records[0].ID())
}

func TestCreateUpdatesCache(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	_, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)

	created, err := f.players.Create(context.Background(), entity.Record(`{"name":"Entrance"}`))
	require.NoError(t, err)
	require.Equal(t, "p3", created.ID())

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 2, f.requestCount(), "list must not refetch after optimistic update")
}

func TestFilteredListLeavesCacheUntouched(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	_, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.requestCount())

	// A filtered list always hits the server and must not displace the
	// cached unfiltered collection.
	_, err = f.players.List(context.Background(), api.Filter{"name": "Lobby"})
	require.NoError(t, err)
	require.Equal(t, 2, f.requestCount())

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 2, f.requestCount(), "unfiltered list must still be served locally")
}

func TestCreateOnStaleCacheForcesRefetch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := setupFacades(t, playersHandler(t),
		cache.WithTTL(30*time.Minute),
		cache.WithNowFunc(func() time.Time { return now }))
	f.login(superadmin())

	_, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.requestCount())

	// Past the TTL the cached list is stale; an optimistic update must
	// not restamp it as fresh.
	now = now.Add(31 * time.Minute)
	_, err = f.players.Create(context.Background(), entity.Record(`{"name":"Entrance"}`))
	require.NoError(t, err)

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 3, f.requestCount(), "stale list must be refetched after a mutation")
}

func TestCreateForcesTenantOnWrites(t *testing.T) {
	var gotBody []byte
	f := setupFacades(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"id":"p9","company_id":"company-1"}`))
	})
	f.login(companyAdmin())

	_, err := f.players.Create(context.Background(), entity.Record(`{"name":"Kiosk","company_id":"company-2"}`))
	require.NoError(t, err)
	require.Contains(t, string(gotBody), `"company_id":"company-1"`)
}

func TestCreateOfflineShadowWrite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	store := credentials.NewMemoryStore()
	require.NoError(t, store.Set(&credentials.Credentials{AccessToken: "token-abc", User: superadmin()}))

	lifecycle := token.NewLifecycle(store, activity.NewMonitor())
	gw := gateway.New(server.URL, store, lifecycle)
	entities := cache.New(cache.NewMemoryMirror())
	flights := coalesce.NewGroup[[]entity.Record](coalesce.WithDebounce[[]entity.Record](0))
	players := api.NewPlayers(gw, entities, flights, store)

	shadow, err := players.Create(context.Background(), entity.Record(`{"name":"Entrance"}`))
	require.NoError(t, err)
	require.True(t, shadow.Shadow(), "offline create must return a shadow record")
	require.NotEmpty(t, shadow.ID(), "shadow record gets a provisional id")

	mirrored, err := entities.ReadMirror(entity.FamilyPlayers)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
}

func TestDeleteRemovesFromCache(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	_, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, f.players.Delete(context.Background(), "p1"))

	records, err := f.players.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "p2", records[0].ID())
}

func TestSendCommand(t *testing.T) {
	f := setupFacades(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/players/p1/command", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	f.login(superadmin())

	out, err := f.players.SendCommand(context.Background(), "p1", api.CommandReboot, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

func TestSendCommandRejectsUnknown(t *testing.T) {
	f := setupFacades(t, playersHandler(t))
	f.login(superadmin())

	_, err := f.players.SendCommand(context.Background(), "p1", api.Command("self-destruct"), nil)
	require.Error(t, err)
}
