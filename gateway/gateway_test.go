package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleetview/fleetview-client/activity"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/gateway"
	clienterrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/token"
)

const testUserID = "user-1"

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testUserID,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

type gatewayFixture struct {
	store     *credentials.MemoryStore
	lifecycle *token.Lifecycle
	client    *gateway.Client
	server    *httptest.Server

	now          time.Time
	refreshCalls atomic.Int64
	expired      atomic.Int64
}

func setupGateway(t *testing.T, handler http.Handler) *gatewayFixture {
	t.Helper()

	f := &gatewayFixture{
		store: credentials.NewMemoryStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFunc := func() time.Time { return f.now }
	monitor := activity.NewMonitor(activity.WithNowFunc(nowFunc))
	f.lifecycle = token.NewLifecycle(f.store, monitor, token.WithNowFunc(nowFunc))
	f.lifecycle.SetRefreshFunc(func(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
		f.refreshCalls.Add(1)
		return &credentials.Credentials{
			AccessToken: signToken(t, f.now.Add(time.Hour)),
			User:        &credentials.User{ID: testUserID, Role: credentials.RoleUser},
		}, nil
	})
	f.lifecycle.OnAuthExpired(func(string) { f.expired.Add(1) })

	f.server = httptest.NewServer(handler)
	t.Cleanup(f.server.Close)

	f.client = gateway.New(f.server.URL, f.store, f.lifecycle, gateway.WithNowFunc(nowFunc))
	return f
}

func (f *gatewayFixture) login(t *testing.T, exp time.Time) {
	t.Helper()
	require.NoError(t, f.store.Set(&credentials.Credentials{
		AccessToken:  signToken(t, exp),
		RefreshToken: "refresh-1",
		User:         &credentials.User{ID: testUserID, Role: credentials.RoleUser},
	}))
}

func TestDoWithoutCredentials(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	result, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.ErrorIs(t, err, clienterrors.ErrAuthRequired)
	require.True(t, result.UsedFallback)
}

func TestDoAttachesBearer(t *testing.T) {
	var gotAuth string
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[{"id":"p1"}]`))
	}))
	f.login(t, f.now.Add(time.Hour))

	result, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.NoError(t, err)
	require.False(t, result.UsedFallback)
	require.JSONEq(t, `[{"id":"p1"}]`, string(result.Data))
	require.Equal(t, "Bearer "+f.store.Token(), gotAuth)
}

func TestDoRefreshesExpiringToken(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	f.login(t, f.now.Add(30*time.Second))

	_, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.refreshCalls.Load())
}

func TestDoUnauthorizedRevokes(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"jwt expired"}`, http.StatusUnauthorized)
	}))
	f.login(t, f.now.Add(time.Hour))

	result, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.ErrorIs(t, err, clienterrors.ErrSessionExpired)
	require.True(t, result.UsedFallback)
	require.Equal(t, int64(1), f.expired.Load())
	require.Empty(t, f.store.Token())
}

func TestDoNetworkFailure(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f.login(t, f.now.Add(time.Hour))
	f.server.Close()

	result, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.ErrorIs(t, err, clienterrors.ErrNetwork)
	require.True(t, result.UsedFallback)
}

func TestDoServerError(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"player offline"}`, http.StatusBadGateway)
	}))
	f.login(t, f.now.Add(time.Hour))

	_, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	var serverErr *clienterrors.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, http.StatusBadGateway, serverErr.Status)
	require.Equal(t, "player offline", serverErr.Message)
}

func TestDoConflictAndValidation(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conflict":
			http.Error(w, `{"error":"duplicate"}`, http.StatusConflict)
		default:
			http.Error(w, `{"error":"email is required","field":"email"}`, http.StatusBadRequest)
		}
	}))
	f.login(t, f.now.Add(time.Hour))

	_, err := f.client.Do(context.Background(), http.MethodPost, "/conflict", nil)
	require.ErrorIs(t, err, clienterrors.ErrConflict)

	_, err = f.client.Do(context.Background(), http.MethodPost, "/users", map[string]string{})
	var validationErr *clienterrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "email", validationErr.Field)
	require.ErrorIs(t, err, clienterrors.ErrValidation)
}

func TestDoDropsPreRevokeResponse(t *testing.T) {
	var f *gatewayFixture
	f = setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Revoke while the request is in flight; the 200 below must be
		// discarded.
		f.lifecycle.Revoke(token.ReasonExpired)
		w.Write([]byte(`[{"id":"p1"}]`))
	}))
	f.login(t, f.now.Add(time.Hour))

	result, err := f.client.Do(context.Background(), http.MethodGet, "/players", nil)
	require.ErrorIs(t, err, clienterrors.ErrSessionExpired)
	require.True(t, result.UsedFallback)
}

func TestDoUnauthSkipsBearer(t *testing.T) {
	var gotAuth string
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"resetToken":"tok"}`))
	}))

	result, err := f.client.DoUnauth(context.Background(), http.MethodPost, "/auth/forgot-password", map[string]string{"email": "a@b"})
	require.NoError(t, err)
	require.Empty(t, gotAuth)
	require.JSONEq(t, `{"resetToken":"tok"}`, string(result.Data))
}

func TestDoWithTokenRejectionLeavesSessionAlone(t *testing.T) {
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"jwt expired"}`))
	}))
	f.login(t, f.now.Add(time.Hour))

	// A rejected invitation token is the invitation's problem, not the
	// logged-in session's.
	_, err := f.client.DoWithToken(context.Background(), http.MethodPost, "/auth/complete-registration",
		map[string]string{"password": "pw"}, "stale-invite-token")
	require.ErrorIs(t, err, clienterrors.ErrSessionExpired)

	require.Zero(t, f.expired.Load())
	require.NotEmpty(t, f.store.Token())
}

func TestDoCancelledRequestIsNotNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	f := setupGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() { close(release) })
	f.login(t, f.now.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.client.Do(ctx, http.MethodGet, "/players", nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond) // let the request reach the handler
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, clienterrors.ErrNetwork)
}
