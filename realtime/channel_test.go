package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/realtime"
)

const testToken = "token-abc"

func testCreds() *credentials.Credentials {
	return &credentials.Credentials{
		AccessToken: testToken,
		User:        &credentials.User{ID: "user-1", Role: credentials.RoleUser},
	}
}

// wsServer is a minimal push server for channel tests.
type wsServer struct {
	*httptest.Server

	mu        sync.Mutex
	protocols []string
	conns     []*websocket.Conn
	received  []realtime.Message
	rejectN   int // reject this many handshakes before accepting
	attempts  []time.Time
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{Subprotocols: []string{"jwt." + testToken}}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.attempts = append(s.attempts, time.Now())
		s.protocols = append(s.protocols, r.Header.Get("Sec-WebSocket-Protocol"))
		reject := s.rejectN > 0
		if reject {
			s.rejectN--
		}
		s.mu.Unlock()

		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var msg realtime.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) receivedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.received))
	for _, msg := range s.received {
		types = append(types, msg.Type)
	}
	return types
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type channelFixture struct {
	store      *credentials.MemoryStore
	entities   *cache.Cache
	dispatcher *realtime.Dispatcher
	channel    *realtime.Channel

	mu      sync.Mutex
	revoked []string
}

func setupChannel(t *testing.T, url string, options ...realtime.ChannelOption) *channelFixture {
	t.Helper()
	f := &channelFixture{
		store:    credentials.NewMemoryStore(),
		entities: cache.New(cache.NewMemoryMirror()),
	}
	revoke := func(reason string) {
		f.mu.Lock()
		f.revoked = append(f.revoked, reason)
		f.mu.Unlock()
		_ = f.store.Clear()
	}
	f.dispatcher = realtime.NewDispatcher(f.entities, revoke)

	opts := append([]realtime.ChannelOption{
		realtime.WithReconnectPolicy(5*time.Millisecond, time.Millisecond, 20*time.Millisecond, 8),
		realtime.WithHandshakeTimeout(time.Second),
	}, options...)
	f.channel = realtime.NewChannel(url, f.store, f.dispatcher, func() { revoke("expired") }, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.channel.Run(ctx)
	return f
}

func (f *channelFixture) waitState(t *testing.T, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.channel.State() == want },
		2*time.Second, time.Millisecond, "state %v never reached", want)
}

func TestChannelConnectsOnLogin(t *testing.T) {
	server := newWSServer(t)
	f := setupChannel(t, server.wsURL())

	require.NoError(t, f.store.Set(testCreds()))
	f.waitState(t, realtime.StateOpen)

	server.mu.Lock()
	protocol := server.protocols[0]
	server.mu.Unlock()
	require.Equal(t, "jwt."+testToken, protocol)
}

func TestChannelSendsInitialPing(t *testing.T) {
	server := newWSServer(t)
	f := setupChannel(t, server.wsURL())

	require.NoError(t, f.store.Set(testCreds()))
	f.waitState(t, realtime.StateOpen)

	require.Eventually(t, func() bool {
		for _, typ := range server.receivedTypes() {
			if typ == realtime.MessageTypePing {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "no initial ping received")
}

func TestChannelAuthRejectedIsTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(realtime.CloseAuthRejected, "expired"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	t.Cleanup(server.Close)

	f := setupChannel(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, f.store.Set(testCreds()))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.revoked) == 1 && f.revoked[0] == "expired"
	}, 2*time.Second, time.Millisecond)

	f.waitState(t, realtime.StateDisconnected)
	require.Empty(t, f.store.Token())
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	server := newWSServer(t)
	f := setupChannel(t, server.wsURL())

	require.NoError(t, f.store.Set(testCreds()))
	f.waitState(t, realtime.StateOpen)

	_ = server.lastConn(t).Close()

	require.Eventually(t, func() bool { return server.connCount() >= 2 },
		2*time.Second, time.Millisecond, "no reconnect after drop")
	f.waitState(t, realtime.StateOpen)
}

func (s *wsServer) attemptGaps(t *testing.T, want int) []time.Duration {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.attempts) >= want
	}, 10*time.Second, time.Millisecond, "never saw %d handshake attempts", want)

	s.mu.Lock()
	defer s.mu.Unlock()
	gaps := make([]time.Duration, 0, want-1)
	for i := 1; i < want; i++ {
		gaps = append(gaps, s.attempts[i].Sub(s.attempts[i-1]))
	}
	return gaps
}

func TestChannelBackoffDelaysNonDecreasing(t *testing.T) {
	server := newWSServer(t)
	server.mu.Lock()
	server.rejectN = 100
	server.mu.Unlock()

	base := 40 * time.Millisecond
	minGap := 20 * time.Millisecond
	f := setupChannel(t, server.wsURL(),
		realtime.WithReconnectPolicy(base, minGap, time.Hour, 4))
	require.NoError(t, f.store.Set(testCreds()))

	// Four attempts before exhaustion yield three inter-attempt gaps.
	gaps := server.attemptGaps(t, 4)

	// Timer slack: sleeps guarantee a lower bound, handshake receipt
	// adds a little on top.
	const slack = 5 * time.Millisecond
	expected := base
	for i, gap := range gaps {
		expected = time.Duration(float64(expected) * realtime.BackoffFactor)
		require.GreaterOrEqual(t, gap+slack, expected, "gap %d shorter than its backoff delay", i)
		require.GreaterOrEqual(t, gap+slack, minGap, "gap %d under the minimum reconnect gap", i)
		if i > 0 {
			require.GreaterOrEqual(t, gap+3*slack, gaps[i-1], "gap %d decreased", i)
		}
	}
}

func TestChannelMinimumGapFloorsShortBackoffs(t *testing.T) {
	server := newWSServer(t)
	server.mu.Lock()
	server.rejectN = 100
	server.mu.Unlock()

	// Backoff delays (15ms, 22ms, 34ms) all sit under the 60ms gap, so
	// the limiter is what spaces the attempts.
	minGap := 60 * time.Millisecond
	f := setupChannel(t, server.wsURL(),
		realtime.WithReconnectPolicy(10*time.Millisecond, minGap, time.Hour, 4))
	require.NoError(t, f.store.Set(testCreds()))

	const slack = 5 * time.Millisecond
	for i, gap := range server.attemptGaps(t, 4) {
		require.GreaterOrEqual(t, gap+slack, minGap, "gap %d under the minimum reconnect gap", i)
	}
}

func TestChannelExhaustionThenRecovery(t *testing.T) {
	server := newWSServer(t)
	server.mu.Lock()
	server.rejectN = 8
	server.mu.Unlock()

	f := setupChannel(t, server.wsURL())
	require.NoError(t, f.store.Set(testCreds()))

	f.waitState(t, realtime.StateFallbackPolling)

	// The long-interval probe retries and the 9th attempt succeeds.
	f.waitState(t, realtime.StateOpen)
	require.Equal(t, 1, server.connCount())
}

func TestChannelTeardownOnLogout(t *testing.T) {
	server := newWSServer(t)
	f := setupChannel(t, server.wsURL())

	require.NoError(t, f.store.Set(testCreds()))
	f.waitState(t, realtime.StateOpen)

	require.NoError(t, f.store.Clear())
	f.waitState(t, realtime.StateDisconnected)

	// No reconnect while logged out.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, server.connCount())
	require.Equal(t, realtime.StateDisconnected, f.channel.State())
}

func TestChannelPushReachesDispatcher(t *testing.T) {
	server := newWSServer(t)
	f := setupChannel(t, server.wsURL())

	events := make(chan entity.Event, 1)
	f.dispatcher.SubscribeAll(func(e entity.Event) {
		select {
		case events <- e:
		default:
		}
	})

	f.entities.Write(entity.FamilyPlayers, []entity.Record{entity.Record(`{"id":"p1"}`)})
	require.NoError(t, f.store.Set(testCreds()))
	f.waitState(t, realtime.StateOpen)

	err := server.lastConn(t).WriteJSON(realtime.Message{
		Type: "player_updated",
		Data: []byte(`{"id":"p1","name":"Lobby"}`),
	})
	require.NoError(t, err)

	select {
	case e := <-events:
		require.Equal(t, entity.FamilyPlayers, e.Family)
		require.Equal(t, entity.OpUpdated, e.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("push never reached dispatcher")
	}

	// The push invalidated the cached family.
	_, fresh := f.entities.Read(entity.FamilyPlayers)
	require.False(t, fresh)
}
