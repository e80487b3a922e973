package realtime

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/internal/metrics"
)

// Reconnect policy constants.
const (
	HandshakeTimeout  = 10 * time.Second
	BackoffBase       = 2 * time.Second
	BackoffFactor     = 1.5
	MaxAttempts       = 8
	MinReconnectDelay = 5 * time.Second
	// ExhaustedProbeInterval is the long retry interval once the
	// reconnect budget is spent; attempts reset after each probe wait.
	ExhaustedProbeInterval = 30 * time.Second

	// CloseAuthRejected is the server's close code for a rejected
	// authentication handshake. Terminal: the session is revoked.
	CloseAuthRejected = 4401

	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024 // 512 KB
)

// State is the channel's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateFallbackPolling
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFallbackPolling:
		return "fallback_polling"
	}
	return "disconnected"
}

// Channel owns the socket: no other component sends frames. It connects
// when credentials appear, reconnects with bounded exponential backoff,
// and hands every received frame to the dispatcher.
type Channel struct {
	url            string
	store          credentials.Store
	dispatcher     *Dispatcher
	onAuthRejected func()

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	send  chan Message

	stateSubs []func(State)

	kick    chan struct{}
	limiter *rate.Limiter

	handshakeTimeout time.Duration
	backoffBase      time.Duration
	maxAttempts      int
	probeInterval    time.Duration
	nowFunc          func() time.Time
}

type ChannelOption func(*Channel)

// WithReconnectPolicy overrides backoff parameters (primarily for testing).
func WithReconnectPolicy(base, minGap, probe time.Duration, maxAttempts int) ChannelOption {
	return func(c *Channel) {
		c.backoffBase = base
		c.maxAttempts = maxAttempts
		c.probeInterval = probe
		c.limiter = rate.NewLimiter(rate.Every(minGap), 1)
	}
}

// WithHandshakeTimeout overrides the dial deadline (primarily for testing).
func WithHandshakeTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.handshakeTimeout = d
	}
}

// NewChannel wires the channel to the credential store and dispatcher.
// onAuthRejected runs when the server closes with CloseAuthRejected.
func NewChannel(url string, store credentials.Store, dispatcher *Dispatcher, onAuthRejected func(), options ...ChannelOption) *Channel {
	c := &Channel{
		url:              url,
		store:            store,
		dispatcher:       dispatcher,
		onAuthRejected:   onAuthRejected,
		kick:             make(chan struct{}, 1),
		limiter:          rate.NewLimiter(rate.Every(MinReconnectDelay), 1),
		handshakeTimeout: HandshakeTimeout,
		backoffBase:      BackoffBase,
		maxAttempts:      MaxAttempts,
		probeInterval:    ExhaustedProbeInterval,
		nowFunc:          time.Now,
	}
	for _, opt := range options {
		opt(c)
	}

	dispatcher.setReply(func(msg Message) { c.Send(msg) })

	// Connect on login, tear down on logout.
	store.Subscribe(func(creds *credentials.Credentials) {
		if creds == nil {
			c.Teardown()
			return
		}
		c.EnsureConnected()
	})
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a state transition listener. Register during
// session wiring, before Run.
func (c *Channel) OnStateChange(fn func(State)) {
	c.stateSubs = append(c.stateSubs, fn)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := c.stateSubs
	c.mu.Unlock()

	metrics.ChannelState.Set(float64(s))
	logging.Debug().Str("state", s.String()).Msg("realtime channel state")
	for _, fn := range subs {
		fn(s)
	}
}

// EnsureConnected requests a connection attempt. Safe to call from any
// goroutine; simultaneous callers share the pending handshake.
func (c *Channel) EnsureConnected() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Send enqueues a frame if the socket is open; frames sent while
// disconnected are dropped (the fallback poller covers the gap).
func (c *Channel) Send(msg Message) {
	// The buffer is enqueued under the lock so serve can nil out and
	// close the channel without racing a sender.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.send == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
		logging.Warn().Str("type", msg.Type).Msg("dropping outbound frame, send buffer full")
	}
}

// Teardown closes the socket without scheduling a reconnect. Used on
// logout and revocation.
func (c *Channel) Teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.nowFunc().Add(writeWait))
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// Run drives the connection state machine until the context ends. It
// waits for a connect trigger (login notification or EnsureConnected),
// then cycles through connect/reconnect until logged out.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Teardown()
			return
		case <-c.kick:
		}
		if c.store.Token() == "" {
			continue
		}
		c.connectCycle(ctx)
	}
}

func (c *Channel) connectCycle(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		accessToken := c.store.Token()
		if accessToken == "" {
			c.setState(StateDisconnected)
			return
		}

		// Minimum gap between attempts.
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		c.setState(StateConnecting)
		if attempts > 0 {
			metrics.ReconnectAttemptsTotal.Inc()
		}

		conn, err := c.dial(ctx, accessToken)
		if err == nil {
			attempts = 0
			terminal := c.serve(ctx, conn)
			if terminal {
				c.setState(StateDisconnected)
				return
			}
			c.setState(StateDisconnected)
			continue
		}

		logging.Debug().Err(err).Int("attempts", attempts+1).Msg("websocket dial failed")
		attempts++

		if attempts >= c.maxAttempts {
			c.setState(StateFallbackPolling)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.probeInterval):
			case <-c.kick: // poller probe
			}
			attempts = 0
			continue
		}

		delay := time.Duration(float64(c.backoffBase) * math.Pow(BackoffFactor, float64(attempts)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Channel) dial(ctx context.Context, accessToken string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		Subprotocols:     []string{"jwt." + accessToken},
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	return conn, err
}

// serve runs the open connection until it drops. Returns true when the
// close is terminal (auth rejected) and no reconnect may follow.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) bool {
	send := make(chan Message, 256)

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.mu.Unlock()
	c.setState(StateOpen)

	writerDone := make(chan struct{})
	go c.writePump(conn, send, writerDone)

	c.Send(Message{Type: MessageTypePing, Timestamp: c.nowFunc().UnixMilli()})

	terminal := c.readPump(conn)

	c.mu.Lock()
	stillOurs := c.conn == conn
	c.conn = nil
	c.send = nil
	c.mu.Unlock()

	close(send)
	<-writerDone
	_ = conn.Close()

	if terminal {
		c.onAuthRejected()
	}
	// A Teardown while serving means logout; never reconnect then.
	return terminal || !stillOurs || ctx.Err() != nil
}

func (c *Channel) readPump(conn *websocket.Conn) bool {
	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == CloseAuthRejected {
				logging.Info().Msg("websocket authentication rejected")
				return true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Msg("websocket closed")
			}
			return false
		}
		c.dispatcher.Handle(raw)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan Message, done chan<- struct{}) {
	defer close(done)
	for msg := range send {
		if err := conn.SetWriteDeadline(c.nowFunc().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
