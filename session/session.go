// Package session assembles the sync core: credential store, activity
// monitor, token lifecycle, HTTP gateway, entity cache, realtime
// channel, fallback poller and the API facades, wired into one object
// owned by the host. Nothing in here is a package-level singleton;
// construct a Session, Start it, Close it.
package session

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/fleetview/fleetview-client/activity"
	"github.com/fleetview/fleetview-client/api"
	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
	"github.com/fleetview/fleetview-client/internal/config"
	apperrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/realtime"
	"github.com/fleetview/fleetview-client/token"
)

// Session owns every component of the sync core. The exported fields
// are the surfaces hosts call; everything else runs behind them.
type Session struct {
	Auth      *api.Auth
	Companies *api.Companies
	Players   *api.Players
	Users     *api.Users

	cfg        config.Config
	db         *badger.DB
	store      credentials.Store
	monitor    *activity.Monitor
	lifecycle  *token.Lifecycle
	gateway    *gateway.Client
	entities   *cache.Cache
	dispatcher *realtime.Dispatcher
	channel    *realtime.Channel
	poller     *realtime.Poller

	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option func(*settings)

type settings struct {
	inMemory   bool
	httpClient *http.Client
}

// WithInMemory keeps credentials and the cache mirror off disk. Used
// by tests and hosts without a writable data folder.
func WithInMemory() Option {
	return func(s *settings) {
		s.inMemory = true
	}
}

// WithHTTPClient overrides the gateway's HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) {
		s.httpClient = hc
	}
}

// New builds a stopped Session from the configuration. Call Start to
// begin the token tick loop and the realtime connection.
func New(cfg config.Config, options ...Option) (*Session, error) {
	var opts settings
	for _, opt := range options {
		opt(&opts)
	}

	s := &Session{cfg: cfg}

	var mirror cache.Mirror
	if opts.inMemory {
		s.store = credentials.NewMemoryStore()
		mirror = cache.NewMemoryMirror()
	} else {
		dir := filepath.Join(cfg.GetDataFolder(), "fleetview")
		db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
		if err != nil {
			return nil, apperrors.Wrapf(err, "[session.New] open data folder %s", dir)
		}
		s.db = db

		store, err := credentials.NewBadgerStore(db)
		if err != nil {
			_ = db.Close()
			return nil, apperrors.Wrapf(err, "[session.New] credential store")
		}
		s.store = store
		mirror = cache.NewBadgerMirror(db)
	}

	s.monitor = activity.NewMonitor(
		activity.WithInactivityTimeout(cfg.GetInactivityTimeout()))
	s.lifecycle = token.NewLifecycle(s.store, s.monitor,
		token.WithRotation(cfg.GetRotateRefreshTokens()),
		token.WithTickInterval(cfg.GetTokenTickInterval()),
		token.WithExpiryMargin(cfg.GetExpiryMargin()))

	gwOpts := []gateway.ClientOption{gateway.WithExpiryMargin(cfg.GetExpiryMargin())}
	if opts.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(opts.httpClient))
	}
	s.gateway = gateway.New(cfg.GetAPIURL(), s.store, s.lifecycle, gwOpts...)

	s.entities = cache.New(mirror, cache.WithTTL(cfg.GetCacheTTL()))
	flights := coalesce.NewGroup[[]entity.Record](
		coalesce.WithDebounce[[]entity.Record](cfg.GetCoalesceDebounce()))

	s.dispatcher = realtime.NewDispatcher(s.entities, s.lifecycle.Revoke)
	s.channel = realtime.NewChannel(cfg.GetWSURL(), s.store, s.dispatcher,
		func() { s.lifecycle.Revoke(token.ReasonExpired) },
		realtime.WithHandshakeTimeout(cfg.GetHandshakeTimeout()))
	s.poller = realtime.NewPoller(s.channel, s.refetch,
		realtime.WithPollInterval(cfg.GetPollInterval()))

	s.Auth = api.NewAuth(s.gateway, s.store, s.lifecycle,
		api.WithLoginLockout(cfg.GetMaxLoginAttempts(), cfg.GetLoginLockoutDuration()))
	s.Companies = api.NewCompanies(s.gateway, s.entities, flights, s.store)
	s.Players = api.NewPlayers(s.gateway, s.entities, flights, s.store)
	s.Users = api.NewUsers(s.gateway, s.entities, flights, s.store)

	// Revocation tears everything down: the store clear propagates to
	// the channel, the poller stands down and the cache empties so the
	// next account starts cold.
	s.lifecycle.OnRevoke(func(reason string) {
		s.poller.Disengage()
		s.entities.InvalidateAll()
	})

	return s, nil
}

// Start runs the token tick loop and the realtime connection until the
// context is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	go s.lifecycle.Run(ctx)
	go s.channel.Run(ctx)

	if s.store.Token() != "" {
		s.channel.EnsureConnected()
	}
	logging.Info().Str("api", s.cfg.GetAPIURL()).Str("ws", s.cfg.GetWSURL()).Msg("session started")
}

// Close stops every loop and releases the durable store. The session
// cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.poller.Disengage()
	s.channel.Teardown()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return apperrors.Wrapf(err, "[Session.Close]")
		}
	}
	return nil
}

// Touch records user interaction so the inactivity policy keeps the
// token alive. Hosts call it from their input layer.
func (s *Session) Touch() {
	s.monitor.Touch()
}

// LoggedIn reports whether a credential triple is present.
func (s *Session) LoggedIn() bool {
	return s.store.Token() != ""
}

// CurrentUser returns the logged-in identity, or nil.
func (s *Session) CurrentUser() *credentials.User {
	return s.store.User()
}

// OnAuthExpired registers a host callback for session-ending
// revocations (expiry, inactivity, failed refresh, logout). The host
// is expected to navigate to its login surface.
func (s *Session) OnAuthExpired(fn func(reason string)) {
	s.lifecycle.OnAuthExpired(fn)
}

// Subscribe delivers server push events for one family and operation.
func (s *Session) Subscribe(family entity.Family, op entity.Op, fn func(entity.Event)) {
	s.dispatcher.Subscribe(family, op, fn)
}

// SubscribeAll delivers every entity push event.
func (s *Session) SubscribeAll(fn func(entity.Event)) {
	s.dispatcher.SubscribeAll(fn)
}

// ChannelState exposes the realtime connection state for status UIs.
func (s *Session) ChannelState() realtime.State {
	return s.channel.State()
}

// refetch is the poller's refresh pass: while the socket is down the
// subscribed families are refetched over HTTP so reads stay warm.
func (s *Session) refetch(ctx context.Context) {
	for _, refresh := range []func(context.Context) error{
		s.Companies.Refresh,
		s.Players.Refresh,
		s.Users.Refresh,
	} {
		if err := refresh(ctx); err != nil {
			logging.Debug().Err(err).Msg("fallback refetch failed")
			return
		}
	}
}
