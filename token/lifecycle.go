package token

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/fleetview/fleetview-client/activity"
	"github.com/fleetview/fleetview-client/credentials"
	clienterrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/internal/metrics"
)

// TickInterval is how often token state is re-evaluated; any user
// activity also triggers a re-evaluation.
const TickInterval = 30 * time.Second

// Revocation reasons reported through the auth-expired event.
const (
	ReasonExpired       = "expired"
	ReasonInactivity    = "inactivity"
	ReasonRefreshFailed = "refresh_failed"
	ReasonLogout        = "logout"
)

// RefreshFunc exchanges a refresh token for a fresh credential triple.
// The gateway supplies the implementation; the lifecycle owns when it
// runs.
type RefreshFunc func(ctx context.Context, refreshToken string) (*credentials.Credentials, error)

// RevokeHook runs as part of a revocation (close socket, stop poller,
// clear caches). Hooks run in registration order after credentials are
// cleared.
type RevokeHook func(reason string)

// Lifecycle decides, for the current token and user activity, between
// doing nothing, refreshing, and revoking the session.
type Lifecycle struct {
	store   credentials.Store
	monitor *activity.Monitor

	refreshFn RefreshFunc
	rotate    bool
	tick      time.Duration
	margin    time.Duration

	flight   singleflight.Group
	revoking atomic.Bool
	epoch    atomic.Uint64 // bumped on every revoke

	mu               sync.Mutex
	revokeHooks      []RevokeHook
	authExpiredHooks []func(reason string)

	kick    chan struct{}
	nowFunc func() time.Time
}

type LifecycleOption func(*Lifecycle)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.nowFunc = now
	}
}

// WithRotation makes the lifecycle expect a new refresh token on every
// refresh response, dropping the old one.
func WithRotation(rotate bool) LifecycleOption {
	return func(l *Lifecycle) {
		l.rotate = rotate
	}
}

// WithTickInterval overrides how often Run re-evaluates token state.
func WithTickInterval(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.tick = d
	}
}

// WithExpiryMargin overrides how close to expiry a token counts as
// expiring soon.
func WithExpiryMargin(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		l.margin = d
	}
}

// NewLifecycle wires the lifecycle to the credential store and activity
// monitor. A RefreshFunc must be registered before the first refresh is
// attempted.
func NewLifecycle(store credentials.Store, monitor *activity.Monitor, options ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store:   store,
		monitor: monitor,
		tick:    TickInterval,
		margin:  ExpiryMargin,
		kick:    make(chan struct{}, 1),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(l)
	}

	monitor.OnTouch(func() {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	})
	return l
}

// SetRefreshFunc registers the refresh RPC. Called once during session
// wiring.
func (l *Lifecycle) SetRefreshFunc(fn RefreshFunc) {
	l.refreshFn = fn
}

// OnRevoke registers a revocation side effect.
func (l *Lifecycle) OnRevoke(hook RevokeHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeHooks = append(l.revokeHooks, hook)
}

// OnAuthExpired registers a listener for the auth-expired notification,
// emitted exactly once per revocation after all other side effects.
func (l *Lifecycle) OnAuthExpired(fn func(reason string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authExpiredHooks = append(l.authExpiredHooks, fn)
}

// Epoch returns the current revocation epoch. The gateway samples it
// before a request and discards responses from a previous epoch.
func (l *Lifecycle) Epoch() uint64 {
	return l.epoch.Load()
}

// Run re-evaluates token state on every tick and on every user
// activity signal, until the context ends.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.kick:
		}
		if err := l.Evaluate(ctx); err != nil {
			logging.Debug().Err(err).Msg("token evaluation")
		}
	}
}

// Evaluate applies the refresh/revoke policy to the current token.
func (l *Lifecycle) Evaluate(ctx context.Context) error {
	creds, err := l.store.Load()
	if err != nil {
		return nil // logged out, nothing to evaluate
	}

	claims, err := Decode(creds.AccessToken)
	if err != nil {
		l.Revoke(ReasonExpired)
		return errors.Wrap(err, "[Lifecycle.Evaluate] undecodable token")
	}

	now := l.nowFunc()
	switch {
	case claims.HardExpired(now):
		if creds.RefreshToken == "" {
			l.Revoke(ReasonExpired)
			return clienterrors.ErrTokenExpired
		}
		if _, err := l.Refresh(ctx); err != nil {
			return err
		}
	case claims.ExpiredWithin(now, l.margin):
		if l.monitor.Idle() {
			l.Revoke(ReasonInactivity)
			return nil
		}
		if _, err := l.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Refresh performs the refresh RPC, at most one in flight; concurrent
// callers share the outcome. A failed refresh revokes the session; a
// refresh overtaken by a revoke reports ErrSessionExpired.
func (l *Lifecycle) Refresh(ctx context.Context) (*credentials.Credentials, error) {
	epoch := l.epoch.Load()

	result, err, _ := l.flight.Do("refresh", func() (interface{}, error) {
		refreshToken := l.store.RefreshToken()
		if refreshToken == "" {
			return nil, clienterrors.ErrNoRefreshToken
		}
		if l.refreshFn == nil {
			return nil, errors.New("[Lifecycle.Refresh] no refresh func registered")
		}

		fresh, err := l.refreshFn(ctx, refreshToken)
		if err != nil {
			return nil, errors.Wrap(err, "[Lifecycle.Refresh] refresh RPC")
		}
		if l.epoch.Load() != epoch {
			// A revoke landed while the RPC was in flight; do not
			// resurrect the session with the late response.
			return nil, clienterrors.ErrSessionExpired
		}

		// Rotation is server policy. Keep the old refresh token unless
		// the response carries a new one, or strict rotation is on.
		if fresh.RefreshToken == "" && !l.rotate {
			fresh.RefreshToken = refreshToken
		}
		if err := l.store.Set(fresh); err != nil {
			return nil, errors.Wrap(err, "[Lifecycle.Refresh] store credentials")
		}
		return fresh, nil
	})

	if l.epoch.Load() != epoch || errors.Is(err, clienterrors.ErrSessionExpired) {
		return nil, clienterrors.ErrSessionExpired
	}
	if err != nil {
		// A caller abandoning its request is not a failed exchange.
		// The session stays up and a later tick retries.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, "[Lifecycle.Refresh] cancelled")
		}
		l.Revoke(ReasonRefreshFailed)
		return nil, clienterrors.ErrRefreshFailed
	}
	return result.(*credentials.Credentials), nil
}

// Revoke tears the session down: bump the epoch, clear credentials, run
// the registered side effects, then emit auth-expired once. Re-entrant
// calls during an active revoke are no-ops.
func (l *Lifecycle) Revoke(reason string) {
	if !l.revoking.CompareAndSwap(false, true) {
		return
	}
	defer l.revoking.Store(false)

	if _, err := l.store.Load(); err != nil && reason != ReasonLogout {
		// Already logged out; nothing to revoke.
		return
	}

	l.epoch.Add(1)
	logging.Info().Str("reason", reason).Msg("revoking session")
	metrics.RevocationsTotal.WithLabelValues(reason).Inc()

	if err := l.store.Clear(); err != nil {
		logging.Error().Err(err).Msg("clearing credentials during revoke")
	}

	l.mu.Lock()
	revokeHooks := make([]RevokeHook, len(l.revokeHooks))
	copy(revokeHooks, l.revokeHooks)
	expiredHooks := make([]func(string), len(l.authExpiredHooks))
	copy(expiredHooks, l.authExpiredHooks)
	l.mu.Unlock()

	for _, hook := range revokeHooks {
		hook(reason)
	}
	for _, fn := range expiredHooks {
		fn(reason)
	}
}
