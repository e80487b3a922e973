package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/fleetview/fleetview-client/internal/logging"
)

// PollInterval is the fallback fetch cadence once the reconnect budget
// is exhausted.
const PollInterval = 30 * time.Second

// RefetchFunc refreshes the subscribed entity families over HTTP. The
// session wires it to the facades' list refresh.
type RefetchFunc func(ctx context.Context)

// Poller keeps data fresh while the socket is down: a periodic HTTP
// refetch plus a reconnect probe. It engages when the channel reaches
// FallbackPolling and disengages when the channel reopens.
type Poller struct {
	channel  *Channel
	refetch  RefetchFunc
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

type PollerOption func(*Poller)

// WithPollInterval overrides the cadence (primarily for testing).
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

// NewPoller binds the poller to the channel's state transitions.
func NewPoller(channel *Channel, refetch RefetchFunc, options ...PollerOption) *Poller {
	p := &Poller{
		channel:  channel,
		refetch:  refetch,
		interval: PollInterval,
	}
	for _, opt := range options {
		opt(p)
	}

	channel.OnStateChange(func(s State) {
		switch s {
		case StateFallbackPolling:
			p.Engage()
		case StateOpen:
			p.Disengage()
		}
	})
	return p
}

// Engaged reports whether the poll loop is running.
func (p *Poller) Engaged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Engage starts the poll loop. Idempotent.
func (p *Poller) Engage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	logging.Info().Msg("fallback polling engaged")

	go p.loop(ctx)
}

// Disengage stops the poll loop. Idempotent; also runs on logout.
func (p *Poller) Disengage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	logging.Info().Msg("fallback polling disengaged")
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.refetch != nil {
			p.refetch(ctx)
		}
		p.channel.EnsureConnected()
	}
}
