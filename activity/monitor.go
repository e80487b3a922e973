// Package activity tracks user interaction so the token lifecycle can
// distinguish an idle session from an active one.
package activity

import (
	"context"
	"sync"
	"time"
)

// InactivityTimeout is how long without interaction a session counts as
// idle.
const InactivityTimeout = 10 * time.Minute

// Monitor records the last user-interaction instant. Hosts call Touch
// on pointer, key, scroll, touch and input signals; sub-second
// precision is enough.
type Monitor struct {
	mu         sync.RWMutex
	lastActive time.Time
	onTouch    []func()
	timeout    time.Duration
	nowFunc    func() time.Time
}

type MonitorOption func(*Monitor)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.nowFunc = now
	}
}

// WithInactivityTimeout overrides the default idle threshold.
func WithInactivityTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.timeout = d
	}
}

// NewMonitor starts with the current instant as the last activity, so a
// freshly started session is not immediately idle.
func NewMonitor(options ...MonitorOption) *Monitor {
	m := &Monitor{timeout: InactivityTimeout, nowFunc: time.Now}
	for _, opt := range options {
		opt(m)
	}
	m.lastActive = m.nowFunc()
	return m
}

// Touch records a user interaction.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActive = m.nowFunc()
	hooks := m.onTouch
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// OnTouch registers a hook invoked after every interaction. The token
// lifecycle uses it to re-evaluate token state on activity.
func (m *Monitor) OnTouch(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTouch = append(m.onTouch, fn)
}

// IdleFor returns how long the user has been inactive.
func (m *Monitor) IdleFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nowFunc().Sub(m.lastActive)
}

// Idle reports whether the session has been inactive for at least the
// configured threshold (InactivityTimeout by default).
func (m *Monitor) Idle() bool {
	return m.IdleFor() >= m.timeout
}

// LastActive returns the last interaction instant.
func (m *Monitor) LastActive() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActive
}

// Signals consumes a host interaction channel, touching the monitor for
// every signal until the context ends or the channel closes.
func (m *Monitor) Signals(ctx context.Context, ch <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			m.Touch()
		}
	}
}
