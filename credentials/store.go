package credentials

import "sync"

// Store is the single source of truth for "am I logged in". Set is
// atomic across the triple: readers observe the whole triple or none of
// it. Clear removes everything. Subscribers are notified after every
// Set (with the new triple) and Clear (with nil) so the realtime
// channel can connect on login and tear down on logout.
type Store interface {
	Load() (*Credentials, error)
	Set(creds *Credentials) error
	Clear() error
	User() *User
	Token() string
	RefreshToken() string
	Subscribe(fn func(*Credentials))

	// Hints are minor durable key/values riding alongside the triple
	// (login attempt counters, lockout deadlines, role echoes).
	Hint(key string) (string, bool)
	SetHint(key, value string) error
	DeleteHint(key string) error
}

// Durable hint keys used by the auth facade.
const (
	HintCompanyID     = "company_id"
	HintUserRole      = "user_role"
	HintLoginAttempts = "loginAttempts"
	HintLockoutUntil  = "loginLockoutUntil"
)

// notifier implements the Subscribe half of Store; both store
// implementations embed it.
type notifier struct {
	mu   sync.Mutex
	subs []func(*Credentials)
}

func (n *notifier) Subscribe(fn func(*Credentials)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) notify(creds *Credentials) {
	n.mu.Lock()
	subs := make([]func(*Credentials), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(creds)
	}
}
