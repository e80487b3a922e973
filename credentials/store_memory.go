package credentials

import (
	"sync"

	clienterrors "github.com/fleetview/fleetview-client/internal/errors"
)

// MemoryStore keeps credentials in process memory. Used in tests and by
// hosts that opt out of durable sessions.
type MemoryStore struct {
	notifier

	mu    sync.RWMutex
	creds *Credentials
	hints map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hints: make(map[string]string)}
}

func (s *MemoryStore) Load() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, clienterrors.ErrNoCredentials
	}
	c := *s.creds
	return &c, nil
}

func (s *MemoryStore) Set(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	c := *creds
	s.creds = &c
	s.mu.Unlock()

	s.notify(creds)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()

	s.notify(nil)
	return nil
}

func (s *MemoryStore) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil
	}
	u := *s.creds.User
	return &u
}

func (s *MemoryStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.AccessToken
}

func (s *MemoryStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.RefreshToken
}

func (s *MemoryStore) Hint(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.hints[key]
	return v, ok
}

func (s *MemoryStore) SetHint(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[key] = value
	return nil
}

func (s *MemoryStore) DeleteHint(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hints, key)
	return nil
}
