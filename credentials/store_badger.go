package credentials

import (
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	clienterrors "github.com/fleetview/fleetview-client/internal/errors"
)

// Storage keys, kept identical to the browser localStorage layout of
// existing installations so a reimplemented host can share data files.
const (
	keyAuthToken    = "authToken"
	keyRefreshToken = "refreshToken"
	keyUser         = "user"
	hintKeyPrefix   = "hint:"
)

// BadgerStore persists credentials in a BadgerDB database so a session
// survives process restarts.
type BadgerStore struct {
	notifier
	db *badger.DB

	mu     sync.RWMutex
	cached *Credentials // in-memory copy of the persisted triple
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps an open BadgerDB handle. The caller owns the
// handle and closes it after the store is no longer used.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	s := &BadgerStore{db: db}
	creds, err := s.load()
	if err != nil && !errors.Is(err, clienterrors.ErrNoCredentials) {
		return nil, errors.Wrap(err, "[NewBadgerStore] load")
	}
	s.cached = creds
	return s, nil
}

func (s *BadgerStore) load() (*Credentials, error) {
	var creds Credentials
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyAuthToken))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return clienterrors.ErrNoCredentials
		}
		if err != nil {
			return errors.Wrap(err, "get access token")
		}
		if err := item.Value(func(val []byte) error {
			creds.AccessToken = string(val)
			return nil
		}); err != nil {
			return err
		}

		if item, err := txn.Get([]byte(keyRefreshToken)); err == nil {
			if err := item.Value(func(val []byte) error {
				creds.RefreshToken = string(val)
				return nil
			}); err != nil {
				return err
			}
		}

		item, err = txn.Get([]byte(keyUser))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return clienterrors.ErrIncompleteCredential
		}
		if err != nil {
			return errors.Wrap(err, "get user")
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &creds.User)
		})
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// Load returns the persisted triple, or ErrNoCredentials.
func (s *BadgerStore) Load() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return nil, clienterrors.ErrNoCredentials
	}
	c := *s.cached
	return &c, nil
}

// Set persists the triple in a single transaction and notifies
// subscribers.
func (s *BadgerStore) Set(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	userData, err := json.Marshal(creds.User)
	if err != nil {
		return errors.Wrap(err, "[BadgerStore.Set] marshal user")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyAuthToken), []byte(creds.AccessToken)); err != nil {
			return err
		}
		if creds.RefreshToken != "" {
			if err := txn.Set([]byte(keyRefreshToken), []byte(creds.RefreshToken)); err != nil {
				return err
			}
		} else if err := txn.Delete([]byte(keyRefreshToken)); err != nil {
			return err
		}
		return txn.Set([]byte(keyUser), userData)
	})
	if err != nil {
		return errors.Wrap(err, "[BadgerStore.Set] update")
	}

	s.mu.Lock()
	c := *creds
	s.cached = &c
	s.mu.Unlock()

	s.notify(creds)
	return nil
}

// Clear removes the triple and notifies subscribers with nil.
func (s *BadgerStore) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{keyAuthToken, keyRefreshToken, keyUser} {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "[BadgerStore.Clear] update")
	}

	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()

	s.notify(nil)
	return nil
}

// User returns the current identity, or nil when logged out.
func (s *BadgerStore) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return nil
	}
	u := *s.cached.User
	return &u
}

// Token returns the current access token, or "".
func (s *BadgerStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return ""
	}
	return s.cached.AccessToken
}

// RefreshToken returns the current refresh token, or "".
func (s *BadgerStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return ""
	}
	return s.cached.RefreshToken
}

func (s *BadgerStore) Hint(key string) (string, bool) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hintKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *BadgerStore) SetHint(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hintKeyPrefix+key), []byte(value))
	})
	return errors.Wrap(err, "[BadgerStore.SetHint] update")
}

func (s *BadgerStore) DeleteHint(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(hintKeyPrefix + key))
	})
	return errors.Wrap(err, "[BadgerStore.DeleteHint] update")
}
