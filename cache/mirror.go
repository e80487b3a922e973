package cache

import (
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/fleetview/fleetview-client/entity"
)

// Storage keys match the layout of existing installations:
// cached_companies, cached_players, cached_users.
const mirrorKeyPrefix = "cached_"

func mirrorKey(family entity.Family) []byte {
	return []byte(mirrorKeyPrefix + string(family))
}

// BadgerMirror persists cache snapshots in the same BadgerDB database
// as the credential store.
type BadgerMirror struct {
	db *badger.DB
}

var _ Mirror = (*BadgerMirror)(nil)

func NewBadgerMirror(db *badger.DB) *BadgerMirror {
	return &BadgerMirror{db: db}
}

func (m *BadgerMirror) Get(family entity.Family) ([]byte, bool) {
	var data []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mirrorKey(family))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *BadgerMirror) Set(family entity.Family, data []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mirrorKey(family), data)
	})
	return errors.Wrap(err, "[BadgerMirror.Set] update")
}

func (m *BadgerMirror) Delete(family entity.Family) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(mirrorKey(family))
	})
	return errors.Wrap(err, "[BadgerMirror.Delete] update")
}

// MemoryMirror keeps snapshots in process memory. Used in tests and by
// hosts that opt out of durable caching.
type MemoryMirror struct {
	mu   sync.RWMutex
	data map[entity.Family][]byte
}

var _ Mirror = (*MemoryMirror)(nil)

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{data: make(map[entity.Family][]byte)}
}

func (m *MemoryMirror) Get(family entity.Family) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[family]
	return data, ok
}

func (m *MemoryMirror) Set(family entity.Family, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[family] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryMirror) Delete(family entity.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, family)
	return nil
}
