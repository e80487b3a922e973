// Package cache holds the per-family entity cache: an in-memory TTL
// store backed by a durable mirror so a cold start can serve a degraded
// read while the real request is in flight.
package cache

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/internal/metrics"
)

// TTL is how long a cache entry stays fresh.
const TTL = 30 * time.Minute

// Entry is one family's cached collection.
type Entry struct {
	Data      []entity.Record
	StampedAt time.Time
}

// Mirror is the durable side of the cache. Implementations persist the
// serialized collection under the family's storage key.
type Mirror interface {
	Get(family entity.Family) ([]byte, bool)
	Set(family entity.Family, data []byte) error
	Delete(family entity.Family) error
}

// Cache owns the entries; facades and the event dispatcher mutate only
// through Write/Invalidate.
type Cache struct {
	mu      sync.RWMutex
	entries map[entity.Family]*Entry
	mirror  Mirror
	ttl     time.Duration
	nowFunc func() time.Time
}

type Option func(*Cache)

// WithTTL overrides the freshness window (primarily for testing).
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) {
		c.nowFunc = now
	}
}

func New(mirror Mirror, options ...Option) *Cache {
	c := &Cache{
		entries: make(map[entity.Family]*Entry),
		mirror:  mirror,
		ttl:     TTL,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Read returns the family's entry and whether it is still fresh.
func (c *Cache) Read(family entity.Family) (*Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[family]
	c.mu.RUnlock()
	if !ok {
		metrics.CacheReadsTotal.WithLabelValues(string(family), "miss").Inc()
		return nil, false
	}

	fresh := c.nowFunc().Sub(entry.StampedAt) < c.ttl
	if fresh {
		metrics.CacheReadsTotal.WithLabelValues(string(family), "hit").Inc()
	} else {
		metrics.CacheReadsTotal.WithLabelValues(string(family), "stale").Inc()
	}
	return entry, fresh
}

// Write stamps and stores the collection, mirroring it durably.
func (c *Cache) Write(family entity.Family, data []entity.Record) {
	entry := &Entry{Data: data, StampedAt: c.nowFunc()}

	c.mu.Lock()
	c.entries[family] = entry
	c.mu.Unlock()

	if c.mirror != nil {
		serialized, err := json.Marshal(data)
		if err == nil {
			_ = c.mirror.Set(family, serialized)
		}
	}
}

// Invalidate drops the in-memory entry so the next read refetches. The
// mirror keeps its last snapshot for cold starts; the refetch
// overwrites it.
func (c *Cache) Invalidate(family entity.Family) {
	c.mu.Lock()
	delete(c.entries, family)
	c.mu.Unlock()
}

// InvalidateAll clears every family, mirror included. Runs on
// revocation and after privileged cross-family mutations.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[entity.Family]*Entry)
	c.mu.Unlock()

	if c.mirror != nil {
		for _, family := range entity.Families() {
			_ = c.mirror.Delete(family)
		}
	}
}

// ReadMirror serves the durable snapshot, schema-identical to an online
// response.
func (c *Cache) ReadMirror(family entity.Family) ([]entity.Record, error) {
	if c.mirror == nil {
		return nil, errors.New("[Cache.ReadMirror] no mirror configured")
	}
	serialized, ok := c.mirror.Get(family)
	if !ok {
		return nil, errors.Errorf("[Cache.ReadMirror] no mirrored %s", family)
	}

	var data []entity.Record
	if err := json.Unmarshal(serialized, &data); err != nil {
		return nil, errors.Wrap(err, "[Cache.ReadMirror] corrupt mirror")
	}
	metrics.CacheReadsTotal.WithLabelValues(string(family), "mirror").Inc()
	return data, nil
}

// ShadowUpsert applies a provisional local write to the mirrored
// collection and returns the marked record. Callers treat the result as
// provisional until the server push reconciles it.
func (c *Cache) ShadowUpsert(family entity.Family, record entity.Record) (entity.Record, error) {
	marked, err := markShadow(record)
	if err != nil {
		return nil, err
	}

	data, _ := c.ReadMirror(family)
	replaced := false
	for i, existing := range data {
		if existing.ID() == marked.ID() {
			data[i] = marked
			replaced = true
			break
		}
	}
	if !replaced {
		data = append(data, marked)
	}

	if err := c.writeMirror(family, data); err != nil {
		return nil, err
	}
	c.Invalidate(family)
	return marked, nil
}

// ShadowDelete removes a record from the mirrored collection.
func (c *Cache) ShadowDelete(family entity.Family, id string) error {
	data, err := c.ReadMirror(family)
	if err != nil {
		return err
	}

	kept := data[:0]
	for _, record := range data {
		if record.ID() != id {
			kept = append(kept, record)
		}
	}

	if err := c.writeMirror(family, kept); err != nil {
		return err
	}
	c.Invalidate(family)
	return nil
}

func (c *Cache) writeMirror(family entity.Family, data []entity.Record) error {
	if c.mirror == nil {
		return errors.New("[Cache.writeMirror] no mirror configured")
	}
	serialized, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "[Cache.writeMirror] marshal")
	}
	return c.mirror.Set(family, serialized)
}

func markShadow(record entity.Record) (entity.Record, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, errors.Wrap(err, "[cache.markShadow] unmarshal record")
	}
	fields["_shadow"] = true

	marked, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "[cache.markShadow] marshal record")
	}
	return entity.Record(marked), nil
}
