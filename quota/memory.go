// Package quota provides an in-memory QuotaStore for keyrouter.
//
// State lives in process memory only, which suits tests and single-instance
// deployments that can afford to lose the current day's counters on restart.
// Durable backends live in the sqlite, postgres and redis subpackages.
package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/keyrouter"
)

// MemoryStore is an in-memory QuotaStore. Increments against one record are
// serialised by that record's mutex; different records never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*memoryRecord
	now     func() time.Time
}

type recordKey struct {
	keyID    string
	resource string
	day      string
}

type memoryRecord struct {
	mu  sync.Mutex
	rec keyrouter.Record
}

var (
	_ keyrouter.QuotaStore = (*MemoryStore)(nil)
	_ keyrouter.Seeder     = (*MemoryStore)(nil)
	_ keyrouter.Pruner     = (*MemoryStore)(nil)
)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithNow sets the clock (default time.Now).
func WithNow(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory quota store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records: make(map[recordKey]*memoryRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func keyFor(keyID, resource string, now time.Time) recordKey {
	return recordKey{keyID: keyID, resource: resource, day: keyrouter.DayKey(now)}
}

func (s *MemoryStore) lookup(k recordKey) *memoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[k]
}

func (s *MemoryStore) getOrCreate(k recordKey, now time.Time) *memoryRecord {
	if r := s.lookup(k); r != nil {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[k]
	if !ok {
		r = &memoryRecord{rec: keyrouter.NewRecord(k.keyID, k.resource, now)}
		s.records[k] = r
	}
	return r
}

// GetUsage returns today's usage, rolling a stale minute over in place.
func (s *MemoryStore) GetUsage(_ context.Context, keyID, resource string) (keyrouter.Usage, error) {
	now := s.now()
	r := s.lookup(keyFor(keyID, resource, now))
	if r == nil {
		return keyrouter.Usage{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rec.Rollover(now)
	return r.rec.Usage(), nil
}

// RecordUsage counts one request of tokens against today's record.
func (s *MemoryStore) RecordUsage(_ context.Context, keyID, resource string, tokens int64) error {
	if tokens < 0 {
		return keyrouter.ErrInvalidTokens
	}
	now := s.now()
	r := s.getOrCreate(keyFor(keyID, resource, now), now)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rec.Add(tokens, now)
	return nil
}

// Reset overwrites counters of every matching record, across all days.
func (s *MemoryStore) Reset(_ context.Context, filter keyrouter.ResetFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for k, r := range s.records {
		if !filter.Matches(k.keyID, k.resource) {
			continue
		}
		r.mu.Lock()
		r.rec.Set(filter.To)
		r.mu.Unlock()
		n++
	}
	return n, nil
}

// Seed creates zero records for today where missing.
func (s *MemoryStore) Seed(_ context.Context, keyIDs, resources []string) error {
	now := s.now()
	for _, keyID := range keyIDs {
		for _, resource := range resources {
			s.getOrCreate(keyFor(keyID, resource, now), now)
		}
	}
	return nil
}

// Prune drops records filed under days before the given time.
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	cutoff := keyrouter.DayOf(before)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, r := range s.records {
		if r.rec.Day.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Records returns a copy of every stored record, ordered by day, key and
// resource.
func (s *MemoryStore) Records() []keyrouter.Record {
	s.mu.RLock()
	out := make([]keyrouter.Record, 0, len(s.records))
	for _, r := range s.records {
		r.mu.Lock()
		out = append(out, r.rec)
		r.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.KeyID != b.KeyID {
			return a.KeyID < b.KeyID
		}
		return a.Resource < b.Resource
	})
	return out
}
