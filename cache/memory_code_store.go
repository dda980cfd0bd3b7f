package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCodeStore implements UsedCodeStore using ttlcache. State is local to
// the process: a multi-instance deployment needs the Redis or Mongo store.
type MemoryCodeStore struct {
	// mu makes the get-then-set in MarkUsed atomic.
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, time.Time]
	hasher *Hasher
	now    func() time.Time
}

// NewMemoryCodeStore creates an in-memory store holding at most capacity
// records (0 means unbounded). When full, the least recently used record is
// evicted; a duplicate lookup counts as a use.
// Expired records are removed by DeleteExpired only; no cleanup goroutine runs.
func NewMemoryCodeStore(capacity uint64, hasher *Hasher) *MemoryCodeStore {
	opts := []ttlcache.Option[string, time.Time]{
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, time.Time](capacity))
	}

	return &MemoryCodeStore{
		cache:  ttlcache.New(opts...),
		hasher: hasher,
		now:    time.Now,
	}
}

// MarkUsed implements UsedCodeStore.MarkUsed.
func (s *MemoryCodeStore) MarkUsed(_ context.Context, code string, window time.Duration) (UsedCodeRecord, bool, error) {
	key := s.hasher.Hash(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(key); item != nil && !item.IsExpired() {
		return UsedCodeRecord{Key: key, ConsumedAt: item.Value()}, false, nil
	}

	now := s.now()
	s.cache.Set(key, now, window)

	return UsedCodeRecord{Key: key, ConsumedAt: now}, true, nil
}

// DeleteExpired implements UsedCodeStore.DeleteExpired.
func (s *MemoryCodeStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Len skips expired items, so count evictions instead. Every eviction
	// path runs under mu, so the delta is exactly the expired records.
	before := s.cache.Metrics().Evictions
	s.cache.DeleteExpired()

	return int(s.cache.Metrics().Evictions - before), nil
}

// Len returns the number of unexpired records.
func (s *MemoryCodeStore) Len() int {
	return s.cache.Len()
}

// Close drops every record.
func (s *MemoryCodeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.DeleteAll()

	return nil
}

var _ UsedCodeStore = (*MemoryCodeStore)(nil)
