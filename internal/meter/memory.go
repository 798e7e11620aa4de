// ABOUTME: In-memory counter store with TTL expiry for single-process runs
// ABOUTME: One mutex serializes debits so concurrent checks never double-grant

package meter

import (
	"context"
	"sync"
	"time"
)

// counterEntry is one live counter.
type counterEntry struct {
	remaining int64
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded counter map. Suitable for a single
// gateway process; multi-instance deployments need the SQLite store (or
// another shared backend) so instances observe the same counters.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	done     chan struct{}
	once     sync.Once
}

// NewMemoryStore creates the store and starts a background sweep that
// drops expired counters once a minute.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*counterEntry),
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Debit implements Store.
func (s *MemoryStore) Debit(_ context.Context, key string, limit, cost int64, ttl time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &counterEntry{
			remaining: limit,
			expiresAt: now.Add(ttl),
		}
		s.counters[key] = entry
	}

	if entry.remaining < cost {
		return 0, ErrExhausted
	}
	entry.remaining -= cost
	return entry.remaining, nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.counters {
				if now.After(entry.expiresAt) {
					delete(s.counters, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
