// ABOUTME: In-memory ban list for tests and single-process deployments
// ABOUTME: Mutex-guarded map keyed by token signature

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryBanList implements BanStore with a mutex-guarded map.
type MemoryBanList struct {
	mu   sync.RWMutex
	bans map[string]BanEntry
}

// NewMemoryBanList creates an empty ban list.
func NewMemoryBanList() *MemoryBanList {
	return &MemoryBanList{bans: make(map[string]BanEntry)}
}

// Ban implements BanStore.
func (m *MemoryBanList) Ban(_ context.Context, signature, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[signature] = BanEntry{
		Signature: signature,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Unban implements BanStore.
func (m *MemoryBanList) Unban(_ context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bans[signature]; !ok {
		return ErrNotFound
	}
	delete(m.bans, signature)
	return nil
}

// IsBanned implements BanStore.
func (m *MemoryBanList) IsBanned(_ context.Context, signature string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bans[signature]
	return ok, nil
}

// ListBans implements BanStore.
func (m *MemoryBanList) ListBans(context.Context) ([]BanEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]BanEntry, 0, len(m.bans))
	for _, e := range m.bans {
		entries = append(entries, e)
	}
	return entries, nil
}
