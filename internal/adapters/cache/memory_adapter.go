package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/providers"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryAdapter is an in-process CacheProvider used when Redis is not
// configured and in tests. Values are copied on the way in and out.
type MemoryAdapter struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryAdapter creates an empty in-memory cache
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (a *MemoryAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	entry, ok := a.entries[key]
	a.mu.RUnlock()

	if !ok || entry.expired(a.now()) {
		return nil, fmt.Errorf("%w: %s", providers.ErrCacheMiss, key)
	}
	return append([]byte(nil), entry.value...), nil
}

func (a *MemoryAdapter) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[key] = a.entry(value, expirationSeconds)
	return nil
}

func (a *MemoryAdapter) SetNX(ctx context.Context, key string, value []byte, expirationSeconds int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.entries[key]; ok && !existing.expired(a.now()) {
		return false, nil
	}
	a.entries[key] = a.entry(value, expirationSeconds)
	return true, nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
	return nil
}

func (a *MemoryAdapter) Exists(ctx context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.entries[key]
	return ok && !entry.expired(a.now()), nil
}

func (a *MemoryAdapter) entry(value []byte, expirationSeconds int) memoryEntry {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if expirationSeconds > 0 {
		e.expiresAt = a.now().Add(time.Duration(expirationSeconds) * time.Second)
	}
	return e
}
