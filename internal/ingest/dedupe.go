package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore remembers recently ingested detection keys.
type DedupeStore interface {
	// Seen reports whether key was marked within window. When it was not, the key
	// is marked now and false is returned.
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
	// Forget drops the mark for key so the next Seen reports false.
	Forget(ctx context.Context, key string) error
}

// MemoryDedupe is a last-seen map held in process.
type MemoryDedupe struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
	checks   int
}

// NewMemoryDedupe creates an empty in-memory dedupe store.
func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{lastSeen: make(map[string]time.Time), now: time.Now}
}

// pruneEvery bounds how often expired keys are swept.
const pruneEvery = 1024

// Seen implements DedupeStore.
func (m *MemoryDedupe) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks++
	if m.checks%pruneEvery == 0 {
		m.pruneLocked(now, window)
	}

	if last, ok := m.lastSeen[key]; ok && now.Sub(last) < window {
		return true, nil
	}
	m.lastSeen[key] = now
	return false, nil
}

// Forget implements DedupeStore.
func (m *MemoryDedupe) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.lastSeen, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of remembered keys.
func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

func (m *MemoryDedupe) pruneLocked(now time.Time, window time.Duration) {
	for k, last := range m.lastSeen {
		if now.Sub(last) >= window {
			delete(m.lastSeen, k)
		}
	}
}

// RedisDedupe shares dedupe state between instances through SET NX PX, so the
// first instance to see a key within the window wins.
type RedisDedupe struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDedupe creates a dedupe store on client. Keys are namespaced by prefix.
func NewRedisDedupe(client redis.UniversalClient, prefix string) *RedisDedupe {
	if prefix == "" {
		prefix = "storewatch:dedupe:"
	}
	return &RedisDedupe{client: client, prefix: prefix}
}

// Seen implements DedupeStore.
func (r *RedisDedupe) Seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe: %w", err)
	}
	return !ok, nil
}

// Forget implements DedupeStore.
func (r *RedisDedupe) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis dedupe: %w", err)
	}
	return nil
}
