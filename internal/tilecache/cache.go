// Package tilecache holds fetched tile payloads keyed by the sorted tile-ID
// query. A successful server refresh invalidates the matching entry so the
// next read goes back to the tile endpoint.
package tilecache

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

const DefaultTTL = 5 * time.Minute

// Cache is implemented by Memory and Redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
	Invalidate(ctx context.Context, key string) error
}

type entry struct {
	payload []byte
	expires time.Time
}

// Memory is a process-local Cache with a fixed TTL.
type Memory struct {
	clock quartz.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemory(clock quartz.Clock, ttl time.Duration) *Memory {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{clock: clock, ttl: ttl, entries: make(map[string]entry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.payload...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{payload: append([]byte(nil), payload...), expires: m.clock.Now().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
