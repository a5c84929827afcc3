package cache

import (
	"context"
	"sync"

	"github.com/sells-group/mail-triage/internal/model"
)

// Memory is a process-local cache. Values are stored encoded so callers can
// never mutate a cached result.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key][]byte
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key][]byte)}
}

func (m *Memory) Get(_ context.Context, key Key) (*model.PhaseResult, bool, error) {
	m.mu.RLock()
	raw, ok := m.entries[key]
	m.mu.RUnlock()
	recordLookup("memory", ok)
	if !ok {
		return nil, false, nil
	}
	r, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (m *Memory) Put(_ context.Context, key Key, r *model.PhaseResult) error {
	if !Cacheable(r) {
		return nil
	}
	raw, err := encode(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = raw
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached results.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

// Nop never stores anything. Used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, Key) (*model.PhaseResult, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, Key, *model.PhaseResult) error         { return nil }
func (Nop) Close() error                                               { return nil }
