package delivery

import (
	"context"
	"sync"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Memory records sent batches for inspection. An optional Fail hook lets
// tests reject specific batches.
type Memory struct {
	name   string
	limits trend.Limits
	Fail   func(trend.Batch) error

	mu      sync.RWMutex
	batches []trend.Batch
}

// NewMemory returns an empty memory channel.
func NewMemory(name string, limits trend.Limits) *Memory {
	return &Memory{name: name, limits: limits}
}

// Name implements trend.Channel.
func (m *Memory) Name() string { return m.name }

// Limits implements trend.Channel.
func (m *Memory) Limits() trend.Limits { return m.limits }

// Send implements trend.Channel.
func (m *Memory) Send(_ context.Context, b trend.Batch) error {
	if m.Fail != nil {
		if err := m.Fail(b); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

// Batches returns a copy of the accepted batches.
func (m *Memory) Batches() []trend.Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]trend.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// Entries flattens every accepted batch.
func (m *Memory) Entries() []trend.DigestEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []trend.DigestEntry
	for _, b := range m.batches {
		out = append(out, b.Entries...)
	}
	return out
}
