package store

import (
	"context"
	"errors"
	"sync"

	"github.com/shortontech/fingerprintd/internal/feature"
)

// MemoryStore keeps history in process memory. It backs tests and test mode.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  []Observation
	open  int
	fails map[string]error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fails: map[string]error{}}
}

// Operations accepted by FailOn.
const (
	OpAcquire = "acquire"
	OpLatest  = "latest"
	OpAppend  = "append"
	OpPing    = "ping"
)

// FailOn makes op fail with err until cleared with a nil err.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fails, op)
		return
	}
	m.fails[op] = err
}

func (m *MemoryStore) failure(op string) error {
	if err := m.fails[op]; err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Acquire(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpAcquire); err != nil {
		return nil, err
	}
	m.open++
	return &memoryHandle{store: m}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure(OpPing)
}

func (m *MemoryStore) Close() error { return nil }

// OpenHandles is the number of acquired handles not yet closed.
func (m *MemoryStore) OpenHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// Observations returns a copy of the full history, oldest first.
func (m *MemoryStore) Observations() []Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observation, len(m.rows))
	copy(out, m.rows)
	return out
}

var errHandleClosed = errors.New("handle closed")

type memoryHandle struct {
	store  *MemoryStore
	closed bool
}

func (h *memoryHandle) LatestPerIdentity(ctx context.Context) ([]Latest, error) {
	if h.closed {
		return nil, unavailable(OpLatest, errHandleClosed)
	}
	m := h.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpLatest); err != nil {
		return nil, err
	}

	newest := map[string]int{}
	for i, row := range m.rows {
		newest[row.Identity] = i
	}
	out := make([]Latest, 0, len(newest))
	for i, row := range m.rows {
		if newest[row.Identity] != i {
			continue
		}
		out = append(out, Latest{Identity: row.Identity, Stable: row.Stable, Noise: row.Noise})
	}
	return out, nil
}

func (h *memoryHandle) Append(ctx context.Context, obs Observation) error {
	if h.closed {
		return unavailable(OpAppend, errHandleClosed)
	}
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpAppend); err != nil {
		return err
	}

	row := Observation{
		Identity: obs.Identity,
		Stable:   obs.Stable.Clone(),
		Unstable: obs.Unstable.Clone(),
		Noise:    feature.NoiseReport(feature.Set(obs.Noise).Clone()),
	}
	m.rows = append(m.rows, row)
	return nil
}

func (h *memoryHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.store.mu.Lock()
	h.store.open--
	h.store.mu.Unlock()
	return nil
}
