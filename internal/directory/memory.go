package directory

import (
	"context"
	"sync"

	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// Memory is an in-process Directory. Several relay nodes in one process
// (tests, single node deployments) can share one instance.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	down    bool
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// SetAvailable simulates the store going away (false) or coming back (true).
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.down = !ok
	m.mu.Unlock()
}

func (m *Memory) Set(ctx context.Context, userID string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.entries[userID] = entry
	return nil
}

func (m *Memory) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	delete(m.entries, userID)
	return nil
}

func (m *Memory) DeleteIf(ctx context.Context, userID string, handle registry.Handle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, ErrUnavailable
	}
	if e, ok := m.entries[userID]; ok && e.Handle == handle {
		delete(m.entries, userID)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Get(ctx context.Context, userID string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return Entry{}, false, ErrUnavailable
	}
	e, ok := m.entries[userID]
	return e, ok, nil
}

func (m *Memory) GetAll(ctx context.Context) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrUnavailable
	}
	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}
