package submission

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory attempt store for testing and single-node
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	byRecord map[string][]*Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRecord: make(map[string][]*Attempt)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byRecord[a.RecordID] = append(m.byRecord[a.RecordID], &cp)
	return nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, recordID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempts := m.byRecord[recordID]
	out := make([]*Attempt, 0, len(attempts))
	for _, a := range attempts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
