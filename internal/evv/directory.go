package evv

import (
	"context"
	"sync"
)

// MemoryDirectory is a Directory backed by registered visits. Production
// deployments wire the scheduling system here; tests and the demo server
// register visits directly.
type MemoryDirectory struct {
	mu     sync.RWMutex
	visits map[string]*VisitContext
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{visits: make(map[string]*VisitContext)}
}

var _ Directory = (*MemoryDirectory)(nil)

// RegisterVisit makes a visit resolvable by the EVV workflow.
func (d *MemoryDirectory) RegisterVisit(vc *VisitContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *vc
	d.visits[vc.VisitID] = &cp
}

func (d *MemoryDirectory) VisitContext(ctx context.Context, visitID string) (*VisitContext, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vc, ok := d.visits[visitID]
	if !ok {
		return nil, ErrVisitNotFound
	}
	cp := *vc
	return &cp, nil
}
