package hub

import (
	"context"
	"fmt"
	"sync"
)

// Registry persists updates with their stage history, signatures,
// validation diagnostics, and rollback pointers.
type Registry interface {
	Save(ctx context.Context, u *LogicUpdate) error
	Get(ctx context.Context, id string) (*LogicUpdate, error)
	List(ctx context.Context, limit int) ([]*LogicUpdate, error)
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	updates map[string]*LogicUpdate
	order   []string
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{updates: make(map[string]*LogicUpdate)}
}

func (r *MemoryRegistry) Save(_ context.Context, u *LogicUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.updates[u.UpdateID]; !exists {
		r.order = append(r.order, u.UpdateID)
	}
	c := copyUpdate(u)
	r.updates[u.UpdateID] = c
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*LogicUpdate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.updates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpdateNotFound, id)
	}
	return copyUpdate(u), nil
}

func (r *MemoryRegistry) List(_ context.Context, limit int) ([]*LogicUpdate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LogicUpdate, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, copyUpdate(r.updates[r.order[i]]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copyUpdate(u *LogicUpdate) *LogicUpdate {
	c := *u
	c.ComponentTargets = append([]string(nil), u.ComponentTargets...)
	c.AuditRefs = append([]string(nil), u.AuditRefs...)
	c.Diagnostics = append([]string(nil), u.Diagnostics...)
	c.Stages = append([]StageRecord(nil), u.Stages...)
	c.ExpectedMetrics = append([]string(nil), u.ExpectedMetrics...)
	if u.Package != nil {
		p := *u.Package
		c.Package = &p
	}
	return &c
}
