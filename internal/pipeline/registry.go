package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps stream ids to their coordinators. Insertion is
// compare-and-insert so two concurrent starts for the same stream
// cannot both spawn a pipeline.
type Registry struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Coordinator
}

func NewRegistry() *Registry {
	return &Registry{byID: map[uuid.UUID]*Coordinator{}}
}

// Insert registers the coordinator unless one already exists. Returns
// the winner and whether the given one was inserted.
func (r *Registry) Insert(id uuid.UUID, c *Coordinator) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		return existing, false
	}
	r.byID[id] = c
	return c, true
}

func (r *Registry) Get(id uuid.UUID) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// All snapshots the current coordinators.
func (r *Registry) All() map[uuid.UUID]*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]*Coordinator, len(r.byID))
	for id, c := range r.byID {
		out[id] = c
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
