package session

import "sync"

// Registry tracks the live actors owned by this process.
type Registry interface {
	Put(id string, a *Actor)
	Get(id string) (*Actor, bool)
	// Remove deletes id only if it still maps to a.
	Remove(id string, a *Actor)
	All() []*Actor
	Len() int
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{actors: make(map[string]*Actor)}
}

func (r *MemoryRegistry) Put(id string, a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[id] = a
}

func (r *MemoryRegistry) Get(id string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

func (r *MemoryRegistry) Remove(id string, a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[id]; ok && cur == a {
		delete(r.actors, id)
	}
}

func (r *MemoryRegistry) All() []*Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	return out
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
