package swarm

import (
	"sync"
)

// Registry is the authoritative in-memory directory of live swarms. Each
// swarm carries its own mutex so mutations to different swarms run in
// parallel while operations on the same swarm are serialized.
type Registry struct {
	mu     sync.RWMutex
	swarms map[string]*swarmEntry
}

type swarmEntry struct {
	mu sync.Mutex
	sw *Swarm
}

func NewRegistry() *Registry {
	return &Registry{
		swarms: make(map[string]*swarmEntry),
	}
}

func (r *Registry) Add(sw *Swarm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swarms[sw.ID] = &swarmEntry{sw: sw}
}

// Remove retires a swarm from the live set. Durable history is kept by the
// store; this only drops the in-memory entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.swarms, id)
}

// With runs fn with exclusive access to the named swarm's state. All
// mutations go through here so each operation is atomic against that swarm.
func (r *Registry) With(id string, fn func(sw *Swarm) error) error {
	r.mu.RLock()
	entry, ok := r.swarms[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSwarmNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.sw)
}

// Each runs fn against every live swarm, locking one swarm at a time.
func (r *Registry) Each(fn func(sw *Swarm)) {
	r.mu.RLock()
	entries := make([]*swarmEntry, 0, len(r.swarms))
	for _, e := range r.swarms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		fn(e.sw)
		e.mu.Unlock()
	}
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.swarms))
	for id := range r.swarms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.swarms)
}
