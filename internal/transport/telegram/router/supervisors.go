package router

import (
	"sort"
	"sync"

	"watchbot/internal/runtime/supervisor"
)

// SupervisorRegistry is a concurrency-safe set of named subsystem
// supervisors, reported by /stats.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*supervisor.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*supervisor.Supervisor{}}
}

// Set registers sup under name. A nil sup deletes the entry.
func (r *SupervisorRegistry) Set(name string, sup *supervisor.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

// Names returns the registered names in order.
func (r *SupervisorRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *SupervisorRegistry) Counters(name string) (supervisor.Counters, bool) {
	if r == nil {
		return supervisor.Counters{}, false
	}
	r.mu.RLock()
	sup, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return supervisor.Counters{}, false
	}
	return sup.Counters(), true
}
