package pipeline

import (
	"sync"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

// Registry holds the monitored programs in configuration order.
type Registry struct {
	mu       sync.RWMutex
	programs []model.Program
	byID     map[string]model.Program
}

// NewRegistry registers programs, ignoring repeated ids.
func NewRegistry(programs []model.Program) *Registry {
	r := &Registry{byID: make(map[string]model.Program, len(programs))}
	for _, p := range programs {
		r.Register(p)
	}
	return r
}

// Register adds p. It reports false if the id is already registered.
func (r *Registry) Register(p model.Program) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return false
	}
	r.byID[p.ID] = p
	r.programs = append(r.programs, p)
	return true
}

// Get returns the program with the given id.
func (r *Registry) Get(id string) (model.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Programs returns a copy of the registered programs.
func (r *Registry) Programs() []model.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Program(nil), r.programs...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.programs)
}
