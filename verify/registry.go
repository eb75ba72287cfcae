package verify

import (
	"sort"
	"sync"

	"github.com/jonwraymond/toolguard/integrity"
)

// ChangeFunc is called after a tool is re-registered or removed.
type ChangeFunc func(toolID string)

// Registry holds registered tools. It is read-mostly and safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
	hooks []ChangeFunc
}

type registered struct {
	identity   *ToolIdentity
	generation uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// OnChange registers fn to run after a tool is replaced or removed.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Register stores a copy of tool, replacing any previous registration, and
// returns the new generation. Change hooks run when a tool is replaced.
func (r *Registry) Register(tool ToolIdentity) (uint64, error) {
	if err := tool.Validate(); err != nil {
		return 0, err
	}
	cp := tool.Clone()

	r.mu.Lock()
	prev, replaced := r.tools[cp.ID]
	gen := prev.generation + 1
	r.tools[cp.ID] = registered{identity: cp, generation: gen}
	hooks := r.hooks
	r.mu.Unlock()

	if replaced {
		for _, fn := range hooks {
			fn(cp.ID)
		}
	}
	return gen, nil
}

// Remove unregisters toolID.
func (r *Registry) Remove(toolID string) bool {
	r.mu.Lock()
	_, ok := r.tools[toolID]
	delete(r.tools, toolID)
	hooks := r.hooks
	r.mu.Unlock()

	if ok {
		for _, fn := range hooks {
			fn(toolID)
		}
	}
	return ok
}

// Get returns a copy of the registered tool.
func (r *Registry) Get(toolID string) (*ToolIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[toolID]
	if !ok {
		return nil, false
	}
	return e.identity.Clone(), true
}

// Generation returns how many times toolID has been registered.
func (r *Registry) Generation(toolID string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[toolID].generation
}

// List returns copies of all tools sorted by id.
func (r *Registry) List() []*ToolIdentity {
	r.mu.RLock()
	out := make([]*ToolIdentity, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.identity.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CallConstraints returns toolID's call constraints.
func (r *Registry) CallConstraints(toolID string) (integrity.CallConstraints, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[toolID]
	if !ok {
		return integrity.CallConstraints{}, false
	}
	return e.identity.CallConstraints, true
}
