package polling

import "sync"

// =============================================================================
// REGISTRY - Cross-session busy indicators
// =============================================================================

// Registry is notified when a work unit's session starts and ends, so other
// parts of the product can show a "recalculating" indicator. Display-only:
// implementations must not influence polling, and failures must be absorbed,
// not returned.
//
// Set semantics: a key is either busy or not. Starting a superseding session
// keeps the key busy; the engine deregisters a key exactly once, when its
// current session ends.
type Registry interface {
	SessionStarted(key string)
	SessionEnded(key string)
}

type nopRegistry struct{}

func (nopRegistry) SessionStarted(string) {}
func (nopRegistry) SessionEnded(string)   {}

// MemoryRegistry tracks busy work units in process memory.
type MemoryRegistry struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{busy: make(map[string]struct{})}
}

func (r *MemoryRegistry) SessionStarted(key string) {
	r.mu.Lock()
	r.busy[key] = struct{}{}
	r.mu.Unlock()
}

func (r *MemoryRegistry) SessionEnded(key string) {
	r.mu.Lock()
	delete(r.busy, key)
	r.mu.Unlock()
}

// IsBusy reports whether key currently has an active session.
func (r *MemoryRegistry) IsBusy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.busy[key]
	return ok
}

// Busy returns a snapshot of all busy keys.
func (r *MemoryRegistry) Busy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.busy))
	for k := range r.busy {
		keys = append(keys, k)
	}
	return keys
}
