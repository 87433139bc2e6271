package finalize

import (
	"sync"

	"github.com/ingestgw/uploadgw"
)

// Registry is the Failure Registry: an in-memory map of finalizations that
// could not complete, guarded by a single RWMutex (spec.md §5 "single
// guarding discipline"). Not persisted across restarts (spec.md §9).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]uploadgw.FailedUpload
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]uploadgw.FailedUpload)}
}

// Record stores or replaces a FailedUpload entry keyed by uploadId or
// multipartId.
func (r *Registry) Record(id string, f uploadgw.FailedUpload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = f
}

// Remove deletes an entry, idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (uploadgw.FailedUpload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.entries[id]
	return f, ok
}

// List returns all current entries.
func (r *Registry) List() []uploadgw.FailedUpload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uploadgw.FailedUpload, 0, len(r.entries))
	for _, f := range r.entries {
		out = append(out, f)
	}
	return out
}

// Len returns the number of current entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
