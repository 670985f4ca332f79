// Package registry implements the operator registry (§4.2): a global,
// read-mostly table mapping "type:subtype" operator names to their
// available compute variants and metadata. It is grounded on the
// teacher's backend factory registry (backend/registry.go), generalizing
// a single-factory-per-name table to one that holds up to three variants
// per name (monolithic, tiled_hp, tiled_rt) and resolves by compute
// intent rather than by availability priority.
//
// The imaging operators themselves are out of scope (§1 Non-goals); this
// package only provides the registration, lookup and intent-resolution
// machinery an operator library plugs into.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/imgdag"
	"github.com/gogpu/imgdag/buffer"
)

// MonolithicFunc computes an operator's entire output in one call, given
// all of its resolved inputs.
type MonolithicFunc func(ctx context.Context, inputs map[string]*buffer.Buffer, params map[string]imgdag.Value, device imgdag.DeviceHandle) (*buffer.Buffer, error)

// TiledFunc computes an operator's output restricted to roi. inputs are
// already clipped (and halo-expanded, where DirtyPropagator asked for it)
// to what the tile needs.
type TiledFunc func(ctx context.Context, inputs map[string]*buffer.Buffer, roi imgdag.Rect, params map[string]imgdag.Value, device imgdag.DeviceHandle) (*buffer.Buffer, error)

// DirtyPropagatorFunc maps a dirty rectangle in an operator's output
// space back to the rectangle of its input(s) that must be recomputed to
// produce it, expanding by any halo the operator needs (§4.7.5, §4.9
// "dirty_propagator"). With the zero value (nil), Entry.PropagateDirty
// expands by Metadata.HaloPixels when that is positive and otherwise
// uses the identity (output ROI equals input ROI), the default for
// pointwise operators.
type DirtyPropagatorFunc func(outputROI imgdag.Rect, params map[string]imgdag.Value) imgdag.Rect

// ShapeInferenceFunc computes an operator's output size from its inputs'
// sizes and parameters, for operators whose tiled variant does not
// preserve the first input's size (§4.7.3, Open Question: resize/
// decimate operators).
type ShapeInferenceFunc func(inputSizes map[string]imgdag.Size, params map[string]imgdag.Value) (imgdag.Size, error)

// Entry is everything the registry knows about one operator name.
type Entry struct {
	Name     string
	Metadata Metadata

	Monolithic MonolithicFunc
	TiledHP    TiledFunc
	TiledRT    TiledFunc

	DirtyPropagator DirtyPropagatorFunc
	ShapeInference  ShapeInferenceFunc
}

// HasMonolithic, HasTiledHP, HasTiledRT report which variants an entry
// implements.
func (e *Entry) HasMonolithic() bool { return e.Monolithic != nil }
func (e *Entry) HasTiledHP() bool    { return e.TiledHP != nil }
func (e *Entry) HasTiledRT() bool    { return e.TiledRT != nil }

// Registry is a concurrency-safe table of operator entries, keyed by
// "type:subtype" (§4.2). The zero Registry is not usable; use New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty operator registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Key formats the canonical "type:subtype" registry key.
func Key(opType, subtype string) string {
	if subtype == "" {
		return opType
	}
	return fmt.Sprintf("%s:%s", opType, subtype)
}

// Register adds or replaces the entry for name. Typically called from an
// operator library's init() function, mirroring the teacher's
// backend.Register.
func (r *Registry) Register(name string, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Name = name
	r.entries[name] = entry
}

// Unregister removes name from the registry, for test isolation.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the entry for name, or (nil, false) if unregistered.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// IsRegistered reports whether name has any entry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Available lists all registered operator names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// defaultRegistry is the process-wide registry most kernels share, the
// same "one obvious global" pattern as the teacher's package-level
// backend registry.
var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register registers name on the default registry.
func Register(name string, entry *Entry) { defaultRegistry.Register(name, entry) }

// Get looks up name on the default registry.
func Get(name string) (*Entry, bool) { return defaultRegistry.Get(name) }
