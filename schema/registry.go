// Package schema binds wire message field descriptors to cached, validated
// schemas. Descriptors arrive from the training service at registration time
// (or are supplied locally for outbound message kinds); the registry caches
// the bound result by structural fingerprint so that equivalent descriptors
// received repeatedly over a long-running session never rebuild codec state.
package schema

import "sync"

// Registry caches bound schemas by structural fingerprint. It is append-only:
// entries are never evicted, matching the assumption that the number of
// distinct schemas in one process is small and bounded. Caching by
// fingerprint rather than descriptor identity is what keeps memory flat when
// the service re-sends equivalent descriptors on every reconnect.
type Registry struct {
	mu      sync.RWMutex
	byPrint map[string]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{byPrint: make(map[string]*Schema)}
}

// Register validates and binds a descriptor, returning the cached *Schema if
// a structurally identical descriptor was registered before. Registration
// fails with a SchemaError if a field kind is unrecognized or nesting exceeds
// the depth bound.
func (r *Registry) Register(d Descriptor) (*Schema, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	print := Fingerprint(d)

	r.mu.RLock()
	s, ok := r.byPrint[print]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock; another goroutine may have won.
	if s, ok := r.byPrint[print]; ok {
		return s, nil
	}
	s = newSchema(d)
	r.byPrint[print] = s
	return s, nil
}

// Lookup returns the schema bound for a fingerprint, if any.
func (r *Registry) Lookup(fingerprint string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPrint[fingerprint]
	return s, ok
}

// Len returns the number of distinct schemas bound so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrint)
}
