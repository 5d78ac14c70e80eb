// Package extractor implements per-source content extraction: turning
// a series page into chapter descriptors and a chapter page into an
// ordered image URL list.
package extractor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// Registry maps source names to extractor implementations. It is built
// once at startup and injected into the orchestrator; there is no
// process-wide singleton.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]leech.Extractor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]leech.Extractor)}
}

// Register binds a source name to an extractor. Re-registering the
// same name replaces the previous binding.
func (r *Registry) Register(source string, ex leech.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[source] = ex
}

// Lookup resolves the extractor for a source.
func (r *Registry) Lookup(source string) (leech.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byName[source]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for source %q", source)
	}
	return ex, nil
}

// Sources returns the registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
