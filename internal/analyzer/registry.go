package analyzer

import (
	"fmt"
	"sort"
	"sync"

	apperrors "custody/internal/errors"
)

// Registry is the set of analyzers a pipeline invokes. It also answers the
// internal gate's origin check.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	analyzers map[string]Analyzer
	reserved  map[string]bool
}

// NewRegistry returns a registry holding as. IDs in reserved may never be
// registered (the aggregator's own origin tag, for instance).
func NewRegistry(reserved ...string) *Registry {
	r := &Registry{
		analyzers: make(map[string]Analyzer),
		reserved:  make(map[string]bool),
	}
	for _, id := range reserved {
		r.reserved[id] = true
	}
	return r
}

// Register adds a. IDs must be non-empty and unique.
func (r *Registry) Register(a Analyzer) error {
	if a == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "analyzer is nil")
	}
	id := a.ID()
	if id == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "analyzer ID is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved[id] {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("analyzer ID %q is reserved", id))
	}
	if _, dup := r.analyzers[id]; dup {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("analyzer %q already registered", id))
	}
	r.analyzers[id] = a
	r.order = append(r.order, id)
	return nil
}

// MustRegister is Register that panics; for static wiring in main packages.
func (r *Registry) MustRegister(as ...Analyzer) *Registry {
	for _, a := range as {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Known reports whether origin is a registered analyzer ID.
func (r *Registry) Known(origin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.analyzers[origin]
	return ok
}

// Get returns the analyzer registered under id.
func (r *Registry) Get(id string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[id]
	return a, ok
}

// Analyzers returns analyzers in registration order.
func (r *Registry) Analyzers() []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Analyzer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.analyzers[id])
	}
	return out
}

// IDs returns registered IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered analyzers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Addresses reports whether analyzer id is expected to report on claim.
func (r *Registry) Addresses(id, claim string) bool {
	a, ok := r.Get(id)
	if !ok {
		return false
	}
	s, scoped := a.(Scoped)
	if !scoped {
		return true
	}
	for _, c := range s.Claims() {
		if c == claim {
			return true
		}
	}
	return false
}
