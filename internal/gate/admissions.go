package gate

import (
	"sync"

	"custody/internal/seal"
)

// identity names one envelope instance. The custody signature covers only
// digest, time and location, so kind, origin and payload ref are part of it.
type identity struct {
	digest     string
	signature  string
	kind       seal.Kind
	origin     string
	payloadRef string
}

func identityOf(env *seal.Envelope) identity {
	return identity{
		digest:     env.ContentDigest(),
		signature:  env.CustodySignature(),
		kind:       env.Kind(),
		origin:     env.OriginTag(),
		payloadRef: env.PayloadRef(),
	}
}

// Admissions remembers which envelope instances a gate admitted.
type Admissions struct {
	mu   sync.RWMutex
	seen map[identity]struct{}
}

// NewAdmissions returns an empty tracker.
func NewAdmissions() *Admissions {
	return &Admissions{seen: make(map[identity]struct{})}
}

// Mark records env as admitted.
func (a *Admissions) Mark(env *seal.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[identityOf(env)] = struct{}{}
}

// Admitted reports whether env was marked.
func (a *Admissions) Admitted(env *seal.Envelope) bool {
	if a == nil || !env.Sealed() {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.seen[identityOf(env)]
	return ok
}

// Len returns how many distinct envelopes were admitted.
func (a *Admissions) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.seen)
}
