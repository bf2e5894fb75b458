// Package analyzer defines the capability every independent analyzer
// implements, the registry that holds them, and the runner that invokes them
// in parallel over admitted evidence.
package analyzer

import (
	"context"

	"custody/internal/seal"
)

// Analyzer consumes admitted evidence envelopes and returns findings.
// Implementations must not retain or share mutable state with other analyzers.
type Analyzer interface {
	ID() string
	Analyze(ctx context.Context, evidence []*seal.Envelope) ([]Finding, error)
}

// Scoped is implemented by analyzers that only address specific claims.
// Analyzers without it are expected to report on every claim.
type Scoped interface {
	Claims() []string
}

// Func adapts a function to Analyzer.
type Func struct {
	Name string
	Fn   func(ctx context.Context, evidence []*seal.Envelope) ([]Finding, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Analyze(ctx context.Context, evidence []*seal.Envelope) ([]Finding, error) {
	return f.Fn(ctx, evidence)
}
