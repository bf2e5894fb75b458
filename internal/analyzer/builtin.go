package analyzer

import (
	"context"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/seal"
)

// Integrity labels.
const (
	LabelAuthentic = "authentic"
	LabelTampered  = "tampered"
)

// IntegrityClaim is the claim an integrity analyzer reports on for one piece
// of evidence.
func IntegrityClaim(digest string) string { return "evidence/" + digest + "/integrity" }

// Integrity re-derives each evidence envelope's digest and signature from the
// stored payload and reports authentic or tampered. It never writes to the
// ledger.
type Integrity struct {
	Name  string
	Blobs seal.Blobs
}

// NewIntegrity returns an integrity analyzer named id reading payloads from b.
func NewIntegrity(id string, b seal.Blobs) *Integrity {
	return &Integrity{Name: id, Blobs: b}
}

func (a *Integrity) ID() string { return a.Name }

func (a *Integrity) Analyze(ctx context.Context, evidence []*seal.Envelope) ([]Finding, error) {
	out := make([]Finding, 0, len(evidence))
	for _, env := range evidence {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := LabelAuthentic
		if err := seal.Recompute(ctx, a.Blobs, env); err != nil {
			if !apperrors.HasCode(err, apperrors.CodeSealIntegrity) && !apperrors.HasCode(err, apperrors.CodeSealViolation) {
				return nil, err
			}
			label = LabelTampered
		}
		out = append(out, Finding{
			AnalyzerID: a.Name,
			ClaimID:    IntegrityClaim(env.ContentDigest()),
			Value:      Label(label),
			Confidence: 1,
		})
	}
	return out, nil
}

// Scripted replays fixed findings after an optional delay, or fails with a
// fixed message. Scenario files build these.
type Scripted struct {
	Name     string
	Delay    time.Duration
	Fail     string
	Findings []Finding
	// Scope, when non-empty, restricts the claims this analyzer is expected
	// to report on.
	Scope []string
}

func (s *Scripted) ID() string { return s.Name }

func (s *Scripted) Claims() []string {
	if len(s.Scope) > 0 {
		return s.Scope
	}
	claims := make([]string, 0, len(s.Findings))
	seen := make(map[string]bool)
	for _, f := range s.Findings {
		if !seen[f.ClaimID] {
			seen[f.ClaimID] = true
			claims = append(claims, f.ClaimID)
		}
	}
	return claims
}

func (s *Scripted) Analyze(ctx context.Context, _ []*seal.Envelope) ([]Finding, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if s.Fail != "" {
		return nil, apperrors.New(apperrors.CodeUnknown, s.Fail)
	}
	return append([]Finding(nil), s.Findings...), nil
}
