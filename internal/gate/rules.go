package gate

import (
	"context"
	"fmt"
	"strings"

	apperrors "custody/internal/errors"
	"custody/internal/seal"
)

// Rule is one link of a gate's validation chain. It returns nil to let the
// envelope continue, or a coded error that rejects it.
type Rule func(ctx context.Context, env *seal.Envelope) error

// Verifier recomputes an envelope's seal. *seal.Engine satisfies it.
type Verifier interface {
	Verify(ctx context.Context, env *seal.Envelope) error
}

// Origins reports whether an origin tag belongs to a registered producer.
type Origins interface {
	Known(origin string) bool
}

// OriginSet is a fixed Origins list.
type OriginSet []string

func (s OriginSet) Known(origin string) bool {
	for _, o := range s {
		if o == origin {
			return true
		}
	}
	return false
}

// AnyOrigin combines several Origins.
type AnyOrigin []Origins

func (a AnyOrigin) Known(origin string) bool {
	for _, o := range a {
		if o != nil && o.Known(origin) {
			return true
		}
	}
	return false
}

func violation(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeSealViolation, "seal violation", map[string]string{"reason": reason})
}

// RequireSealed rejects nil envelopes and envelopes whose sealed flag is false.
func RequireSealed() Rule {
	return func(_ context.Context, env *seal.Envelope) error {
		if env == nil {
			return violation("no envelope presented")
		}
		if !env.Sealed() {
			return violation("missing seal: sealed flag is false")
		}
		return nil
	}
}

// RequireKind rejects envelopes that wrap anything other than kinds.
func RequireKind(kinds ...seal.Kind) Rule {
	return func(_ context.Context, env *seal.Envelope) error {
		for _, k := range kinds {
			if env.Kind() == k {
				return nil
			}
		}
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		return violation(fmt.Sprintf("policy: %s envelope may not cross this gate (allowed: %s)", env.Kind(), strings.Join(names, ", ")))
	}
}

// RequireOrigin rejects envelopes produced by an unregistered component.
func RequireOrigin(origins Origins) Rule {
	return func(_ context.Context, env *seal.Envelope) error {
		if origins == nil || !origins.Known(env.OriginTag()) {
			return violation(fmt.Sprintf("unknown origin %q", env.OriginTag()))
		}
		return nil
	}
}

// RequireAdmitted rejects envelopes the tracker has not seen admitted.
func RequireAdmitted(a *Admissions, by Kind) Rule {
	return func(_ context.Context, env *seal.Envelope) error {
		if !a.Admitted(env) {
			return violation(fmt.Sprintf("envelope was not admitted by the %s gate", by))
		}
		return nil
	}
}

// RequireIntegrity recomputes the seal through v. This is the SEAL_VERIFY point.
func RequireIntegrity(v Verifier) Rule {
	return func(ctx context.Context, env *seal.Envelope) error {
		return v.Verify(ctx, env)
	}
}
