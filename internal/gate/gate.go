// Package gate implements the three sealed-data checkpoints (input, internal,
// output). Every gate runs the same Present primitive over its own rule chain;
// a rejection is logged as SEAL_REJECT, returned to the caller, and is final
// for that envelope instance.
package gate

import (
	"context"
	"log/slog"
	"sync"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/logging"
	"custody/internal/seal"
)

// Kind names a checkpoint.
type Kind string

const (
	Input    Kind = "input"
	Internal Kind = "internal"
	Output   Kind = "output"
)

// State is a position in the per-envelope gate state machine.
type State string

const (
	StatePresented State = "PRESENTED"
	StateValidated State = "VALIDATED"
	StateAdmitted  State = "ADMITTED"
	StateRejected  State = "REJECTED"
)

// Terminal reports whether s ends a transit.
func (s State) Terminal() bool {
	return s == StateAdmitted || s == StateRejected
}

// Recorder receives SEAL_REJECT entries. *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, op ledger.Operation, subject string, result ledger.Result, reason string) (ledger.Entry, error)
}

// Transit is the outcome of presenting one envelope to a gate.
type Transit struct {
	Gate     Kind
	Envelope *seal.Envelope
	Path     []State
	Err      error
}

// State returns the final state reached.
func (t Transit) State() State {
	if len(t.Path) == 0 {
		return ""
	}
	return t.Path[len(t.Path)-1]
}

// Admitted reports whether the transit ended in ADMITTED.
func (t Transit) Admitted() bool { return t.State() == StateAdmitted }

// Gate is one checkpoint.
type Gate struct {
	kind     Kind
	rules    []Rule
	recorder Recorder
	onAdmit  func(*seal.Envelope)
	logger   *slog.Logger

	mu       sync.Mutex
	rejected map[identity]error
}

// New builds a gate from an explicit rule chain. Most callers use NewInput,
// NewInternal or NewOutput.
func New(kind Kind, rec Recorder, onAdmit func(*seal.Envelope), rules ...Rule) *Gate {
	return &Gate{
		kind:     kind,
		rules:    rules,
		recorder: rec,
		onAdmit:  onAdmit,
		logger:   logging.New("gate").With(slog.String("gate", string(kind))),
		rejected: make(map[identity]error),
	}
}

// NewInput returns the entry checkpoint for raw evidence.
func NewInput(rec Recorder, v Verifier) *Gate {
	return New(Input, rec, nil,
		RequireSealed(),
		RequireKind(seal.KindEvidence),
		RequireIntegrity(v),
	)
}

// NewInternal returns the checkpoint between analyzers and the aggregator.
// Every admitted envelope is marked in admitted.
func NewInternal(rec Recorder, v Verifier, origins Origins, admitted *Admissions) *Gate {
	return New(Internal, rec, admitted.Mark,
		RequireSealed(),
		RequireKind(seal.KindFinding, seal.KindVerdict),
		RequireOrigin(origins),
		RequireIntegrity(v),
	)
}

// NewOutput returns the checkpoint in front of every external collaborator.
// Only findings and verdicts the internal gate admitted may pass; raw evidence
// never does.
func NewOutput(rec Recorder, v Verifier, admitted *Admissions) *Gate {
	return New(Output, rec, nil,
		RequireSealed(),
		RequireKind(seal.KindFinding, seal.KindVerdict),
		RequireAdmitted(admitted, Internal),
		RequireIntegrity(v),
	)
}

// Kind returns which checkpoint this is.
func (g *Gate) Kind() Kind { return g.kind }

// Present walks env through PRESENTED → VALIDATED → ADMITTED, or REJECTED.
func (g *Gate) Present(ctx context.Context, env *seal.Envelope) Transit {
	tr := Transit{Gate: g.kind, Envelope: env, Path: []State{StatePresented}}

	if prev := g.previousRejection(env); prev != nil {
		return g.reject(ctx, tr, prev)
	}

	for _, rule := range g.rules {
		if err := rule(ctx, env); err != nil {
			if apperrors.CodeOf(err).Fatal() {
				tr.Path = append(tr.Path, StateRejected)
				tr.Err = err
				return tr
			}
			return g.reject(ctx, tr, err)
		}
	}
	tr.Path = append(tr.Path, StateValidated)

	if g.onAdmit != nil {
		g.onAdmit(env)
	}
	tr.Path = append(tr.Path, StateAdmitted)
	g.logger.Debug("admitted", "envelope", env.String())
	return tr
}

// Admit is Present reduced to the checkpoint contract: the envelope on
// success, or the rejection error.
func (g *Gate) Admit(ctx context.Context, env *seal.Envelope) (*seal.Envelope, error) {
	tr := g.Present(ctx, env)
	if tr.Err != nil {
		return nil, tr.Err
	}
	return env, nil
}

func (g *Gate) reject(ctx context.Context, tr Transit, cause error) Transit {
	tr.Path = append(tr.Path, StateRejected)

	reason := cause.Error()
	code := apperrors.CodeSealViolation
	if ae, ok := apperrors.As(cause); ok {
		reason = ae.Reason()
		code = ae.Code
	}
	md := map[string]string{"gate": string(g.kind), "reason": reason}
	if d := tr.Envelope.ContentDigest(); d != "" {
		md["digest"] = d
	}
	err := apperrors.WrapWithMetadata(code, string(g.kind)+" gate rejected envelope", md, cause)
	tr.Err = err

	if _, lerr := g.recorder.Append(ctx, ledger.OpSealReject, tr.Envelope.ContentDigest(), ledger.Failure, string(g.kind)+": "+reason); lerr != nil {
		tr.Err = lerr
		return tr
	}
	g.remember(tr.Envelope, err)
	g.logger.Warn("rejected", "envelope", tr.Envelope.String(), "code", code, "reason", reason)
	return tr
}

func (g *Gate) previousRejection(env *seal.Envelope) error {
	if env.CustodySignature() != "" {
		g.mu.Lock()
		defer g.mu.Unlock()
		if err, ok := g.rejected[identityOf(env)]; ok {
			return apperrors.WrapWithMetadata(apperrors.CodeOf(err), "envelope was already rejected",
				map[string]string{"reason": "previously rejected; re-submit a freshly sealed envelope"}, err)
		}
	}
	return nil
}

func (g *Gate) remember(env *seal.Envelope, err error) {
	if env.CustodySignature() == "" {
		return
	}
	id := identityOf(env)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rejected[id]; !ok {
		g.rejected[id] = err
	}
}
