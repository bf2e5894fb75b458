// Package seal computes content digests and custody signatures and builds
// immutable sealed envelopes around evidence and derived records.
package seal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/logging"
)

// DefaultInlineLimit is the largest payload kept inside the envelope reference.
const DefaultInlineLimit = 4 << 10

// Recorder receives one audit entry per seal lifecycle event.
// *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, op ledger.Operation, subject string, result ledger.Result, reason string) (ledger.Entry, error)
}

// Stamper supplies the timestamp and optional geolocation at seal time.
type Stamper interface {
	Stamp(ctx context.Context) (time.Time, *Geo)
}

// SystemStamper uses the wall clock and a fixed, optional location.
type SystemStamper struct {
	Geo *Geo
}

func (s SystemStamper) Stamp(context.Context) (time.Time, *Geo) {
	var g *Geo
	if s.Geo != nil {
		cp := *s.Geo
		g = &cp
	}
	return time.Now().UTC(), g
}

// StamperFunc adapts a function to Stamper.
type StamperFunc func(ctx context.Context) (time.Time, *Geo)

func (f StamperFunc) Stamp(ctx context.Context) (time.Time, *Geo) { return f(ctx) }

// Engine seals payloads and verifies envelopes, auditing both.
type Engine struct {
	rec         Recorder
	blobs       Blobs
	stamper     Stamper
	inlineLimit int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBlobs sets the store that holds payloads above the inline limit.
func WithBlobs(b Blobs) Option { return func(e *Engine) { e.blobs = b } }

// WithStamper sets the time/geolocation source.
func WithStamper(s Stamper) Option { return func(e *Engine) { e.stamper = s } }

// WithInlineLimit sets the largest payload stored inline. Negative means
// every payload goes to the blob store.
func WithInlineLimit(n int) Option { return func(e *Engine) { e.inlineLimit = n } }

// NewEngine returns an engine that audits through rec.
func NewEngine(rec Recorder, opts ...Option) *Engine {
	e := &Engine{
		rec:         rec,
		stamper:     SystemStamper{},
		inlineLimit: DefaultInlineLimit,
	}
	for _, o := range opts {
		o(e)
	}
	if e.blobs == nil {
		e.blobs = NewMemBlobs()
	}
	return e
}

// Blobs returns the payload store the engine resolves blob references against.
func (e *Engine) Blobs() Blobs { return e.blobs }

// SealReader reads r to EOF and seals the bytes. A read failure is a DigestError.
func (e *Engine) SealReader(ctx context.Context, r io.Reader, kind Kind, origin string) (*Envelope, error) {
	if r == nil {
		return nil, e.digestFailure(ctx, apperrors.New(apperrors.CodeDigest, "payload stream is nil"))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, e.digestFailure(ctx, apperrors.Wrap(apperrors.CodeDigest, "read payload", err))
	}
	return e.seal(ctx, buf.Bytes(), kind, origin)
}

// SealBytes seals a byte payload as-is.
func (e *Engine) SealBytes(ctx context.Context, payload []byte, kind Kind, origin string) (*Envelope, error) {
	return e.seal(ctx, append([]byte(nil), payload...), kind, origin)
}

// SealValue seals the canonical JSON encoding of v.
func (e *Engine) SealValue(ctx context.Context, v any, kind Kind, origin string) (*Envelope, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return nil, e.digestFailure(ctx, apperrors.Wrap(apperrors.CodeDigest, "canonicalize payload", err))
	}
	return e.seal(ctx, b, kind, origin)
}

func (e *Engine) seal(ctx context.Context, payload []byte, kind Kind, origin string) (*Envelope, error) {
	if !kind.valid() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown envelope kind %q", kind))
	}
	if origin == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "origin tag is required")
	}

	digest := Digest(payload)
	created, geo := e.stamper.Stamp(ctx)
	created = created.UTC()

	ref := InlineRef(payload)
	if e.inlineLimit < 0 || len(payload) > e.inlineLimit {
		if err := e.blobs.PutBlob(ctx, digest, payload); err != nil {
			return nil, fmt.Errorf("store payload %s: %w", digest, err)
		}
		ref = BlobRef(digest)
	}

	env := &Envelope{
		digest:    digest,
		createdAt: created,
		geo:       geo,
		signature: Signature(digest, created, geo),
		sealed:    true,
		ref:       ref,
		origin:    origin,
		kind:      kind,
	}
	if _, err := e.rec.Append(ctx, ledger.OpSealCreate, digest, ledger.Success, ""); err != nil {
		return nil, err
	}
	logging.New("seal").Debug("sealed", "kind", kind, "digest", digest, "origin", origin, "bytes", len(payload))
	return env, nil
}

func (e *Engine) digestFailure(ctx context.Context, derr *apperrors.Error) error {
	if _, err := e.rec.Append(ctx, ledger.OpSealCreate, "", ledger.Failure, derr.Error()); err != nil {
		return err
	}
	logging.New("seal").Warn("digest failed", "error", derr)
	return derr
}

// Verify recomputes the digest and custody signature of env from its
// referenced payload and audits the outcome as SEAL_VERIFY. It returns nil
// on success, a SealViolation for unsealed input, a SealIntegrityError on any
// mismatch, or a LedgerWrite error if the audit entry could not be stored.
func (e *Engine) Verify(ctx context.Context, env *Envelope) error {
	verr := Recompute(ctx, e.blobs, env)
	if verr != nil {
		reason := verr.Error()
		if ae, ok := apperrors.As(verr); ok {
			reason = ae.Reason()
		}
		if _, err := e.rec.Append(ctx, ledger.OpSealVerify, env.ContentDigest(), ledger.Failure, reason); err != nil {
			return err
		}
		return verr
	}
	if _, err := e.rec.Append(ctx, ledger.OpSealVerify, env.ContentDigest(), ledger.Success, ""); err != nil {
		return err
	}
	return nil
}

// Open returns the payload of env after checking it still matches the seal.
// It does not audit.
func (e *Engine) Open(ctx context.Context, env *Envelope) ([]byte, error) {
	if err := Recompute(ctx, e.blobs, env); err != nil {
		return nil, err
	}
	return Resolve(ctx, e.blobs, env.PayloadRef())
}

// Recompute checks env against its referenced payload without auditing.
func Recompute(ctx context.Context, blobs Blobs, env *Envelope) error {
	if !env.Sealed() {
		return violation("envelope is not sealed")
	}
	payload, err := Resolve(ctx, blobs, env.PayloadRef())
	if err != nil {
		return integrity("payload unavailable", err)
	}
	if Digest(payload) != env.ContentDigest() {
		return integrity("content digest mismatch", nil)
	}
	if Signature(env.ContentDigest(), env.CreatedAt(), env.Geo()) != env.CustodySignature() {
		return integrity("custody signature mismatch", nil)
	}
	return nil
}
