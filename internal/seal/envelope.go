package seal

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "custody/internal/errors"
)

// Kind says what an envelope wraps.
type Kind string

const (
	KindEvidence Kind = "evidence"
	KindFinding  Kind = "finding"
	KindVerdict  Kind = "verdict"
)

func (k Kind) valid() bool {
	switch k {
	case KindEvidence, KindFinding, KindVerdict:
		return true
	}
	return false
}

// Envelope is an immutable sealed record. Values are produced by Engine or
// Restore; every field is read-only. The zero Envelope is unsealed and is
// rejected by every gate.
type Envelope struct {
	digest    string
	createdAt time.Time
	geo       *Geo
	signature string
	sealed    bool
	ref       string
	origin    string
	kind      Kind
}

func (e *Envelope) ContentDigest() string {
	if e == nil {
		return ""
	}
	return e.digest
}

func (e *Envelope) CreatedAt() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.createdAt
}

// Geo returns a copy of the seal-time geolocation, or nil.
func (e *Envelope) Geo() *Geo {
	if e == nil || e.geo == nil {
		return nil
	}
	g := *e.geo
	return &g
}

func (e *Envelope) CustodySignature() string {
	if e == nil {
		return ""
	}
	return e.signature
}

func (e *Envelope) Sealed() bool {
	return e != nil && e.sealed
}

func (e *Envelope) PayloadRef() string {
	if e == nil {
		return ""
	}
	return e.ref
}

// Payload returns a copy of the inline payload bytes, or nil when the payload
// lives in a blob store.
func (e *Envelope) Payload() []byte {
	if e == nil || !strings.HasPrefix(e.ref, inlinePrefix) {
		return nil
	}
	b, err := Resolve(context.Background(), nil, e.ref)
	if err != nil {
		return nil
	}
	return b
}

func (e *Envelope) OriginTag() string {
	if e == nil {
		return ""
	}
	return e.origin
}

func (e *Envelope) Kind() Kind {
	if e == nil {
		return ""
	}
	return e.kind
}

// String is a short human form used in logs.
func (e *Envelope) String() string {
	if e == nil {
		return "<nil envelope>"
	}
	return fmt.Sprintf("%s %s from %s", e.kind, shortDigest(e.digest), e.origin)
}

func shortDigest(d string) string {
	const n = len(DigestPrefix) + 12
	if len(d) > n {
		return d[:n]
	}
	return d
}

// Record is the flat, canonical form of an Envelope used for persistence and
// export. It carries everything needed to re-verify the seal independently.
type Record struct {
	ContentDigest    string `json:"content_digest"`
	CreatedAt        string `json:"created_at"`
	Geo              *Geo   `json:"geo"`
	CustodySignature string `json:"custody_signature"`
	Sealed           bool   `json:"sealed"`
	PayloadRef       string `json:"payload_ref"`
	OriginTag        string `json:"origin_tag"`
	Kind             Kind   `json:"kind"`
}

// Record returns the flat form of e.
func (e *Envelope) Record() Record {
	if e == nil {
		return Record{}
	}
	return Record{
		ContentDigest:    e.digest,
		CreatedAt:        e.createdAt.UTC().Format(TimeFormat),
		Geo:              e.Geo(),
		CustodySignature: e.signature,
		Sealed:           e.sealed,
		PayloadRef:       e.ref,
		OriginTag:        e.origin,
		Kind:             e.kind,
	}
}

// Restore rebuilds an Envelope from its flat form. A record claiming
// sealed=false, or missing seal fields, is a contradiction and fails with
// SealViolation. Restore does not recompute digests; gates do that.
func Restore(rec Record) (*Envelope, error) {
	if !rec.Sealed {
		return nil, violation("record is not sealed")
	}
	if rec.ContentDigest == "" || rec.CustodySignature == "" || rec.PayloadRef == "" {
		return nil, violation("record is missing seal fields")
	}
	if !rec.Kind.valid() {
		return nil, violation(fmt.Sprintf("record has unknown kind %q", rec.Kind))
	}
	created, err := time.Parse(TimeFormat, rec.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse created_at", err)
	}
	var g *Geo
	if rec.Geo != nil {
		cp := *rec.Geo
		g = &cp
	}
	return &Envelope{
		digest:    rec.ContentDigest,
		createdAt: created.UTC(),
		geo:       g,
		signature: rec.CustodySignature,
		sealed:    true,
		ref:       rec.PayloadRef,
		origin:    rec.OriginTag,
		kind:      rec.Kind,
	}, nil
}

func violation(reason string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeSealViolation, "seal violation", map[string]string{"reason": reason})
}

func integrity(reason string, cause error) *apperrors.Error {
	return apperrors.WrapWithMetadata(apperrors.CodeSealIntegrity, "seal integrity mismatch", map[string]string{"reason": reason}, cause)
}
