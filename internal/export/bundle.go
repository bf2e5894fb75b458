// Package export writes a case, its payloads and the audit chain as flat
// JSON lines, and re-verifies such a bundle using nothing but SHA-256 and
// the published digest, signature and chain formulas.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/seal"
	"custody/internal/store"
)

// Line types.
const (
	TypeCase     = "case"
	TypeEnvelope = "envelope"
	TypePayload  = "payload"
	TypeEntry    = "audit_entry"
)

// Payload is blob-referenced payload bytes carried alongside the envelopes.
type Payload struct {
	Digest string `json:"digest"`
	Data   []byte `json:"data"`
}

// Line is one JSONL record. Exactly one of the pointer fields is set,
// matching Type.
type Line struct {
	Type         string        `json:"type"`
	CaseID       string        `json:"case_id,omitempty"`
	WithPayloads bool          `json:"with_payloads,omitempty"`
	Envelope     *seal.Record  `json:"envelope,omitempty"`
	Payload      *Payload      `json:"payload,omitempty"`
	Entry        *ledger.Entry `json:"entry,omitempty"`
}

// Bundle is a case export. WithPayloads records that blob payloads were
// requested, so a missing one is a problem rather than an unchecked digest.
type Bundle struct {
	CaseID       string
	WithPayloads bool
	Envelopes    []seal.Record
	Payloads     map[string][]byte
	Entries      []ledger.Entry
}

// Build assembles the bundle for caseID. With payloads, blob-referenced
// payload bytes are included so digests can be recomputed offline; a blob
// the store does not have is left out and reported by VerifyBundle. Any
// other blob read error fails the build.
func Build(ctx context.Context, st store.Store, caseID string, entries []ledger.Entry, payloads bool) (*Bundle, error) {
	rec, err := st.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		CaseID:       caseID,
		WithPayloads: payloads,
		Payloads:     make(map[string][]byte),
		Entries:      append([]ledger.Entry(nil), entries...),
	}
	for _, env := range rec.Envelopes {
		r := env.Record()
		b.Envelopes = append(b.Envelopes, r)
		if !payloads || !strings.HasPrefix(r.PayloadRef, "blob:") {
			continue
		}
		data, err := seal.Resolve(ctx, st, r.PayloadRef)
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read payload %s: %w", r.ContentDigest, err)
		}
		b.Payloads[r.ContentDigest] = data
	}
	return b, nil
}

// Write encodes b as JSON lines: the case header, envelopes, payloads, then
// audit entries in chain order.
func Write(w io.Writer, b *Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Line{Type: TypeCase, CaseID: b.CaseID, WithPayloads: b.WithPayloads}); err != nil {
		return fmt.Errorf("write case header: %w", err)
	}
	for i := range b.Envelopes {
		if err := enc.Encode(Line{Type: TypeEnvelope, Envelope: &b.Envelopes[i]}); err != nil {
			return fmt.Errorf("write envelope: %w", err)
		}
	}
	for _, r := range b.Envelopes {
		data, ok := b.Payloads[r.ContentDigest]
		if !ok {
			continue
		}
		if err := enc.Encode(Line{Type: TypePayload, Payload: &Payload{Digest: r.ContentDigest, Data: data}}); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	for i := range b.Entries {
		if err := enc.Encode(Line{Type: TypeEntry, Entry: &b.Entries[i]}); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
	}
	return nil
}

// Read decodes a bundle written by Write.
func Read(r io.Reader) (*Bundle, error) {
	b := &Bundle{Payloads: make(map[string][]byte)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l Line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		switch {
		case l.Type == TypeCase:
			b.CaseID = l.CaseID
			b.WithPayloads = l.WithPayloads
		case l.Type == TypeEnvelope && l.Envelope != nil:
			b.Envelopes = append(b.Envelopes, *l.Envelope)
		case l.Type == TypePayload && l.Payload != nil:
			b.Payloads[l.Payload.Digest] = l.Payload.Data
		case l.Type == TypeEntry && l.Entry != nil:
			b.Entries = append(b.Entries, *l.Entry)
		default:
			return nil, fmt.Errorf("line %d: unknown or empty record type %q", n, l.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return b, nil
}
