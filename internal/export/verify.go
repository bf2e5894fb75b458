package export

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"custody/internal/ledger"
)

// Problem is one failed check.
type Problem struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Report is the outcome of VerifyBundle. DigestsChecked counts envelopes
// whose payload bytes were available; Unchecked lists the blob-referenced
// digests of a bundle exported without payloads.
type Report struct {
	OK             bool      `json:"ok"`
	DigestsChecked int       `json:"digests_checked"`
	Unchecked      []string  `json:"unchecked,omitempty"`
	Envelopes      int       `json:"envelopes"`
	Entries        int       `json:"entries"`
	Problems       []Problem `json:"problems,omitempty"`
}

func (r *Report) fail(subject, format string, args ...any) {
	r.OK = false
	r.Problems = append(r.Problems, Problem{Subject: subject, Reason: fmt.Sprintf(format, args...)})
}

const genesis = "0000000000000000000000000000000000000000000000000000000000000000"

func sum(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

// VerifyBundle re-derives every custody signature, every digest whose
// payload is present, and the audit chain. It does not trust any package
// that produced the bundle.
func VerifyBundle(b *Bundle) Report {
	rep := Report{OK: true, Envelopes: len(b.Envelopes), Entries: len(b.Entries)}

	for _, r := range b.Envelopes {
		subject := r.ContentDigest
		if !r.Sealed {
			rep.fail(subject, "envelope is not sealed")
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
		if err != nil {
			rep.fail(subject, "created_at %q: %v", r.CreatedAt, err)
			continue
		}
		geo := "nogeo"
		if r.Geo != nil {
			geo = fmt.Sprintf("%.7f,%.7f,%.2f", r.Geo.Lat, r.Geo.Lon, r.Geo.AccuracyM)
		}
		if got := sum(r.ContentDigest, created.UTC().Format(time.RFC3339Nano), geo); got != r.CustodySignature {
			rep.fail(subject, "custody signature mismatch")
		}

		var payload []byte
		switch {
		case strings.HasPrefix(r.PayloadRef, "inline:"):
			payload, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(r.PayloadRef, "inline:"))
			if err != nil {
				rep.fail(subject, "inline payload: %v", err)
				continue
			}
		case strings.HasPrefix(r.PayloadRef, "blob:"):
			var ok bool
			if payload, ok = b.Payloads[r.ContentDigest]; !ok {
				if b.WithPayloads {
					rep.fail(subject, "blob payload missing from bundle")
				} else {
					rep.Unchecked = append(rep.Unchecked, subject)
				}
				continue
			}
		default:
			rep.fail(subject, "unknown payload reference %q", r.PayloadRef)
			continue
		}
		rep.DigestsChecked++
		d := sha256.Sum256(payload)
		if "sha256:"+hex.EncodeToString(d[:]) != r.ContentDigest {
			rep.fail(subject, "content digest mismatch")
		}
	}

	prev := genesis
	for i, e := range b.Entries {
		subject := fmt.Sprintf("audit_entry[%d]", i)
		if e.Seq != uint64(i) {
			rep.fail(subject, "sequence %d out of order", e.Seq)
		}
		if e.PrevHash != prev {
			rep.fail(subject, "prev_entry_hash does not link to the previous entry")
		}
		want := sum(string(e.Operation), e.Timestamp.UTC().Format(time.RFC3339Nano), e.SubjectDigest, string(e.Result), e.PrevHash)
		if want != e.Hash {
			rep.fail(subject, "entry_hash mismatch")
		}
		if (e.Result == ledger.Failure) != (e.Reason != "") {
			rep.fail(subject, "reason must be present iff result is FAILURE")
		}
		prev = e.Hash
	}
	return rep
}
