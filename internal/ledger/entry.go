// Package ledger is the append-only, hash-linked audit trail of every seal
// lifecycle event.
//
// Each entry stores the hash of its predecessor; the first entry links to
// GenesisHash. Entries are addressed by sequence index and are never edited
// or removed, so recomputing the chain proves whether any historical entry
// has been altered.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// GenesisHash is the prev_entry_hash of the first entry (64 hex zeros).
var GenesisHash = strings.Repeat("0", 64)

// TimeFormat is the textual timestamp form covered by the entry hash.
const TimeFormat = time.RFC3339Nano

// Operation identifies the seal lifecycle event an entry records.
type Operation string

const (
	OpSealCreate Operation = "SEAL_CREATE"
	OpSealVerify Operation = "SEAL_VERIFY"
	OpSealReject Operation = "SEAL_REJECT"
)

func (o Operation) valid() bool {
	switch o {
	case OpSealCreate, OpSealVerify, OpSealReject:
		return true
	}
	return false
}

// Result is the outcome of the recorded operation.
type Result string

const (
	Success Result = "SUCCESS"
	Failure Result = "FAILURE"
)

// Entry is one audit record. All fields are plain values so the JSON form is
// a flat structure a third party can re-hash without this package.
type Entry struct {
	Seq           uint64    `json:"seq"`
	Operation     Operation `json:"operation"`
	Timestamp     time.Time `json:"timestamp"`
	SubjectDigest string    `json:"subject_digest"`
	Result        Result    `json:"result"`
	Reason        string    `json:"reason,omitempty"`
	PrevHash      string    `json:"prev_entry_hash"`
	Hash          string    `json:"entry_hash"`
}

// ComputeHash returns H(operation | timestamp | subject_digest | result | prev_entry_hash).
// Seq and Reason are not covered: Seq is implied by chain position.
func ComputeHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.Operation))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Timestamp.UTC().Format(TimeFormat)))
	h.Write([]byte{'|'})
	h.Write([]byte(e.SubjectDigest))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Result))
	h.Write([]byte{'|'})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}
