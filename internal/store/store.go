// Package store persists case records, payload blobs and the audit ledger.
// The pipeline reaches persistence only through Store; MemStore and SqlStore
// are the two shipped implementations.
package store

import (
	"context"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/seal"
)

// DefaultDBPath is the default relative path for the SQLite DB.
// Open creates the parent directory if it does not exist.
const DefaultDBPath = ".custody/custody.db"

// CaseRecord is the ordered list of envelopes admitted into one case.
type CaseRecord struct {
	CaseID    string
	Envelopes []*seal.Envelope
}

// Store is the persistence facade. It also serves payload blobs to the seal
// engine and durable entries to the ledger, so one database holds everything
// a case bundle needs.
type Store interface {
	// Append adds env to the end of caseID's record, creating the case on
	// first use. Appending an envelope already in the record is a no-op.
	Append(ctx context.Context, caseID string, env *seal.Envelope) error
	// List returns caseID's envelopes in append order, or nil for an unknown case.
	List(ctx context.Context, caseID string) ([]*seal.Envelope, error)
	// Load returns the case record, or CodeNotFound.
	Load(ctx context.Context, caseID string) (*CaseRecord, error)
	// Cases returns all case IDs in creation order.
	Cases(ctx context.Context) ([]string, error)

	seal.Blobs
	ledger.Store

	Close() error
}

func checkAppend(caseID string, env *seal.Envelope) error {
	if caseID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "case ID is required")
	}
	if !env.Sealed() {
		return apperrors.WithMetadata(apperrors.CodeSealViolation, "refusing to store unsealed envelope",
			map[string]string{"reason": "envelope is not sealed", "case_id": caseID})
	}
	return nil
}

func sameEnvelope(a, b *seal.Envelope) bool {
	return a.CustodySignature() == b.CustodySignature() && a.ContentDigest() == b.ContentDigest()
}

func notFound(caseID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "case "+caseID+" not found", map[string]string{"case_id": caseID})
}
