// Package errors provides the coded error taxonomy shared by the sealing,
// gating and consensus layers.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeDigest means a payload could not be canonicalized or hashed.
	CodeDigest Code = "DIGEST_ERROR"
	// CodeSealViolation means an envelope without a valid seal tried to cross a gate.
	CodeSealViolation Code = "SEAL_VIOLATION"
	// CodeSealIntegrity means seal fields are present but recomputation does not match.
	CodeSealIntegrity Code = "SEAL_INTEGRITY"
	// CodeInsufficientData is the no-verdict outcome of consensus. It is not a system failure.
	CodeInsufficientData Code = "CONSENSUS_INSUFFICIENT_DATA"
	// CodeLedgerWrite means an audit entry could not be durably appended.
	CodeLedgerWrite Code = "LEDGER_WRITE"

	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Fatal reports whether errors with this code must abort a pipeline run.
func (c Code) Fatal() bool {
	return c == CodeLedgerWrite
}
