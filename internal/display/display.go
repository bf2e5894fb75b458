// Package display provides human-readable names for machine codes.
//
// Rule: code is for machines, words are for humans.
// Use these functions in CLI output and Markdown briefs.
// Keep raw codes for JSON fields, map keys, and equality comparisons.
package display

// --- Ledger ---

var operations = map[string]string{
	"SEAL_CREATE": "Sealed",
	"SEAL_VERIFY": "Verified",
	"SEAL_REJECT": "Rejected",
}

// Operation returns the human-readable name for a ledger operation.
// Unknown codes are returned as-is.
func Operation(code string) string {
	if name, ok := operations[code]; ok {
		return name
	}
	return code
}

// Outcome pairs an operation with its result: "Verified", "Verify failed".
func Outcome(op, result string) string {
	if result != "FAILURE" {
		return Operation(op)
	}
	switch op {
	case "SEAL_CREATE":
		return "Seal failed"
	case "SEAL_VERIFY":
		return "Verify failed"
	}
	return Operation(op)
}

// --- Verdicts ---

var statuses = map[string]string{
	"ACCEPTED": "Accepted",
	"FLAGGED":  "Flagged for review",
	"REJECTED": "Rejected",
}

// Status returns the human-readable name for a verdict status.
func Status(code string) string {
	if name, ok := statuses[code]; ok {
		return name
	}
	return code
}

// --- Errors ---

var errorCodes = map[string]string{
	"DIGEST_ERROR":                "Unreadable input",
	"SEAL_VIOLATION":              "Missing or invalid seal",
	"SEAL_INTEGRITY":              "Seal mismatch",
	"CONSENSUS_INSUFFICIENT_DATA": "No usable findings",
	"LEDGER_WRITE":                "Audit write failed",
	"NOT_FOUND":                   "Not found",
	"INVALID_ARGUMENT":            "Invalid argument",
	"UNKNOWN":                     "Unknown error",
}

// ErrorCode returns the human-readable name for an error code.
func ErrorCode(code string) string {
	if name, ok := errorCodes[code]; ok {
		return name
	}
	return code
}

// ErrorCodeWithCode returns "Seal mismatch (SEAL_INTEGRITY)" format.
func ErrorCodeWithCode(code string) string {
	if name := ErrorCode(code); name != code {
		return name + " (" + code + ")"
	}
	return code
}
