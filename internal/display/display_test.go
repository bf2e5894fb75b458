package display

import "testing"

func TestOperation(t *testing.T) {
	cases := []struct {
		code, want string
	}{
		{"SEAL_CREATE", "Sealed"},
		{"SEAL_VERIFY", "Verified"},
		{"SEAL_REJECT", "Rejected"},
		{"unknown", "unknown"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Operation(tc.code); got != tc.want {
			t.Errorf("Operation(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		op, result, want string
	}{
		{"SEAL_CREATE", "SUCCESS", "Sealed"},
		{"SEAL_CREATE", "FAILURE", "Seal failed"},
		{"SEAL_VERIFY", "FAILURE", "Verify failed"},
		{"SEAL_REJECT", "FAILURE", "Rejected"},
	}
	for _, tc := range cases {
		if got := Outcome(tc.op, tc.result); got != tc.want {
			t.Errorf("Outcome(%q, %q) = %q, want %q", tc.op, tc.result, got, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		code, want string
	}{
		{"ACCEPTED", "Accepted"},
		{"FLAGGED", "Flagged for review"},
		{"REJECTED", "Rejected"},
		{"PENDING", "PENDING"},
	}
	for _, tc := range cases {
		if got := Status(tc.code); got != tc.want {
			t.Errorf("Status(%q) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode("SEAL_INTEGRITY"); got != "Seal mismatch" {
		t.Errorf("got %q", got)
	}
	if got := ErrorCodeWithCode("LEDGER_WRITE"); got != "Audit write failed (LEDGER_WRITE)" {
		t.Errorf("got %q", got)
	}
	if got := ErrorCodeWithCode("NEW_CODE"); got != "NEW_CODE" {
		t.Errorf("got %q", got)
	}
}
