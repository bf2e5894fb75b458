package errors

import (
	"fmt"
	"testing"
)

func TestError_IsByCode(t *testing.T) {
	err := fmt.Errorf("gate: %w", WithMetadata(CodeSealViolation, "missing seal", map[string]string{"reason": "sealed flag is false"}))

	if !HasCode(err, CodeSealViolation) {
		t.Fatal("expected wrapped SealViolation to match by code")
	}
	if HasCode(err, CodeSealIntegrity) {
		t.Fatal("SealViolation must not match SealIntegrity")
	}
	if got := CodeOf(err); got != CodeSealViolation {
		t.Errorf("CodeOf = %q, want %q", got, CodeSealViolation)
	}
}

func TestError_MessageIncludesCause(t *testing.T) {
	err := Wrap(CodeDigest, "read payload", fmt.Errorf("disk gone"))
	if got, want := err.Error(), "read payload: disk gone"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Reason(t *testing.T) {
	withReason := WithMetadata(CodeSealIntegrity, "integrity mismatch", map[string]string{"reason": "digest mismatch"})
	if got := withReason.Reason(); got != "digest mismatch" {
		t.Errorf("Reason() = %q, want metadata reason", got)
	}
	plain := New(CodeNotFound, "case not found")
	if got := plain.Reason(); got != "case not found" {
		t.Errorf("Reason() = %q, want message fallback", got)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
}

func TestCode_Fatal(t *testing.T) {
	if !CodeLedgerWrite.Fatal() {
		t.Error("ledger write failures must be fatal")
	}
	for _, c := range []Code{CodeDigest, CodeSealViolation, CodeSealIntegrity, CodeInsufficientData} {
		if c.Fatal() {
			t.Errorf("%s should not be fatal", c)
		}
	}
}
