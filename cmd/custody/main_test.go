package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the CLI in-process against a fresh command tree.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	if err != nil {
		t.Logf("stderr:\n%s", errOut.String())
	}
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "custody.db")
}

func TestRun_FlaggedScenarioThenVerifyAndExport(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--db", db, "--log-level", "error", "run", "flagged", "--brief")
	if err != nil {
		t.Fatalf("run flagged: %v\n%s", err, out)
	}
	for _, want := range []string{"FLAGGED", "2/3", "# Case d1", "## Verdicts"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--db", db, "--log-level", "error", "ledger", "verify")
	if err != nil || !strings.Contains(out, "ledger OK") {
		t.Fatalf("ledger verify: %v\n%s", err, out)
	}

	out, err = execute(t, "--db", db, "--log-level", "error", "case", "list")
	if err != nil || !strings.Contains(out, "d1") {
		t.Fatalf("case list: %v\n%s", err, out)
	}

	bundle := filepath.Join(t.TempDir(), "d1.jsonl")
	if _, err := execute(t, "--db", db, "--log-level", "error", "export", "d1", "-o", bundle); err != nil {
		t.Fatalf("export: %v", err)
	}
	out, err = execute(t, "--log-level", "error", "verify-export", bundle)
	if err != nil || !strings.Contains(out, "bundle OK") {
		t.Fatalf("verify-export: %v\n%s", err, out)
	}
}

func TestVerifyExport_DetectsTampering(t *testing.T) {
	db := tempDB(t)
	if _, err := execute(t, "--db", db, "--log-level", "error", "run", "flagged"); err != nil {
		t.Fatal(err)
	}
	bundle := filepath.Join(t.TempDir(), "d1.jsonl")
	if _, err := execute(t, "--db", db, "--log-level", "error", "export", "d1", "-o", bundle); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(bundle)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"result":"SUCCESS"`, `"result":"FAILURE"`, 1)
	if tampered == string(data) {
		t.Fatal("bundle has no audit entry to tamper with")
	}
	if err := os.WriteFile(bundle, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--log-level", "error", "verify-export", bundle)
	if err == nil {
		t.Fatalf("verify-export accepted a tampered bundle:\n%s", out)
	}
	if !strings.Contains(out, "entry_hash mismatch") {
		t.Errorf("output does not name the problem:\n%s", out)
	}
}

func TestRun_DegradedScenarioHonoursConsensusTimeout(t *testing.T) {
	t.Setenv("CUSTODY_CONSENSUS_TIMEOUT", "200ms")
	out, err := execute(t, "--db", tempDB(t), "--log-level", "error", "run", "degraded")
	if err != nil {
		t.Fatalf("run degraded: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Consensus timeout reached") || !strings.Contains(out, "FLAGGED") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRun_UnexpectedVerdictFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strict.yaml")
	yaml := `name: strict
case_id: s1
evidence:
  - name: photo
    text: "bytes"
analyzers:
  - id: a
    findings:
      - {claim: c1, label: genuine, confidence: 1}
  - id: b
    findings:
      - {claim: c1, label: forged, confidence: 1}
expect:
  c1: ACCEPTED
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "--db", tempDB(t), "--log-level", "error", "run", path)
	if err == nil || !strings.Contains(err.Error(), "c1: got FLAGGED, want ACCEPTED") {
		t.Fatalf("run = %v, want expectation mismatch", err)
	}
	if _, err := execute(t, "--db", tempDB(t), "--log-level", "error", "run", path, "--no-check"); err != nil {
		t.Fatalf("run --no-check: %v", err)
	}
}

func TestRun_List(t *testing.T) {
	out, err := execute(t, "--log-level", "error", "run", "--list")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"degraded", "flagged", "unanimous"} {
		if !strings.Contains(out, name) {
			t.Errorf("--list missing %s:\n%s", name, out)
		}
	}
}

func TestSealAndShow(t *testing.T) {
	db := tempDB(t)
	file := filepath.Join(t.TempDir(), "scan.txt")
	if err := os.WriteFile(file, []byte("scanned receipt"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--db", db, "--log-level", "error", "seal", "--case", "r1", file)
	if err != nil {
		t.Fatalf("seal: %v\n%s", err, out)
	}
	if !strings.Contains(out, "input:scan.txt") {
		t.Errorf("seal output missing origin:\n%s", out)
	}

	out, err = execute(t, "--db", db, "--log-level", "error", "--output", "json", "case", "show", "r1")
	if err != nil {
		t.Fatalf("case show: %v", err)
	}
	if !strings.Contains(out, `"kind": "evidence"`) || !strings.Contains(out, `"sealed": true`) {
		t.Errorf("case show json:\n%s", out)
	}

	if _, err := execute(t, "--db", db, "--log-level", "error", "case", "show", "missing"); err == nil {
		t.Error("case show of an unknown case succeeded")
	}
}

func TestSeal_RequiresCase(t *testing.T) {
	if _, err := execute(t, "--db", tempDB(t), "seal", "x"); err == nil {
		t.Fatal("seal without --case succeeded")
	}
}
