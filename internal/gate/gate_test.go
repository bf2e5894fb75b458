package gate

import (
	"context"
	"testing"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/seal"

	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	ledger   *ledger.Ledger
	engine   *seal.Engine
	blobs    *seal.MemBlobs
	admitted *Admissions
	input    *Gate
	internal *Gate
	output   *Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(nil)
	blobs := seal.NewMemBlobs()
	stamp := seal.StamperFunc(func(context.Context) (time.Time, *seal.Geo) {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil
	})
	eng := seal.NewEngine(l, seal.WithBlobs(blobs), seal.WithStamper(stamp), seal.WithInlineLimit(-1))
	adm := NewAdmissions()
	return &fixture{
		ledger:   l,
		engine:   eng,
		blobs:    blobs,
		admitted: adm,
		input:    NewInput(l, eng),
		internal: NewInternal(l, eng, OriginSet{"exif", "ela", "consensus"}, adm),
		output:   NewOutput(l, eng, adm),
	}
}

func (f *fixture) seal(t *testing.T, payload string, kind seal.Kind, origin string) *seal.Envelope {
	t.Helper()
	env, err := f.engine.SealBytes(context.Background(), []byte(payload), kind, origin)
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	return env
}

func (f *fixture) ops(from int) []ledger.Operation {
	var out []ledger.Operation
	for _, e := range f.ledger.Since(uint64(from)) {
		out = append(out, e.Operation)
	}
	return out
}

func TestInputGate_AdmitsVerifiedEvidence(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, "evidence d1", seal.KindEvidence, "input:upload")
	mark := f.ledger.Len()

	tr := f.input.Present(context.Background(), env)
	if tr.Err != nil {
		t.Fatalf("Present: %v", tr.Err)
	}
	want := []State{StatePresented, StateValidated, StateAdmitted}
	if diff := cmp.Diff(want, tr.Path); diff != "" {
		t.Errorf("state path mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]ledger.Operation{ledger.OpSealVerify}, f.ops(mark)); diff != "" {
		t.Errorf("ledger ops mismatch:\n%s", diff)
	}
}

func TestInputGate_Idempotent(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, "evidence", seal.KindEvidence, "input:upload")
	before := env.Record()
	mark := f.ledger.Len()

	for i := 0; i < 2; i++ {
		if _, err := f.input.Admit(context.Background(), env); err != nil {
			t.Fatalf("Admit #%d: %v", i+1, err)
		}
	}

	entries := f.ledger.Since(uint64(mark))
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Operation != ledger.OpSealVerify || e.Result != ledger.Success {
			t.Errorf("entry = %s %s, want SEAL_VERIFY SUCCESS", e.Operation, e.Result)
		}
	}
	if entries[0].Hash == entries[1].Hash {
		t.Error("the two verify entries must be independent")
	}
	if diff := cmp.Diff(before, env.Record()); diff != "" {
		t.Errorf("envelope changed by admission:\n%s", diff)
	}
}

func TestInputGate_RejectionReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tampered := f.seal(t, "original", seal.KindEvidence, "input:upload")
	_ = f.blobs.PutBlob(ctx, tampered.ContentDigest(), []byte("altered"))

	finding := f.seal(t, `{"claim":"c1"}`, seal.KindFinding, "exif")

	cases := []struct {
		name   string
		env    *seal.Envelope
		code   apperrors.Code
		reason string
	}{
		{"missing seal", &seal.Envelope{}, apperrors.CodeSealViolation, "missing seal: sealed flag is false"},
		{"nil", nil, apperrors.CodeSealViolation, "no envelope presented"},
		{"integrity mismatch", tampered, apperrors.CodeSealIntegrity, "content digest mismatch"},
		{"not evidence", finding, apperrors.CodeSealViolation, "policy: finding envelope may not cross this gate (allowed: evidence)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.input.Admit(ctx, tc.env)
			ae, ok := apperrors.As(err)
			if !ok {
				t.Fatalf("Admit err = %v, want coded error", err)
			}
			if ae.Code != tc.code {
				t.Errorf("code = %s, want %s", ae.Code, tc.code)
			}
			if ae.Reason() != tc.reason {
				t.Errorf("reason = %q, want %q", ae.Reason(), tc.reason)
			}
			if ae.Metadata["gate"] != string(Input) {
				t.Errorf("gate metadata = %q", ae.Metadata["gate"])
			}
		})
	}
}

func TestInputGate_IntegrityFailureLogsVerifyAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.seal(t, "original", seal.KindEvidence, "input:upload")
	_ = f.blobs.PutBlob(ctx, env.ContentDigest(), []byte("altered"))
	mark := f.ledger.Len()

	if _, err := f.input.Admit(ctx, env); err == nil {
		t.Fatal("expected rejection")
	}
	want := []ledger.Operation{ledger.OpSealVerify, ledger.OpSealReject}
	if diff := cmp.Diff(want, f.ops(mark)); diff != "" {
		t.Errorf("ledger ops mismatch:\n%s", diff)
	}
}

func TestGate_RejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.seal(t, "original", seal.KindEvidence, "input:upload")
	_ = f.blobs.PutBlob(ctx, env.ContentDigest(), []byte("altered"))

	if _, err := f.input.Admit(ctx, env); err == nil {
		t.Fatal("expected rejection")
	}
	// Restoring the payload does not rehabilitate the rejected instance.
	_ = f.blobs.PutBlob(ctx, env.ContentDigest(), []byte("original"))
	mark := f.ledger.Len()

	_, err := f.input.Admit(ctx, env)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.CodeSealIntegrity {
		t.Fatalf("second Admit err = %v, want SealIntegrity", err)
	}
	if diff := cmp.Diff([]ledger.Operation{ledger.OpSealReject}, f.ops(mark)); diff != "" {
		t.Errorf("re-presentation must be logged as a rejection only:\n%s", diff)
	}
}

func TestInternalGate_OriginMustBeRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	known := f.seal(t, `{"claim":"c1","v":"authentic"}`, seal.KindFinding, "exif")
	if _, err := f.internal.Admit(ctx, known); err != nil {
		t.Fatalf("Admit registered origin: %v", err)
	}
	if !f.admitted.Admitted(known) {
		t.Error("internal admission not tracked")
	}

	forged := f.seal(t, `{"claim":"c1","v":"authentic"}`, seal.KindFinding, "mallory")
	_, err := f.internal.Admit(ctx, forged)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.CodeSealViolation || ae.Reason() != `unknown origin "mallory"` {
		t.Fatalf("Admit forged origin err = %v", err)
	}
	if f.admitted.Admitted(forged) {
		t.Error("rejected envelope must not be tracked as admitted")
	}
}

func TestInternalGate_RejectsEvidence(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, "raw", seal.KindEvidence, "exif")
	if _, err := f.internal.Admit(context.Background(), env); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Fatalf("err = %v, want SealViolation", err)
	}
}

func TestOutputGate_UnsealedRejectedWithSingleEntry(t *testing.T) {
	f := newFixture(t)
	mark := f.ledger.Len()

	_, err := f.output.Admit(context.Background(), &seal.Envelope{})
	if !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Fatalf("err = %v, want SealViolation", err)
	}
	entries := f.ledger.Since(uint64(mark))
	if len(entries) != 1 {
		t.Fatalf("got %d ledger entries, want exactly 1", len(entries))
	}
	if entries[0].Operation != ledger.OpSealReject || entries[0].Result != ledger.Failure {
		t.Errorf("entry = %s %s, want SEAL_REJECT FAILURE", entries[0].Operation, entries[0].Result)
	}
}

func TestOutputGate_RawEvidenceAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.seal(t, "raw", seal.KindEvidence, "input:upload")
	if _, err := f.input.Admit(ctx, env); err != nil {
		t.Fatalf("input Admit: %v", err)
	}
	_, err := f.output.Admit(ctx, env)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.CodeSealViolation {
		t.Fatalf("err = %v, want SealViolation", err)
	}
	if ae.Metadata["gate"] != string(Output) {
		t.Errorf("gate = %q, want output", ae.Metadata["gate"])
	}
}

func TestOutputGate_RequiresInternalAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	direct := f.seal(t, `{"claim":"c1"}`, seal.KindVerdict, "consensus")
	if _, err := f.output.Admit(ctx, direct); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Fatalf("unadmitted verdict: err = %v, want SealViolation", err)
	}

	routed := f.seal(t, `{"claim":"c2"}`, seal.KindVerdict, "consensus")
	if _, err := f.internal.Admit(ctx, routed); err != nil {
		t.Fatalf("internal Admit: %v", err)
	}
	if _, err := f.output.Admit(ctx, routed); err != nil {
		t.Fatalf("output Admit after internal admission: %v", err)
	}
}

func TestOutputGate_TamperAfterInternalAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.seal(t, `{"claim":"c1"}`, seal.KindFinding, "ela")
	if _, err := f.internal.Admit(ctx, env); err != nil {
		t.Fatalf("internal Admit: %v", err)
	}
	_ = f.blobs.PutBlob(ctx, env.ContentDigest(), []byte(`{"claim":"c9"}`))
	if _, err := f.output.Admit(ctx, env); !apperrors.HasCode(err, apperrors.CodeSealIntegrity) {
		t.Fatalf("err = %v, want SealIntegrity", err)
	}
}

func TestOutputGate_SharedSignatureDifferentOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	known := f.seal(t, `{"claim":"c1"}`, seal.KindFinding, "exif")
	if _, err := f.internal.Admit(ctx, known); err != nil {
		t.Fatalf("internal Admit: %v", err)
	}
	forged := f.seal(t, `{"claim":"c1"}`, seal.KindFinding, "mallory")
	if forged.CustodySignature() != known.CustodySignature() {
		t.Fatal("fixture clock should give both envelopes the same signature")
	}
	if _, err := f.internal.Admit(ctx, forged); err == nil {
		t.Fatal("internal gate admitted an unknown origin")
	}
	if _, err := f.output.Admit(ctx, forged); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Fatalf("output Admit forged: err = %v, want SealViolation", err)
	}
	if _, err := f.output.Admit(ctx, known); err != nil {
		t.Fatalf("output Admit known: %v", err)
	}
}

func TestOutputGate_RejectedCopyDoesNotBlockOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	verdict := f.seal(t, `{"claim":"c1"}`, seal.KindVerdict, "consensus")
	if _, err := f.internal.Admit(ctx, verdict); err != nil {
		t.Fatalf("internal Admit: %v", err)
	}
	rec := verdict.Record()
	rec.Kind = seal.KindEvidence
	relabelled, err := seal.Restore(rec)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := f.output.Admit(ctx, relabelled); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Fatalf("output Admit relabelled: err = %v, want SealViolation", err)
	}
	if _, err := f.output.Admit(ctx, verdict); err != nil {
		t.Fatalf("output Admit verdict after rejected copy: %v", err)
	}
}

type brokenRecorder struct{}

func (brokenRecorder) Append(context.Context, ledger.Operation, string, ledger.Result, string) (ledger.Entry, error) {
	return ledger.Entry{}, apperrors.New(apperrors.CodeLedgerWrite, "append audit entry")
}

func TestGate_LedgerFailureSurfaces(t *testing.T) {
	g := New(Output, brokenRecorder{}, nil, RequireSealed())
	tr := g.Present(context.Background(), &seal.Envelope{})
	if !apperrors.HasCode(tr.Err, apperrors.CodeLedgerWrite) {
		t.Fatalf("err = %v, want LedgerWrite", tr.Err)
	}
	if tr.State() != StateRejected {
		t.Errorf("state = %s, want REJECTED", tr.State())
	}
}

func TestState_Terminal(t *testing.T) {
	for s, want := range map[State]bool{
		StatePresented: false,
		StateValidated: false,
		StateAdmitted:  true,
		StateRejected:  true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
