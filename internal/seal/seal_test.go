package seal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"testing/quick"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"

	"github.com/google/go-cmp/cmp"
)

var t1 = time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)

func fixedStamper(geo *Geo) Stamper {
	return StamperFunc(func(context.Context) (time.Time, *Geo) { return t1, geo })
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(nil)
	opts = append([]Option{WithStamper(fixedStamper(nil))}, opts...)
	return NewEngine(l, opts...), l
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, ledger.Operation, string, ledger.Result, string) (ledger.Entry, error) {
	return ledger.Entry{}, apperrors.New(apperrors.CodeLedgerWrite, "append audit entry")
}

func TestSealVerify_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)

	env, err := e.SealBytes(ctx, []byte("photo bytes"), KindEvidence, "input:camera")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	if !env.Sealed() {
		t.Fatal("envelope not sealed")
	}
	if err := e.Verify(ctx, env); err != nil {
		t.Fatalf("Verify after seal: %v", err)
	}

	entries := l.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(entries))
	}
	if entries[0].Operation != ledger.OpSealCreate || entries[0].SubjectDigest != env.ContentDigest() {
		t.Errorf("first entry = %+v, want SEAL_CREATE for %s", entries[0], env.ContentDigest())
	}
	if entries[1].Operation != ledger.OpSealVerify || entries[1].Result != ledger.Success {
		t.Errorf("second entry = %+v, want SEAL_VERIFY SUCCESS", entries[1])
	}
}

func TestSealVerify_PropertyAnyPayload(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, WithInlineLimit(16))
	f := func(payload []byte) bool {
		env, err := e.SealBytes(ctx, payload, KindEvidence, "input:quick")
		if err != nil {
			return false
		}
		return e.Verify(ctx, env) == nil
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("round-trip property failed: %v", err)
	}
}

func TestVerify_BlobMutationDetected(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemBlobs()
	e, l := newTestEngine(t, WithBlobs(blobs), WithInlineLimit(-1))

	payload := []byte("the original document body")
	env, err := e.SealBytes(ctx, payload, KindEvidence, "input:scanner")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	if env.PayloadRef() != BlobRef(env.ContentDigest()) {
		t.Fatalf("PayloadRef = %q, want blob reference", env.PayloadRef())
	}

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if err := blobs.PutBlob(ctx, env.ContentDigest(), mutated); err != nil {
			t.Fatalf("PutBlob: %v", err)
		}
		err := e.Verify(ctx, env)
		if !apperrors.HasCode(err, apperrors.CodeSealIntegrity) {
			t.Fatalf("byte %d mutated: Verify err = %v, want SealIntegrity", i, err)
		}
	}

	last := l.Snapshot()[l.Len()-1]
	if last.Operation != ledger.OpSealVerify || last.Result != ledger.Failure || last.Reason != "content digest mismatch" {
		t.Errorf("last entry = %+v, want SEAL_VERIFY FAILURE content digest mismatch", last)
	}
}

func TestVerify_MissingBlob(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, WithInlineLimit(-1))
	env, err := e.SealBytes(ctx, []byte("x"), KindEvidence, "input:x")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}

	other, _ := newTestEngine(t)
	err = other.Verify(ctx, env)
	ae, ok := apperrors.As(err)
	if !ok || ae.Code != apperrors.CodeSealIntegrity || ae.Reason() != "payload unavailable" {
		t.Fatalf("Verify err = %v, want SealIntegrity payload unavailable", err)
	}
}

func TestVerify_ForgedTimestamp(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	env, err := e.SealBytes(ctx, []byte("log line"), KindEvidence, "input:syslog")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}

	rec := env.Record()
	rec.CreatedAt = t1.Add(-time.Hour).Format(TimeFormat)
	forged, err := Restore(rec)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	ae, ok := apperrors.As(e.Verify(ctx, forged))
	if !ok || ae.Reason() != "custody signature mismatch" {
		t.Fatalf("Verify forged = %v, want custody signature mismatch", ae)
	}
}

func TestVerify_UnsealedIsViolation(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Verify(context.Background(), &Envelope{}); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Errorf("Verify(zero) = %v, want SealViolation", err)
	}
	if err := e.Verify(context.Background(), nil); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
		t.Errorf("Verify(nil) = %v, want SealViolation", err)
	}
}

func TestSealReader_DigestError(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)

	_, err := e.SealReader(ctx, failingReader{}, KindEvidence, "input:usb")
	if !apperrors.HasCode(err, apperrors.CodeDigest) {
		t.Fatalf("SealReader err = %v, want DigestError", err)
	}
	entries := l.Snapshot()
	if len(entries) != 1 || entries[0].Operation != ledger.OpSealCreate || entries[0].Result != ledger.Failure {
		t.Fatalf("ledger = %+v, want one SEAL_CREATE FAILURE", entries)
	}
}

func TestSealValue_DigestErrorOnUnmarshalable(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.SealValue(context.Background(), map[string]any{"ch": make(chan int)}, KindFinding, "analyzer")
	if !apperrors.HasCode(err, apperrors.CodeDigest) {
		t.Fatalf("err = %v, want DigestError", err)
	}
}

func TestSeal_LedgerFailurePropagates(t *testing.T) {
	e := NewEngine(failingRecorder{}, WithStamper(fixedStamper(nil)))
	_, err := e.SealBytes(context.Background(), []byte("x"), KindEvidence, "input:x")
	if !apperrors.HasCode(err, apperrors.CodeLedgerWrite) {
		t.Fatalf("err = %v, want LedgerWrite", err)
	}
}

func TestSeal_RejectsBadArguments(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.SealBytes(ctx, []byte("x"), Kind("memo"), "o"); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if _, err := e.SealBytes(ctx, []byte("x"), KindEvidence, ""); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Errorf("empty origin: err = %v", err)
	}
}

func TestSignature_CoversGeo(t *testing.T) {
	d := Digest([]byte("frame"))
	noGeo := Signature(d, t1, nil)
	withGeo := Signature(d, t1, &Geo{Lat: 59.3293, Lon: 18.0686, AccuracyM: 5})
	if noGeo == withGeo {
		t.Fatal("signature must change when geo is attached")
	}
	if Signature(d, t1, nil) != noGeo {
		t.Fatal("signature must be a pure function of its inputs")
	}
	if Signature(d, t1.In(time.FixedZone("CET", 3600)), nil) != noGeo {
		t.Fatal("signature must not depend on the time zone of created_at")
	}
}

func TestRecordRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	geo := &Geo{Lat: -33.8688, Lon: 151.2093, AccuracyM: 12.5}
	e, _ := newTestEngine(t, WithStamper(fixedStamper(geo)))

	env, err := e.SealValue(ctx, map[string]any{"claim": "c1", "label": "authentic"}, KindFinding, "analyzer:exif")
	if err != nil {
		t.Fatalf("SealValue: %v", err)
	}
	restored, err := Restore(env.Record())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(env.Record(), restored.Record()); diff != "" {
		t.Errorf("record mismatch after restore:\n%s", diff)
	}
	if err := e.Verify(ctx, restored); err != nil {
		t.Errorf("Verify restored: %v", err)
	}
}

func TestRestore_RejectsContradictions(t *testing.T) {
	good := Record{
		ContentDigest:    Digest([]byte("x")),
		CreatedAt:        t1.Format(TimeFormat),
		CustodySignature: "abc",
		Sealed:           true,
		PayloadRef:       InlineRef([]byte("x")),
		OriginTag:        "input:x",
		Kind:             KindEvidence,
	}
	cases := map[string]func(*Record){
		"unsealed":       func(r *Record) { r.Sealed = false },
		"no digest":      func(r *Record) { r.ContentDigest = "" },
		"no signature":   func(r *Record) { r.CustodySignature = "" },
		"unknown kind":   func(r *Record) { r.Kind = "memo" },
		"no payload ref": func(r *Record) { r.PayloadRef = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := good
			mutate(&rec)
			if _, err := Restore(rec); !apperrors.HasCode(err, apperrors.CodeSealViolation) {
				t.Errorf("Restore err = %v, want SealViolation", err)
			}
		})
	}
}

func TestEnvelope_GeoIsCopied(t *testing.T) {
	geo := &Geo{Lat: 1, Lon: 2, AccuracyM: 3}
	e, _ := newTestEngine(t, WithStamper(fixedStamper(geo)))
	env, err := e.SealBytes(context.Background(), []byte("x"), KindEvidence, "input:x")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	g := env.Geo()
	g.Lat = 99
	if env.Geo().Lat != 1 {
		t.Error("mutating the returned Geo changed the envelope")
	}
	if err := e.Verify(context.Background(), env); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestCanonicalJSON_StableAcrossEncodings(t *testing.T) {
	type finding struct {
		Label string  `json:"label"`
		Claim string  `json:"claim"`
		Score float64 `json:"score"`
	}
	a, err := CanonicalJSON(finding{Label: "<authentic>", Claim: "c1", Score: 0.9})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"score": 0.9, "claim": "c1", "label": "<authentic>"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical forms differ:\n%s\n%s", a, b)
	}
	if want := `{"claim":"c1","label":"<authentic>","score":0.9}`; string(a) != want {
		t.Errorf("CanonicalJSON = %s, want %s", a, want)
	}
}

func TestOpen_ReturnsPayload(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	env, err := e.SealBytes(ctx, []byte("payload"), KindEvidence, "input:x")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	before := l.Len()
	got, err := e.Open(ctx, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Open = %q", got)
	}
	if l.Len() != before {
		t.Error("Open must not audit")
	}
}
