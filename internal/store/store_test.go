package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/seal"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return NewMemStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := Open(filepath.Join(t.TempDir(), "nested", "custody.db"))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func sealWith(t *testing.T, st Store, payload string, kind seal.Kind, geo *seal.Geo) *seal.Envelope {
	t.Helper()
	stamp := seal.StamperFunc(func(context.Context) (time.Time, *seal.Geo) {
		return time.Date(2026, 4, 5, 6, 7, 8, 123456789, time.UTC), geo
	})
	eng := seal.NewEngine(ledger.New(nil), seal.WithBlobs(st), seal.WithStamper(stamp), seal.WithInlineLimit(8))
	env, err := eng.SealBytes(context.Background(), []byte(payload), kind, "input:test")
	if err != nil {
		t.Fatalf("SealBytes: %v", err)
	}
	return env
}

func TestStore_AppendListLoad(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			geo := &seal.Geo{Lat: 52.5200066, Lon: 13.404954, AccuracyM: 4.5}
			small := sealWith(t, st, "tiny", seal.KindEvidence, nil)
			large := sealWith(t, st, "a payload larger than the inline limit", seal.KindEvidence, geo)

			for _, env := range []*seal.Envelope{small, large, small} {
				if err := st.Append(ctx, "case-1", env); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := st.Append(ctx, "case-2", small); err != nil {
				t.Fatalf("Append: %v", err)
			}

			got, err := st.List(ctx, "case-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []seal.Record{small.Record(), large.Record()}
			var gotRecs []seal.Record
			for _, env := range got {
				gotRecs = append(gotRecs, env.Record())
			}
			if diff := cmp.Diff(want, gotRecs); diff != "" {
				t.Errorf("List mismatch (-want +got):\n%s", diff)
			}
			for _, env := range got {
				if err := seal.Recompute(ctx, st, env); err != nil {
					t.Errorf("Recompute after reload: %v", err)
				}
			}

			rec, err := st.Load(ctx, "case-2")
			if err != nil || len(rec.Envelopes) != 1 {
				t.Fatalf("Load(case-2) = %+v, %v", rec, err)
			}
			if _, err := st.Load(ctx, "missing"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
				t.Errorf("Load(missing) = %v, want NotFound", err)
			}
			cases, err := st.Cases(ctx)
			if err != nil {
				t.Fatalf("Cases: %v", err)
			}
			if diff := cmp.Diff([]string{"case-1", "case-2"}, cases); diff != "" {
				t.Errorf("Cases mismatch:\n%s", diff)
			}
		})
	}
}

func TestStore_RefusesUnsealed(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			err := st.Append(context.Background(), "case-1", &seal.Envelope{})
			if !apperrors.HasCode(err, apperrors.CodeSealViolation) {
				t.Fatalf("Append(unsealed) = %v, want SealViolation", err)
			}
			if err := st.Append(context.Background(), "", sealWith(t, st, "x", seal.KindEvidence, nil)); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
				t.Fatalf("Append(no case) = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestStore_Blobs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			if _, err := st.GetBlob(ctx, "sha256:none"); !apperrors.HasCode(err, apperrors.CodeNotFound) {
				t.Fatalf("GetBlob(missing) = %v, want NotFound", err)
			}
			if err := st.PutBlob(ctx, "sha256:x", []byte("one")); err != nil {
				t.Fatal(err)
			}
			if err := st.PutBlob(ctx, "sha256:x", []byte("two")); err != nil {
				t.Fatal(err)
			}
			got, err := st.GetBlob(ctx, "sha256:x")
			if err != nil || string(got) != "two" {
				t.Fatalf("GetBlob = %q, %v", got, err)
			}
		})
	}
}

func TestStore_LedgerReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "custody.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l, err := ledger.Open(ctx, st)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if _, err := l.Append(ctx, ledger.OpSealCreate, "sha256:a", ledger.Success, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, ledger.OpSealReject, "sha256:a", ledger.Failure, "input: missing seal"); err != nil {
		t.Fatal(err)
	}
	head := l.Head()
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	reloaded, err := ledger.Open(ctx, st)
	if err != nil {
		t.Fatalf("ledger.Open after reopen: %v", err)
	}
	if reloaded.Head() != head || reloaded.Len() != 2 {
		t.Fatalf("reloaded head=%s len=%d, want %s len 2", reloaded.Head(), reloaded.Len(), head)
	}
	if diff := cmp.Diff(l.Snapshot(), reloaded.Snapshot()); diff != "" {
		t.Errorf("entries changed across reopen:\n%s", diff)
	}
	e, err := reloaded.Append(ctx, ledger.OpSealVerify, "sha256:b", ledger.Success, "")
	if err != nil {
		t.Fatal(err)
	}
	if e.PrevHash != head || e.Seq != 2 {
		t.Errorf("continued entry seq=%d prev=%s", e.Seq, e.PrevHash)
	}
}
