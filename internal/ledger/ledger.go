package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/logging"
)

// Sink durably stores entries. AppendEntry must not return before the entry
// survives a crash.
type Sink interface {
	AppendEntry(ctx context.Context, e Entry) error
}

// Source returns previously persisted entries in sequence order.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Store is a Sink that can also replay what it holds.
type Store interface {
	Sink
	Source
}

// Ledger is the single logical append point. Appends are serialized and the
// durable write happens under the same lock, so no entry is visible before
// its predecessor.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	sink    Sink
	now     func() time.Time
}

// New returns an empty ledger. A nil sink keeps entries in memory only.
func New(sink Sink) *Ledger {
	return &Ledger{
		sink: sink,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Open replays the entries held by st, verifies the chain, and returns a
// ledger that continues appending after the last stored entry.
func Open(ctx context.Context, st Store) (*Ledger, error) {
	stored, err := st.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	if rep := VerifyChain(stored); !rep.OK {
		return nil, apperrors.WithMetadata(apperrors.CodeSealIntegrity,
			"stored audit chain is broken",
			map[string]string{"reason": rep.Reason, "broken_at": fmt.Sprintf("%d", rep.BrokenAt)})
	}
	l := New(st)
	l.entries = stored
	logging.New("ledger").Debug("ledger opened", "entries", len(stored), "head", l.Head())
	return l, nil
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append links a new entry to the head of the chain. Reason must be set iff
// result is Failure. A sink failure is returned as CodeLedgerWrite and the
// entry is not committed.
func (l *Ledger) Append(ctx context.Context, op Operation, subject string, result Result, reason string) (Entry, error) {
	if !op.valid() {
		return Entry{}, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown ledger operation %q", op))
	}
	switch result {
	case Success:
		if reason != "" {
			return Entry{}, apperrors.New(apperrors.CodeInvalidArgument, "reason must be empty for SUCCESS entries")
		}
	case Failure:
		if reason == "" {
			return Entry{}, apperrors.New(apperrors.CodeInvalidArgument, "reason is required for FAILURE entries")
		}
	default:
		return Entry{}, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown ledger result %q", result))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:           uint64(len(l.entries)),
		Operation:     op,
		Timestamp:     l.now().UTC(),
		SubjectDigest: subject,
		Result:        result,
		Reason:        reason,
		PrevHash:      l.headLocked(),
	}
	e.Hash = ComputeHash(e)

	if l.sink != nil {
		if err := l.sink.AppendEntry(ctx, e); err != nil {
			logging.New("ledger").Error("audit append failed", "seq", e.Seq, "operation", op, "error", err)
			return Entry{}, apperrors.Wrap(apperrors.CodeLedgerWrite, "append audit entry", err)
		}
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// Snapshot returns a copy of every committed entry.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the hash of the last entry, or GenesisHash when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headLocked()
}

func (l *Ledger) headLocked() string {
	if len(l.entries) == 0 {
		return GenesisHash
	}
	return l.entries[len(l.entries)-1].Hash
}

// Since returns committed entries with Seq >= seq.
func (l *Ledger) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

// Verify checks the current snapshot.
func (l *Ledger) Verify() Report {
	return VerifyChain(l.Snapshot())
}
