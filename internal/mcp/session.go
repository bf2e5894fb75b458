package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"custody/internal/logging"
	"custody/internal/pipeline"
)

// SessionState tracks the lifecycle of a run session.
type SessionState string

const (
	StateRunning   SessionState = "running"
	StateDone      SessionState = "done"
	StateError     SessionState = "error"
	StateCancelled SessionState = "cancelled"
)

// Signal is one event on a session's bus.
type Signal struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	CaseID    string            `json:"case_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// SignalBus is a thread-safe, append-only event log.
type SignalBus struct {
	mu      sync.Mutex
	signals []Signal
}

func (b *SignalBus) Emit(event, caseID string, meta map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, Signal{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     event,
		CaseID:    caseID,
		Meta:      meta,
	})
}

// Since returns the signals from idx onward. A negative idx is clamped to 0.
func (b *SignalBus) Since(idx int) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.signals) {
		return nil
	}
	out := make([]Signal, len(b.signals)-idx)
	copy(out, b.signals[idx:])
	return out
}

func (b *SignalBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signals)
}

// Runner runs one case. *pipeline.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, caseID string) (*pipeline.Report, error)
}

// Session is one asynchronous pipeline run driven by MCP tool calls.
type Session struct {
	ID     string
	CaseID string
	Bus    *SignalBus

	mu     sync.Mutex
	state  SessionState
	report *pipeline.Report
	err    error
	doneCh chan struct{}
	cancel context.CancelFunc
}

// NewSession starts r.Run for caseID in the background and returns
// immediately. The run is detached from ctx so it outlives the tool call
// that started it; Cancel stops it.
func NewSession(r Runner, caseID string) *Session {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     uuid.NewString(),
		CaseID: caseID,
		Bus:    &SignalBus{},
		state:  StateRunning,
		doneCh: make(chan struct{}),
		cancel: cancel,
	}
	s.Bus.Emit("run_started", caseID, map[string]string{"session_id": s.ID})
	go s.run(runCtx, r)
	return s
}

func (s *Session) run(ctx context.Context, r Runner) {
	defer close(s.doneCh)
	defer s.cancel()
	logger := logging.New("mcp-session").With("session", s.ID, "case", s.CaseID)

	rep, err := r.Run(ctx, s.CaseID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = rep
	switch {
	case err != nil && ctx.Err() != nil:
		s.state = StateCancelled
		s.err = err
		s.Bus.Emit("run_cancelled", s.CaseID, nil)
		logger.Info("run cancelled")
	case err != nil:
		s.state = StateError
		s.err = err
		s.Bus.Emit("run_error", s.CaseID, map[string]string{"error": err.Error()})
		logger.Warn("run failed", "error", err)
	default:
		s.state = StateDone
		s.Bus.Emit("run_done", s.CaseID, map[string]string{
			"verdicts":  fmt.Sprintf("%d", len(rep.Verdicts)),
			"timed_out": fmt.Sprintf("%t", rep.TimedOut),
		})
		logger.Info("run complete", "verdicts", len(rep.Verdicts))
	}
}

// GetState returns the current session state.
func (s *Session) GetState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the run. Ledger entries it already appended are kept.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until the run finishes, ctx is done or timeout elapses, and
// reports whether the run finished.
func (s *Session) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.doneCh:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Report returns the run report, or nil while running.
func (s *Session) Report() *pipeline.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Err returns the error the run ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel that closes when the run ends.
func (s *Session) Done() <-chan struct{} { return s.doneCh }
