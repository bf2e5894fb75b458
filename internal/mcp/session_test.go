package mcp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	mcpserver "custody/internal/mcp"
	"custody/internal/pipeline"
)

type runnerFunc func(ctx context.Context, caseID string) (*pipeline.Report, error)

func (f runnerFunc) Run(ctx context.Context, caseID string) (*pipeline.Report, error) {
	return f(ctx, caseID)
}

func TestSession_States(t *testing.T) {
	tests := []struct {
		name   string
		run    runnerFunc
		cancel bool
		want   mcpserver.SessionState
		event  string
	}{
		{
			name: "done",
			run: func(_ context.Context, caseID string) (*pipeline.Report, error) {
				return &pipeline.Report{CaseID: caseID}, nil
			},
			want:  mcpserver.StateDone,
			event: "run_done",
		},
		{
			name: "error",
			run: func(context.Context, string) (*pipeline.Report, error) {
				return nil, errors.New("no evidence")
			},
			want:  mcpserver.StateError,
			event: "run_error",
		},
		{
			name: "cancelled",
			run: func(ctx context.Context, _ string) (*pipeline.Report, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			cancel: true,
			want:   mcpserver.StateCancelled,
			event:  "run_cancelled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := mcpserver.NewSession(tt.run, "d1")
			if tt.cancel {
				sess.Cancel()
			}
			if !sess.Wait(context.Background(), 5*time.Second) {
				t.Fatal("session did not finish")
			}
			if got := sess.GetState(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
			signals := sess.Bus.Since(0)
			if len(signals) != 2 || signals[0].Event != "run_started" || signals[1].Event != tt.event {
				t.Errorf("signals = %+v", signals)
			}
		})
	}
}

func TestSignalBus_Since(t *testing.T) {
	var b mcpserver.SignalBus
	for _, ev := range []string{"a", "b", "c"} {
		b.Emit(ev, "d1", nil)
	}
	tests := []struct {
		since int
		want  int
	}{
		{-1, 3},
		{0, 3},
		{2, 1},
		{3, 0},
		{10, 0},
	}
	for _, tt := range tests {
		if got := len(b.Since(tt.since)); got != tt.want {
			t.Errorf("Since(%d) = %d signals, want %d", tt.since, got, tt.want)
		}
	}
}
