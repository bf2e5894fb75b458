// Package pipeline owns a case's chain of custody end to end: it seals raw
// evidence, admits it through the input gate, runs every analyzer, reconciles
// their findings and records the sealed verdicts. Nothing outside the
// Coordinator mutates the ledger or a case record.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	apperrors "custody/internal/errors"
	"custody/internal/gate"
	"custody/internal/ledger"
	"custody/internal/logging"
	"custody/internal/seal"
	"custody/internal/store"
	"custody/internal/transmit"
)

// Options configures a Coordinator.
type Options struct {
	InlineLimit      int
	Parallel         int
	AnalyzerTimeout  time.Duration
	ConsensusTimeout time.Duration
	ScoreTolerance   float64
	Stamper          seal.Stamper
	// Transmitter receives Output-gate-admitted summaries. Defaults to an
	// in-memory transmit.Recorder.
	Transmitter transmit.Transmitter
	Tracer      trace.Tracer
	Clock       func() time.Time
}

// DefaultOptions returns Options with the built-in defaults.
func DefaultOptions() Options {
	return Options{
		InlineLimit:      seal.DefaultInlineLimit,
		Parallel:         4,
		AnalyzerTimeout:  10 * time.Second,
		ConsensusTimeout: 30 * time.Second,
		ScoreTolerance:   consensus.DefaultTolerance,
	}
}

// Coordinator drives cases through the pipeline.
type Coordinator struct {
	store      store.Store
	ledger     *ledger.Ledger
	engine     *seal.Engine
	registry   *analyzer.Registry
	admitted   *gate.Admissions
	input      *gate.Gate
	internal   *gate.Gate
	output     *gate.Gate
	runner     *analyzer.Runner
	aggregator *consensus.Aggregator
	channel    *transmit.Channel
	tx         transmit.Transmitter
	timeout    time.Duration
	tracer     trace.Tracer
	now        func() time.Time
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// New opens the ledger held by st (verifying the stored chain) and wires the
// gates, runner and aggregator around it. reg must not register the
// consensus origin.
func New(ctx context.Context, st store.Store, reg *analyzer.Registry, opts Options) (*Coordinator, error) {
	if reg.Known(consensus.Origin) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("analyzer ID %q is reserved", consensus.Origin))
	}
	l, err := ledger.Open(ctx, st)
	if err != nil {
		return nil, err
	}

	engineOpts := []seal.Option{seal.WithBlobs(st), seal.WithInlineLimit(opts.InlineLimit)}
	if opts.Stamper != nil {
		engineOpts = append(engineOpts, seal.WithStamper(opts.Stamper))
	}
	eng := seal.NewEngine(l, engineOpts...)

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("custody/pipeline")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	tx := opts.Transmitter
	if tx == nil {
		tx = &transmit.Recorder{}
	}
	timeout := opts.ConsensusTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().ConsensusTimeout
	}

	adm := gate.NewAdmissions()
	origins := gate.AnyOrigin{reg, gate.OriginSet{consensus.Origin}}
	internal := gate.NewInternal(l, eng, origins, adm)
	output := gate.NewOutput(l, eng, adm)
	agg := consensus.NewAggregator(opts.ScoreTolerance)
	agg.SetClock(now)

	return &Coordinator{
		store:    st,
		ledger:   l,
		engine:   eng,
		registry: reg,
		admitted: adm,
		input:    gate.NewInput(l, eng),
		internal: internal,
		output:   output,
		runner: analyzer.NewRunner(reg, eng, internal,
			analyzer.WithParallel(opts.Parallel),
			analyzer.WithTimeout(opts.AnalyzerTimeout),
			analyzer.WithTracer(tracer)),
		aggregator: agg,
		channel:    transmit.NewChannel(output, eng, tx),
		tx:         tx,
		timeout:    timeout,
		tracer:     tracer,
		now:        now,
		logger:     logging.New("pipeline"),
		runs:       make(map[string]context.CancelFunc),
	}, nil
}

// Ledger returns the audit ledger. Callers may read it; only the
// Coordinator appends.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Engine returns the seal engine used for every envelope.
func (c *Coordinator) Engine() *seal.Engine { return c.engine }

// Store returns the case store.
func (c *Coordinator) Store() store.Store { return c.store }

// Transmitter returns the transmitter behind the output channel.
func (c *Coordinator) Transmitter() transmit.Transmitter { return c.tx }

// Ingest seals raw evidence read from r, presents it to the input gate and
// appends it to caseID. A DigestError is returned when r cannot be read.
func (c *Coordinator) Ingest(ctx context.Context, caseID string, r io.Reader, origin string) (*seal.Envelope, error) {
	if caseID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "case ID is required")
	}
	env, err := c.engine.SealReader(ctx, r, seal.KindEvidence, origin)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, caseID, env)
}

// IngestBytes is Ingest over an in-memory payload.
func (c *Coordinator) IngestBytes(ctx context.Context, caseID string, payload []byte, origin string) (*seal.Envelope, error) {
	return c.Ingest(ctx, caseID, bytes.NewReader(payload), origin)
}

// Submit presents an already sealed evidence envelope (restored from a flat
// record, for instance) to the input gate and appends it to caseID.
func (c *Coordinator) Submit(ctx context.Context, caseID string, env *seal.Envelope) (*seal.Envelope, error) {
	admitted, err := c.input.Admit(ctx, env)
	if err != nil {
		c.logger.Warn("evidence rejected", "case", caseID, "digest", env.ContentDigest(), "error", err)
		return nil, err
	}
	if err := c.store.Append(ctx, caseID, admitted); err != nil {
		return nil, fmt.Errorf("append evidence to %s: %w", caseID, err)
	}
	c.logger.Info("evidence admitted", "case", caseID, "digest", admitted.ContentDigest(), "origin", admitted.OriginTag())
	return admitted, nil
}

// Cancel stops caseID's active run, if any. Ledger entries already appended
// are kept.
func (c *Coordinator) Cancel(caseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.runs[caseID]
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether caseID has a run in progress.
func (c *Coordinator) Active(caseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[caseID]
	return ok
}

func (c *Coordinator) begin(ctx context.Context, caseID string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.runs[caseID]; busy {
		return nil, nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("case %s already has a run in progress", caseID))
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runs[caseID] = cancel
	return runCtx, func() {
		c.mu.Lock()
		delete(c.runs, caseID)
		c.mu.Unlock()
		cancel()
	}, nil
}

// VerifyLedger recomputes the whole audit chain.
func (c *Coordinator) VerifyLedger() ledger.Report { return c.ledger.Verify() }

// Close closes the store.
func (c *Coordinator) Close() error { return c.store.Close() }
