package analyzer

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "custody/internal/errors"
	"custody/internal/logging"
	"custody/internal/seal"
)

// Sealer seals a finding payload. *seal.Engine satisfies it.
type Sealer interface {
	SealValue(ctx context.Context, v any, kind seal.Kind, origin string) (*seal.Envelope, error)
}

// Admitter is the internal gate. *gate.Gate satisfies it.
type Admitter interface {
	Admit(ctx context.Context, env *seal.Envelope) (*seal.Envelope, error)
}

// Report is what one analyzer produced during a run. Err is set when the
// analyzer failed, timed out or panicked; Findings then holds nothing.
// Rejected lists findings that were dropped by validation or the gate.
type Report struct {
	AnalyzerID string
	Findings   []Sealed
	Rejected   []error
	Err        error
	Elapsed    time.Duration
}

// Fatal returns the first error in the report that must abort the run.
func (r Report) Fatal() error {
	if apperrors.CodeOf(r.Err).Fatal() {
		return r.Err
	}
	for _, err := range r.Rejected {
		if apperrors.CodeOf(err).Fatal() {
			return err
		}
	}
	return nil
}

// Runner invokes every registered analyzer over the same admitted evidence.
type Runner struct {
	registry *Registry
	sealer   Sealer
	gate     Admitter
	parallel int
	timeout  time.Duration
	tracer   trace.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParallel bounds the number of analyzers running at once. n <= 0 means
// no bound.
func WithParallel(n int) RunnerOption { return func(r *Runner) { r.parallel = n } }

// WithTimeout bounds each analyzer's Analyze call.
func WithTimeout(d time.Duration) RunnerOption { return func(r *Runner) { r.timeout = d } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) RunnerOption { return func(r *Runner) { r.tracer = t } }

// NewRunner returns a runner over reg that seals findings with s and presents
// them to the internal gate g.
func NewRunner(reg *Registry, s Sealer, g Admitter, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: reg,
		sealer:   s,
		gate:     g,
		tracer:   otel.Tracer("custody/analyzer"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts every analyzer and returns a channel that yields one Report per
// analyzer in completion order. The channel is closed once all analyzers have
// returned. Cancelling ctx cancels analyzers still running; their reports
// carry the context error.
func (r *Runner) Run(ctx context.Context, evidence []*seal.Envelope) <-chan Report {
	analyzers := r.registry.Analyzers()
	out := make(chan Report, len(analyzers))

	g, gctx := errgroup.WithContext(ctx)
	if r.parallel > 0 {
		g.SetLimit(r.parallel)
	}
	go func() {
		defer close(out)
		for _, a := range analyzers {
			a := a
			g.Go(func() error {
				out <- r.runOne(gctx, a, evidence)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// RunAll is Run collected into a slice.
func (r *Runner) RunAll(ctx context.Context, evidence []*seal.Envelope) []Report {
	var reports []Report
	for rep := range r.Run(ctx, evidence) {
		reports = append(reports, rep)
	}
	return reports
}

func (r *Runner) runOne(ctx context.Context, a Analyzer, evidence []*seal.Envelope) Report {
	id := a.ID()
	logger := logging.New("analyzer").With("analyzer", id)
	ctx, span := r.tracer.Start(ctx, "analyzer.run", trace.WithAttributes(attribute.String("analyzer.id", id)))
	defer span.End()

	start := time.Now()
	rep := Report{AnalyzerID: id}

	if err := ctx.Err(); err != nil {
		rep.Err = err
		return rep
	}
	actx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	findings, err := invoke(actx, a, append([]*seal.Envelope(nil), evidence...))
	rep.Elapsed = time.Since(start)
	if err == nil && actx.Err() != nil {
		err = actx.Err()
	}
	if err != nil {
		rep.Err = fmt.Errorf("analyzer %s: %w", id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("analyzer failed", "error", err, "elapsed", rep.Elapsed)
		return rep
	}

	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			rep.Err, rep.Findings = err, nil
			return rep
		}
		if f.AnalyzerID != "" && f.AnalyzerID != id {
			rep.Rejected = append(rep.Rejected, apperrors.New(apperrors.CodeInvalidArgument,
				fmt.Sprintf("analyzer %s reported a finding as %q", id, f.AnalyzerID)))
			continue
		}
		f.AnalyzerID = id
		if err := f.Validate(); err != nil {
			rep.Rejected = append(rep.Rejected, err)
			continue
		}
		env, err := r.sealer.SealValue(ctx, f, seal.KindFinding, id)
		if err != nil {
			rep.Rejected = append(rep.Rejected, err)
			if apperrors.CodeOf(err).Fatal() {
				break
			}
			continue
		}
		admitted, err := r.gate.Admit(ctx, env)
		if err != nil {
			rep.Rejected = append(rep.Rejected, err)
			if apperrors.CodeOf(err).Fatal() {
				break
			}
			continue
		}
		rep.Findings = append(rep.Findings, Sealed{Finding: f, Envelope: admitted})
	}
	span.SetAttributes(
		attribute.Int("analyzer.findings", len(rep.Findings)),
		attribute.Int("analyzer.rejected", len(rep.Rejected)),
	)
	logger.Debug("analyzer done", "findings", len(rep.Findings), "rejected", len(rep.Rejected), "elapsed", rep.Elapsed)
	return rep
}

func invoke(ctx context.Context, a Analyzer, evidence []*seal.Envelope) (findings []Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.New("analyzer").Error("analyzer panicked", "analyzer", a.ID(), "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return a.Analyze(ctx, evidence)
}
