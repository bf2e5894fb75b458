package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	apperrors "custody/internal/errors"
	"custody/internal/seal"
)

// Rejection is an envelope a gate refused during a run.
type Rejection struct {
	Digest string `json:"digest"`
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// AnalyzerResult summarises one analyzer's contribution to a run.
type AnalyzerResult struct {
	ID       string        `json:"id"`
	Findings int           `json:"findings"`
	Rejected int           `json:"rejected"`
	Error    string        `json:"error,omitempty"`
	Late     bool          `json:"late,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// SealedVerdict pairs a verdict with its admitted envelope.
type SealedVerdict struct {
	Verdict  consensus.Verdict `json:"verdict"`
	Digest   string            `json:"digest"`
	Envelope *seal.Envelope    `json:"-"`
}

// Report is the outcome of one run.
type Report struct {
	RunID      string           `json:"run_id"`
	CaseID     string           `json:"case_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Evidence   int              `json:"evidence"`
	Rejections []Rejection      `json:"rejections,omitempty"`
	Analyzers  []AnalyzerResult `json:"analyzers"`
	Verdicts   []SealedVerdict  `json:"verdicts"`
	// Undecided lists claims that had no usable finding when consensus ran.
	Undecided []string `json:"undecided,omitempty"`
	TimedOut  bool     `json:"timed_out,omitempty"`
}

// Verdict returns the verdict for claimID, if the run reached one.
func (r *Report) Verdict(claimID string) (consensus.Verdict, bool) {
	for _, v := range r.Verdicts {
		if v.Verdict.ClaimID == claimID {
			return v.Verdict, true
		}
	}
	return consensus.Verdict{}, false
}

func rejection(env *seal.Envelope, err error) Rejection {
	r := Rejection{Digest: env.ContentDigest(), Reason: err.Error(), Code: string(apperrors.CodeOf(err))}
	if ae, ok := apperrors.As(err); ok {
		r.Reason = ae.Reason()
	}
	return r
}

// Run re-admits caseID's evidence through the input gate, runs every
// analyzer over it and reconciles each claim as soon as every analyzer
// addressing it has reported. Claims still waiting when the consensus
// timeout fires are reconciled with what arrived; late analyzers are
// cancelled and ignored. A ledger write failure aborts the run.
func (c *Coordinator) Run(ctx context.Context, caseID string) (*Report, error) {
	runCtx, done, err := c.begin(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer done()

	rep := &Report{RunID: uuid.NewString(), CaseID: caseID, StartedAt: c.now().UTC()}
	runCtx, span := c.tracer.Start(runCtx, "pipeline.run", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("run.id", rep.RunID),
	))
	defer span.End()
	logger := c.logger.With("case", caseID, "run", rep.RunID)

	err = c.run(runCtx, rep)
	rep.FinishedAt = c.now().UTC()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("run aborted", "error", err)
		return rep, err
	}
	span.SetAttributes(
		attribute.Int("run.verdicts", len(rep.Verdicts)),
		attribute.Int("run.rejections", len(rep.Rejections)),
		attribute.Bool("run.timed_out", rep.TimedOut),
	)
	logger.Info("run complete", "evidence", rep.Evidence, "verdicts", len(rep.Verdicts),
		"undecided", len(rep.Undecided), "rejections", len(rep.Rejections), "timed_out", rep.TimedOut)
	return rep, nil
}

func (c *Coordinator) run(ctx context.Context, rep *Report) error {
	rec, err := c.store.Load(ctx, rep.CaseID)
	if err != nil {
		return err
	}

	var evidence []*seal.Envelope
	for _, env := range rec.Envelopes {
		if env.Kind() != seal.KindEvidence {
			continue
		}
		admitted, err := c.input.Admit(ctx, env)
		if err != nil {
			if apperrors.CodeOf(err).Fatal() {
				return err
			}
			rep.Rejections = append(rep.Rejections, rejection(env, err))
			continue
		}
		evidence = append(evidence, admitted)
	}
	rep.Evidence = len(evidence)
	if len(evidence) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("case %s has no admissible evidence", rep.CaseID))
	}

	var declared []string
	for _, a := range c.registry.Analyzers() {
		if s, ok := a.(analyzer.Scoped); ok {
			declared = append(declared, s.Claims()...)
		}
	}
	col := consensus.NewCollector(c.registry, declared...)

	analyzeCtx, stopAnalyzers := context.WithCancel(ctx)
	defer stopAnalyzers()
	reports := c.runner.Run(analyzeCtx, evidence)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for reports != nil {
		select {
		case r, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			if err := r.Fatal(); err != nil {
				return err
			}
			rep.Analyzers = append(rep.Analyzers, result(r))
			for _, f := range r.Findings {
				if err := c.store.Append(ctx, rep.CaseID, f.Envelope); err != nil {
					return fmt.Errorf("append finding: %w", err)
				}
			}
			for _, claim := range col.Add(r) {
				if err := c.decide(ctx, rep, claim, col.Take(claim)); err != nil {
					return err
				}
			}
		case <-timer.C:
			rep.TimedOut = true
			for _, id := range col.Outstanding() {
				rep.Analyzers = append(rep.Analyzers, AnalyzerResult{ID: id, Late: true, Error: "consensus timeout"})
			}
			stopAnalyzers()
			go drain(reports)
			reports = nil
		case <-ctx.Done():
			go drain(reports)
			return fmt.Errorf("run %s: %w", rep.RunID, ctx.Err())
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run %s: %w", rep.RunID, err)
	}
	for _, claim := range col.Pending() {
		if err := c.decide(ctx, rep, claim, col.Take(claim)); err != nil {
			return err
		}
	}
	return nil
}

func result(r analyzer.Report) AnalyzerResult {
	ar := AnalyzerResult{ID: r.AnalyzerID, Findings: len(r.Findings), Rejected: len(r.Rejected), Elapsed: r.Elapsed}
	if r.Err != nil {
		ar.Error = r.Err.Error()
	}
	return ar
}

func drain(ch <-chan analyzer.Report) {
	for range ch {
	}
}

// decide reconciles one claim, seals the verdict, admits it through the
// internal gate and appends it to the case.
func (c *Coordinator) decide(ctx context.Context, rep *Report, claim string, findings []analyzer.Sealed) error {
	v, err := c.aggregator.Reconcile(claim, findings)
	if apperrors.HasCode(err, apperrors.CodeInsufficientData) {
		rep.Undecided = append(rep.Undecided, claim)
		c.logger.Warn("claim undecided", "case", rep.CaseID, "claim", claim)
		return nil
	}
	if err != nil {
		return err
	}
	env, err := c.engine.SealValue(ctx, v, seal.KindVerdict, consensus.Origin)
	if err != nil {
		return err
	}
	admitted, err := c.internal.Admit(ctx, env)
	if err != nil {
		if apperrors.CodeOf(err).Fatal() {
			return err
		}
		rep.Rejections = append(rep.Rejections, rejection(env, err))
		return nil
	}
	if err := c.store.Append(ctx, rep.CaseID, admitted); err != nil {
		return fmt.Errorf("append verdict: %w", err)
	}
	rep.Verdicts = append(rep.Verdicts, SealedVerdict{Verdict: v, Digest: admitted.ContentDigest(), Envelope: admitted})
	c.logger.Info("verdict", "case", rep.CaseID, "claim", claim, "status", v.Status,
		"agreement", v.AgreementCount, "total", v.TotalCount)
	return nil
}
