package pipeline

import (
	"context"
	"fmt"
	"sort"

	"custody/internal/consensus"
	apperrors "custody/internal/errors"
	"custody/internal/seal"
	"custody/internal/transmit"
)

// Verdicts returns the current verdict per claim for caseID, decoded from the
// sealed verdict envelopes in its record. Superseded verdicts are omitted.
func (c *Coordinator) Verdicts(ctx context.Context, caseID string) ([]SealedVerdict, error) {
	envs, err := c.store.List(ctx, caseID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]SealedVerdict)
	for _, env := range envs {
		if env.Kind() != seal.KindVerdict {
			continue
		}
		payload, err := c.engine.Open(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("open verdict %s: %w", env.ContentDigest(), err)
		}
		v, err := consensus.DecodeVerdict(payload)
		if err != nil {
			return nil, err
		}
		cur, ok := latest[v.ClaimID]
		if !ok || !v.DecidedAt.Before(cur.Verdict.DecidedAt) {
			latest[v.ClaimID] = SealedVerdict{Verdict: v, Digest: env.ContentDigest(), Envelope: env}
		}
	}
	out := make([]SealedVerdict, 0, len(latest))
	for _, sv := range latest {
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Verdict.ClaimID < out[j].Verdict.ClaimID })
	return out, nil
}

// Transmit sends caseID's current verdicts through the output gate.
// Verdicts recorded by an earlier process are re-presented to the internal
// gate first, since admissions are not persisted.
func (c *Coordinator) Transmit(ctx context.Context, caseID string) ([]transmit.Outbound, error) {
	verdicts, err := c.Verdicts(ctx, caseID)
	if err != nil {
		return nil, err
	}
	var out []transmit.Outbound
	for _, sv := range verdicts {
		env := sv.Envelope
		if !c.admitted.Admitted(env) {
			if env, err = c.internal.Admit(ctx, env); err != nil {
				return out, err
			}
		}
		o, err := c.Send(ctx, caseID, env)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Send presents env to the output gate and transmits it when admitted. It
// is the only outbound path.
func (c *Coordinator) Send(ctx context.Context, caseID string, env *seal.Envelope) (transmit.Outbound, error) {
	o, err := c.channel.Send(ctx, caseID, env)
	if err != nil {
		if !apperrors.CodeOf(err).Fatal() {
			c.logger.Warn("transmission refused", "case", caseID, "digest", env.ContentDigest(), "error", err)
		}
		return transmit.Outbound{}, err
	}
	return o, nil
}
