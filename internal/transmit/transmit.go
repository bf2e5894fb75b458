// Package transmit is the only way data leaves the pipeline. Every outbound
// item passes the output gate first and is reduced to a Summary; evidence
// bytes never cross.
package transmit

import (
	"context"
	"fmt"
	"sync"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	apperrors "custody/internal/errors"
	"custody/internal/logging"
	"custody/internal/seal"
)

// Summary is the transmissible view of a finding or verdict.
type Summary struct {
	Kind               seal.Kind        `json:"kind"`
	ClaimID            string           `json:"claim_id"`
	OriginTag          string           `json:"origin_tag"`
	Value              analyzer.Value   `json:"value"`
	Confidence         float64          `json:"confidence,omitempty"`
	Status             consensus.Status `json:"status,omitempty"`
	AgreementCount     int              `json:"agreement_count,omitempty"`
	TotalCount         int              `json:"total_count,omitempty"`
	SupportingFindings []string         `json:"supporting_findings,omitempty"`
}

// Outbound is one item handed to a Transmitter. Envelope carries the seal
// so the receiver can check provenance.
type Outbound struct {
	CaseID   string      `json:"case_id"`
	Envelope seal.Record `json:"envelope"`
	Summary  Summary     `json:"summary"`
}

// Transmitter delivers outbound items to an external consumer.
type Transmitter interface {
	Transmit(ctx context.Context, out Outbound) error
}

// Admitter is the output gate. *gate.Gate satisfies it.
type Admitter interface {
	Admit(ctx context.Context, env *seal.Envelope) (*seal.Envelope, error)
}

// Opener returns a sealed payload after re-checking it. *seal.Engine
// satisfies it.
type Opener interface {
	Open(ctx context.Context, env *seal.Envelope) ([]byte, error)
}

// Channel joins the output gate to a transmitter.
type Channel struct {
	gate   Admitter
	opener Opener
	tx     Transmitter
}

// NewChannel returns a channel that admits through g, reads payloads via o
// and delivers to tx.
func NewChannel(g Admitter, o Opener, tx Transmitter) *Channel {
	return &Channel{gate: g, opener: o, tx: tx}
}

// Send presents env to the output gate and, once admitted, transmits its
// summary. A gate rejection is returned unchanged and nothing is sent.
func (c *Channel) Send(ctx context.Context, caseID string, env *seal.Envelope) (Outbound, error) {
	admitted, err := c.gate.Admit(ctx, env)
	if err != nil {
		return Outbound{}, err
	}
	payload, err := c.opener.Open(ctx, admitted)
	if err != nil {
		return Outbound{}, err
	}
	sum, err := Summarize(admitted, payload)
	if err != nil {
		return Outbound{}, err
	}
	out := Outbound{CaseID: caseID, Envelope: admitted.Record(), Summary: sum}
	if err := c.tx.Transmit(ctx, out); err != nil {
		return Outbound{}, fmt.Errorf("transmit %s: %w", admitted.ContentDigest(), err)
	}
	logging.New("transmit").Info("transmitted", "case", caseID, "kind", sum.Kind, "claim", sum.ClaimID, "digest", admitted.ContentDigest())
	return out, nil
}

// Summarize decodes a finding or verdict payload into its Summary.
func Summarize(env *seal.Envelope, payload []byte) (Summary, error) {
	switch env.Kind() {
	case seal.KindFinding:
		f, err := analyzer.DecodeFinding(payload)
		if err != nil {
			return Summary{}, err
		}
		return Summary{
			Kind:       seal.KindFinding,
			ClaimID:    f.ClaimID,
			OriginTag:  env.OriginTag(),
			Value:      f.Value,
			Confidence: f.Confidence,
		}, nil
	case seal.KindVerdict:
		v, err := consensus.DecodeVerdict(payload)
		if err != nil {
			return Summary{}, err
		}
		return Summary{
			Kind:               seal.KindVerdict,
			ClaimID:            v.ClaimID,
			OriginTag:          env.OriginTag(),
			Value:              v.Plurality,
			Status:             v.Status,
			AgreementCount:     v.AgreementCount,
			TotalCount:         v.TotalCount,
			SupportingFindings: v.SupportingFindings,
		}, nil
	default:
		return Summary{}, apperrors.WithMetadata(apperrors.CodeSealViolation,
			fmt.Sprintf("%s envelopes are not transmissible", env.Kind()),
			map[string]string{"reason": "raw evidence may not be transmitted"})
	}
}

// Recorder is an in-memory Transmitter.
type Recorder struct {
	mu  sync.Mutex
	out []Outbound
}

func (r *Recorder) Transmit(_ context.Context, out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, out)
	return nil
}

// Sent returns everything transmitted so far.
func (r *Recorder) Sent() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outbound(nil), r.out...)
}

// Multi fans an outbound item out to several transmitters, stopping at the
// first error.
type Multi []Transmitter

func (m Multi) Transmit(ctx context.Context, out Outbound) error {
	for _, t := range m {
		if err := t.Transmit(ctx, out); err != nil {
			return err
		}
	}
	return nil
}
