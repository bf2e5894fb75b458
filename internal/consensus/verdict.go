// Package consensus reconciles the sealed findings of independent analyzers
// into one verdict per claim.
package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"custody/internal/analyzer"
)

// Origin is the origin tag verdict envelopes are sealed with.
const Origin = "consensus"

// Status is the adjudicated outcome for a claim.
type Status string

const (
	Accepted Status = "ACCEPTED"
	Flagged  Status = "FLAGGED"
	Rejected Status = "REJECTED"
)

// Decide applies the triple-path rule. It is the only place a status is
// computed.
//
//	agreement == total && total >= 3  -> ACCEPTED
//	agreement >= total-1 && total >= 2 -> FLAGGED
//	otherwise                          -> REJECTED
func Decide(agreement, total int) Status {
	switch {
	case agreement == total && total >= 3:
		return Accepted
	case agreement >= total-1 && total >= 2:
		return Flagged
	default:
		return Rejected
	}
}

// Verdict is the reconciled result for one claim. Verdicts are never edited;
// a later verdict for the same claim supersedes an earlier one.
type Verdict struct {
	ClaimID            string         `json:"claim_id"`
	Status             Status         `json:"status"`
	SupportingFindings []string       `json:"supporting_findings"`
	AgreementCount     int            `json:"agreement_count"`
	TotalCount         int            `json:"total_count"`
	Plurality          analyzer.Value `json:"plurality"`
	DecidedAt          time.Time      `json:"decided_at"`
}

// Consistent reports whether Status matches the counts it was derived from.
func (v Verdict) Consistent() bool {
	return v.Status == Decide(v.AgreementCount, v.TotalCount) &&
		len(v.SupportingFindings) == v.AgreementCount &&
		v.AgreementCount <= v.TotalCount
}

// DecodeVerdict parses the canonical payload of a verdict envelope.
func DecodeVerdict(payload []byte) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if !v.Consistent() {
		return Verdict{}, fmt.Errorf("decode verdict %s: status %s does not follow from %d/%d", v.ClaimID, v.Status, v.AgreementCount, v.TotalCount)
	}
	return v, nil
}

// Latest returns the newest verdict per claim, ordered by claim ID. Ties on
// DecidedAt go to the verdict appearing later in vs.
func Latest(vs []Verdict) []Verdict {
	newest := make(map[string]Verdict, len(vs))
	for _, v := range vs {
		cur, ok := newest[v.ClaimID]
		if !ok || !v.DecidedAt.Before(cur.DecidedAt) {
			newest[v.ClaimID] = v
		}
	}
	out := make([]Verdict, 0, len(newest))
	for _, v := range newest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimID < out[j].ClaimID })
	return out
}
