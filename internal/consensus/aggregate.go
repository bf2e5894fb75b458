package consensus

import (
	"fmt"
	"sort"
	"time"

	"custody/internal/analyzer"
	apperrors "custody/internal/errors"
	"custody/internal/logging"
)

// DefaultTolerance is the scalar agreement tolerance.
const DefaultTolerance = 0.05

// Aggregator reconciles findings into verdicts.
type Aggregator struct {
	tolerance float64
	now       func() time.Time
}

// NewAggregator returns an aggregator using tolerance for scalar agreement.
// A non-positive tolerance falls back to DefaultTolerance.
func NewAggregator(tolerance float64) *Aggregator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Aggregator{tolerance: tolerance, now: time.Now}
}

// SetClock overrides the DecidedAt source.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Tolerance returns the scalar agreement tolerance in use.
func (a *Aggregator) Tolerance() float64 { return a.tolerance }

type group struct {
	centre  analyzer.Value
	members []analyzer.Sealed
	weight  float64
}

// Reconcile computes the verdict for claimID from the findings collected for
// it. Findings for other claims are ignored. Only one finding per analyzer is
// counted (the most confident); zero findings yields CodeInsufficientData.
func (a *Aggregator) Reconcile(claimID string, findings []analyzer.Sealed) (Verdict, error) {
	counted := onePerAnalyzer(claimID, findings)
	if len(counted) == 0 {
		return Verdict{}, apperrors.WithMetadata(apperrors.CodeInsufficientData,
			fmt.Sprintf("no findings for claim %s", claimID), map[string]string{"claim_id": claimID})
	}

	best := a.plurality(counted)
	sort.Slice(best.members, func(i, j int) bool {
		return best.members[i].Finding.AnalyzerID < best.members[j].Finding.AnalyzerID
	})
	supporting := make([]string, len(best.members))
	for i, m := range best.members {
		supporting[i] = m.Digest()
	}

	v := Verdict{
		ClaimID:            claimID,
		Status:             Decide(len(best.members), len(counted)),
		SupportingFindings: supporting,
		AgreementCount:     len(best.members),
		TotalCount:         len(counted),
		Plurality:          best.centre,
		DecidedAt:          a.now().UTC(),
	}
	logging.New("consensus").Debug("reconciled",
		"claim", claimID, "status", v.Status, "agreement", v.AgreementCount, "total", v.TotalCount, "plurality", v.Plurality)
	return v, nil
}

func onePerAnalyzer(claimID string, findings []analyzer.Sealed) []analyzer.Sealed {
	keep := make(map[string]analyzer.Sealed)
	var order []string
	for _, s := range findings {
		f := s.Finding
		if f.ClaimID != claimID {
			continue
		}
		cur, seen := keep[f.AnalyzerID]
		if !seen {
			order = append(order, f.AnalyzerID)
			keep[f.AnalyzerID] = s
			continue
		}
		logging.New("consensus").Warn("duplicate finding dropped",
			"claim", claimID, "analyzer", f.AnalyzerID)
		if f.Confidence > cur.Finding.Confidence {
			keep[f.AnalyzerID] = s
		}
	}
	out := make([]analyzer.Sealed, 0, len(order))
	for _, id := range order {
		out = append(out, keep[id])
	}
	return out
}

// plurality returns the largest agreeing group. Categorical findings group by
// label; scalar findings group around each candidate centre within tolerance.
func (a *Aggregator) plurality(findings []analyzer.Sealed) group {
	var candidates []group
	seenLabel := make(map[string]bool)
	for _, c := range findings {
		centre := c.Finding.Value
		if centre.Kind == analyzer.Categorical {
			if seenLabel[centre.Label] {
				continue
			}
			seenLabel[centre.Label] = true
		}
		g := group{centre: centre}
		for _, s := range findings {
			if centre.Agrees(s.Finding.Value, a.tolerance) {
				g.members = append(g.members, s)
				g.weight += s.Finding.Confidence
			}
		}
		candidates = append(candidates, g)
	}
	best := candidates[0]
	for _, g := range candidates[1:] {
		if beats(g, best) {
			best = g
		}
	}
	return best
}

func beats(g, h group) bool {
	if len(g.members) != len(h.members) {
		return len(g.members) > len(h.members)
	}
	if g.weight != h.weight {
		return g.weight > h.weight
	}
	gv, hv := g.centre, h.centre
	if gv.Kind != hv.Kind {
		return gv.Kind == analyzer.Categorical
	}
	if gv.Kind == analyzer.Scalar {
		return gv.Score < hv.Score
	}
	return gv.Label < hv.Label
}
