package consensus

import (
	"sort"

	"custody/internal/analyzer"
)

// Scope says which analyzers are expected to report on which claims.
// *analyzer.Registry satisfies it.
type Scope interface {
	IDs() []string
	Addresses(analyzerID, claimID string) bool
}

// Collector accumulates analyzer reports for one run and tells the caller
// when a claim has heard from every analyzer that addresses it. It is not
// safe for concurrent use; the coordinator feeds it from one goroutine.
type Collector struct {
	scope    Scope
	reported map[string]bool
	findings map[string][]analyzer.Sealed
	claims   []string
	taken    map[string]bool
}

// NewCollector returns a collector over scope. declared seeds claims that
// are expected even if no finding for them ever arrives.
func NewCollector(scope Scope, declared ...string) *Collector {
	c := &Collector{
		scope:    scope,
		reported: make(map[string]bool),
		findings: make(map[string][]analyzer.Sealed),
		taken:    make(map[string]bool),
	}
	for _, claim := range declared {
		c.track(claim)
	}
	return c
}

func (c *Collector) track(claim string) {
	if _, ok := c.findings[claim]; !ok {
		c.findings[claim] = nil
		c.claims = append(c.claims, claim)
	}
}

// Add records one analyzer report, successful or not, and returns the claims
// that became ready as a result.
func (c *Collector) Add(rep analyzer.Report) []string {
	c.reported[rep.AnalyzerID] = true
	for _, s := range rep.Findings {
		c.track(s.Finding.ClaimID)
		c.findings[s.Finding.ClaimID] = append(c.findings[s.Finding.ClaimID], s)
	}
	var ready []string
	for _, claim := range c.claims {
		if !c.taken[claim] && c.Ready(claim) {
			ready = append(ready, claim)
		}
	}
	return ready
}

// Ready reports whether every analyzer addressing claim has reported.
func (c *Collector) Ready(claim string) bool {
	for _, id := range c.scope.IDs() {
		if c.scope.Addresses(id, claim) && !c.reported[id] {
			return false
		}
	}
	return true
}

// Take returns the findings for claim and marks it reconciled. Later
// findings for a taken claim are kept but the claim is not reported ready
// again.
func (c *Collector) Take(claim string) []analyzer.Sealed {
	c.taken[claim] = true
	return append([]analyzer.Sealed(nil), c.findings[claim]...)
}

// Pending returns claims not yet taken, sorted.
func (c *Collector) Pending() []string {
	var out []string
	for _, claim := range c.claims {
		if !c.taken[claim] {
			out = append(out, claim)
		}
	}
	sort.Strings(out)
	return out
}

// Outstanding returns the analyzers that have not reported yet, sorted.
func (c *Collector) Outstanding() []string {
	var out []string
	for _, id := range c.scope.IDs() {
		if !c.reported[id] {
			out = append(out, id)
		}
	}
	return out
}
