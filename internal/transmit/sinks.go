package transmit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"custody/internal/display"
	"custody/internal/format"
	"custody/internal/seal"
)

// JSONL writes each outbound item as one JSON line.
type JSONL struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONL returns a JSONL transmitter writing to w.
func NewJSONL(w io.Writer) *JSONL {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONL{enc: enc}
}

func (j *JSONL) Transmit(_ context.Context, out Outbound) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(out); err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	return nil
}

// Brief accumulates admitted verdicts and findings and renders them as a
// Markdown brief for an external language model. It only ever sees what the
// output gate let through.
type Brief struct {
	mu  sync.Mutex
	out []Outbound
}

func (b *Brief) Transmit(_ context.Context, out Outbound) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, out)
	return nil
}

// Render returns the brief for caseID.
func (b *Brief) Render(caseID string) string {
	b.mu.Lock()
	items := make([]Outbound, 0, len(b.out))
	for _, o := range b.out {
		if o.CaseID == caseID {
			items = append(items, o)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool { return items[i].Summary.ClaimID < items[j].Summary.ClaimID })

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Case %s\n\n", caseID)
	sb.WriteString("Every row below passed the output gate; digests identify the sealed record.\n\n")

	verdicts := format.NewTable(format.Markdown)
	verdicts.Header("Claim", "Status", "Meaning", "Agreement", "Value", "Digest")
	findings := format.NewTable(format.Markdown)
	findings.Header("Claim", "Analyzer", "Value", "Confidence", "Digest")
	for _, o := range items {
		s := o.Summary
		switch s.Kind {
		case seal.KindVerdict:
			verdicts.Row(s.ClaimID, s.Status, display.Status(string(s.Status)), format.Ratio(s.AgreementCount, s.TotalCount), s.Value, format.ShortDigest(o.Envelope.ContentDigest))
		case seal.KindFinding:
			findings.Row(s.ClaimID, s.OriginTag, s.Value, fmt.Sprintf("%.2f", s.Confidence), format.ShortDigest(o.Envelope.ContentDigest))
		}
	}
	if verdicts.Len() > 0 {
		sb.WriteString("## Verdicts\n\n")
		sb.WriteString(verdicts.String())
		sb.WriteString("\n\n")
	}
	if findings.Len() > 0 {
		sb.WriteString("## Findings\n\n")
		sb.WriteString(findings.String())
		sb.WriteString("\n")
	}
	if verdicts.Len() == 0 && findings.Len() == 0 {
		sb.WriteString("No admitted results.\n")
	}
	return sb.String()
}
