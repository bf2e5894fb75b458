// Package scenario loads case scenarios: the evidence to seal and the
// scripted analyzers to run over it, plus the verdicts a run should reach.
package scenario

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"custody/internal/analyzer"
	"custody/internal/consensus"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Scenario is one case to run.
type Scenario struct {
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description,omitempty" json:"description,omitempty"`
	CaseID      string                      `yaml:"case_id" json:"case_id"`
	Evidence    []Evidence                  `yaml:"evidence" json:"evidence"`
	Integrity   bool                        `yaml:"integrity,omitempty" json:"integrity,omitempty"`
	Analyzers   []Analyzer                  `yaml:"analyzers" json:"analyzers"`
	Expect      map[string]consensus.Status `yaml:"expect,omitempty" json:"expect,omitempty"`

	dir string
}

// Evidence is one raw input: inline text or a file relative to the scenario.
type Evidence struct {
	Name string `yaml:"name" json:"name"`
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Analyzer scripts one analyzer.
type Analyzer struct {
	ID       string        `yaml:"id" json:"id"`
	Delay    time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Fail     string        `yaml:"fail,omitempty" json:"fail,omitempty"`
	Claims   []string      `yaml:"claims,omitempty" json:"claims,omitempty"`
	Findings []Finding     `yaml:"findings,omitempty" json:"findings,omitempty"`
}

// Finding is a scripted finding; exactly one of Label and Score is set.
type Finding struct {
	Claim      string   `yaml:"claim" json:"claim"`
	Label      string   `yaml:"label,omitempty" json:"label,omitempty"`
	Score      *float64 `yaml:"score,omitempty" json:"score,omitempty"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
}

// Load returns the scenario at path if it exists, otherwise the built-in
// scenario with that name.
func Load(nameOrPath string) (*Scenario, error) {
	if _, err := os.Stat(nameOrPath); err == nil {
		return LoadFile(nameOrPath)
	}
	return LoadBuiltin(nameOrPath)
}

// LoadFile reads a scenario file. Format is detected by extension
// (.yaml/.yml or .json), falling back to content.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// LoadBuiltin reads an embedded scenario by name.
func LoadBuiltin(name string) (*Scenario, error) {
	data, err := builtinFS.ReadFile("builtin/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("scenario %q not found (built-in: %s): %w",
			name, strings.Join(Builtins(), ", "), err)
	}
	return Parse(data, ".yaml")
}

// Builtins returns the names of all embedded scenarios, sorted.
func Builtins() []string {
	entries, _ := builtinFS.ReadDir("builtin")
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	sort.Strings(names)
	return names
}

// Parse decodes and validates a scenario. ext is a format hint; empty means
// detect from content.
func Parse(data []byte, ext string) (*Scenario, error) {
	ext = strings.ToLower(ext)
	if ext == "" && strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		ext = ".json"
	}
	var s Scenario
	if ext == ".json" {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse scenario json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse scenario yaml: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the scenario is runnable.
func (s *Scenario) Validate() error {
	if s.CaseID == "" {
		return fmt.Errorf("scenario %q: case_id is required", s.Name)
	}
	if len(s.Evidence) == 0 {
		return fmt.Errorf("scenario %q: at least one evidence item is required", s.Name)
	}
	for i, e := range s.Evidence {
		if (e.Text == "") == (e.File == "") {
			return fmt.Errorf("scenario %q: evidence[%d] needs exactly one of text or file", s.Name, i)
		}
	}
	seen := make(map[string]bool)
	for _, a := range s.Analyzers {
		if a.ID == "" {
			return fmt.Errorf("scenario %q: analyzer without id", s.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("scenario %q: duplicate analyzer %q", s.Name, a.ID)
		}
		seen[a.ID] = true
		for j, f := range a.Findings {
			if _, err := f.value(); err != nil {
				return fmt.Errorf("scenario %q: analyzer %s finding[%d]: %w", s.Name, a.ID, j, err)
			}
		}
	}
	return nil
}

func (f Finding) value() (analyzer.Value, error) {
	switch {
	case f.Label != "" && f.Score != nil:
		return analyzer.Value{}, fmt.Errorf("set label or score, not both")
	case f.Label != "":
		return analyzer.Label(f.Label), nil
	case f.Score != nil:
		return analyzer.Score(*f.Score), nil
	default:
		return analyzer.Value{}, fmt.Errorf("label or score is required")
	}
}

// Payloads reads every evidence item in order.
func (s *Scenario) Payloads() ([][]byte, error) {
	out := make([][]byte, 0, len(s.Evidence))
	for _, e := range s.Evidence {
		if e.Text != "" {
			out = append(out, []byte(e.Text))
			continue
		}
		path := e.File
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("evidence %s: %w", e.Name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// BuildAnalyzers returns one scripted analyzer per entry.
func (s *Scenario) BuildAnalyzers() []analyzer.Analyzer {
	out := make([]analyzer.Analyzer, 0, len(s.Analyzers))
	for _, a := range s.Analyzers {
		sc := &analyzer.Scripted{Name: a.ID, Delay: a.Delay, Fail: a.Fail, Scope: a.Claims}
		for _, f := range a.Findings {
			v, _ := f.value()
			sc.Findings = append(sc.Findings, analyzer.Finding{
				AnalyzerID: a.ID,
				ClaimID:    f.Claim,
				Value:      v,
				Confidence: f.Confidence,
			})
		}
		out = append(out, sc)
	}
	return out
}

// Check compares verdicts against Expect and returns one line per mismatch.
func (s *Scenario) Check(verdicts []consensus.Verdict) []string {
	got := make(map[string]consensus.Status)
	for _, v := range consensus.Latest(verdicts) {
		got[v.ClaimID] = v.Status
	}
	claims := make([]string, 0, len(s.Expect))
	for c := range s.Expect {
		claims = append(claims, c)
	}
	sort.Strings(claims)
	var out []string
	for _, c := range claims {
		want := s.Expect[c]
		if g, ok := got[c]; !ok {
			out = append(out, fmt.Sprintf("%s: no verdict, want %s", c, want))
		} else if g != want {
			out = append(out, fmt.Sprintf("%s: got %s, want %s", c, g, want))
		}
	}
	return out
}
