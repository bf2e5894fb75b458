package analyzer

import (
	"encoding/json"
	"fmt"
	"math"

	apperrors "custody/internal/errors"
	"custody/internal/seal"
)

// ValueKind distinguishes how two values are compared for agreement.
type ValueKind string

const (
	Categorical ValueKind = "categorical"
	Scalar      ValueKind = "scalar"
)

// Value is an analyzer's conclusion. Beyond the agreement test it is opaque
// to the aggregator.
type Value struct {
	Kind  ValueKind `json:"kind" yaml:"kind"`
	Label string    `json:"label,omitempty" yaml:"label,omitempty"`
	Score float64   `json:"score,omitempty" yaml:"score,omitempty"`
}

// Label returns a categorical value.
func Label(label string) Value { return Value{Kind: Categorical, Label: label} }

// Score returns a scalar value.
func Score(score float64) Value { return Value{Kind: Scalar, Score: score} }

func (v Value) String() string {
	if v.Kind == Scalar {
		return fmt.Sprintf("%g", v.Score)
	}
	return v.Label
}

// scoreEpsilon absorbs float64 rounding at the edge of the tolerance band.
const scoreEpsilon = 1e-9

// Agrees reports whether v and o count as the same conclusion: exact match
// for categorical values, |v-o| <= tolerance for scalars. Values of different
// kinds never agree.
func (v Value) Agrees(o Value, tolerance float64) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == Scalar {
		return math.Abs(v.Score-o.Score) <= tolerance+scoreEpsilon
	}
	return v.Label == o.Label
}

// Validate checks the value is well formed.
func (v Value) Validate() error {
	switch v.Kind {
	case Categorical:
		if v.Label == "" {
			return fmt.Errorf("categorical value needs a label")
		}
	case Scalar:
		if math.IsNaN(v.Score) || math.IsInf(v.Score, 0) {
			return fmt.Errorf("scalar value must be finite")
		}
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
	return nil
}

// Finding is one analyzer's conclusion about one claim.
type Finding struct {
	AnalyzerID string  `json:"analyzer_id" yaml:"analyzer_id"`
	ClaimID    string  `json:"claim_id" yaml:"claim_id"`
	Value      Value   `json:"verdict_value" yaml:"verdict_value"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Validate checks the finding can be sealed and reconciled.
func (f Finding) Validate() error {
	if f.AnalyzerID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "finding has no analyzer_id")
	}
	if f.ClaimID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "finding has no claim_id")
	}
	if f.Confidence < 0 || f.Confidence > 1 || math.IsNaN(f.Confidence) {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("confidence %v outside [0,1]", f.Confidence))
	}
	if err := f.Value.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "finding value", err)
	}
	return nil
}

// Sealed pairs a finding with the envelope that carries it.
type Sealed struct {
	Finding  Finding
	Envelope *seal.Envelope
}

// Digest is the content digest of the carrying envelope.
func (s Sealed) Digest() string { return s.Envelope.ContentDigest() }

// DecodeFinding parses the canonical payload of a finding envelope.
func DecodeFinding(payload []byte) (Finding, error) {
	var f Finding
	if err := json.Unmarshal(payload, &f); err != nil {
		return Finding{}, fmt.Errorf("decode finding: %w", err)
	}
	return f, f.Validate()
}
