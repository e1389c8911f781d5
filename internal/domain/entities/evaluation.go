package entities

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of a claim evaluation.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = "No error"
	ErrorKindTechnical     ErrorKind = "Technical error"
	ErrorKindMedical       ErrorKind = "Medical error"
	ErrorKindBoth          ErrorKind = "both"
	ErrorKindNoRulesLoaded ErrorKind = "No rules loaded"
)

// ErrUnknownErrorKind is returned by CombineErrorKinds for inputs outside
// {No error, Technical error, Medical error}.
var ErrUnknownErrorKind = errors.New("unknown error kind")

// IsStageKind reports whether k is a valid single-stage result kind.
func (k ErrorKind) IsStageKind() bool {
	switch k {
	case ErrorKindNone, ErrorKindTechnical, ErrorKindMedical:
		return true
	}
	return false
}

// CombineErrorKinds merges a technical and a medical stage result.
//
//	none ⊕ none = none
//	X ⊕ none = none ⊕ X = X
//	X ⊕ Y = both
func CombineErrorKinds(technical, medical ErrorKind) (ErrorKind, error) {
	if !technical.IsStageKind() {
		return "", fmt.Errorf("%w: %q", ErrUnknownErrorKind, technical)
	}
	if !medical.IsStageKind() {
		return "", fmt.Errorf("%w: %q", ErrUnknownErrorKind, medical)
	}

	switch {
	case technical == ErrorKindNone && medical == ErrorKindNone:
		return ErrorKindNone, nil
	case technical != ErrorKindNone && medical != ErrorKindNone:
		return ErrorKindBoth, nil
	case technical != ErrorKindNone:
		return technical, nil
	default:
		return medical, nil
	}
}

// EvaluationOutcome is the normalized result of one evaluation stage for one claim.
type EvaluationOutcome struct {
	Valid     bool      `json:"valid"`
	Errors    []string  `json:"errors"`
	ErrorKind ErrorKind `json:"error_kind"`
	// Confidence is informational. It never changes Valid or ErrorKind.
	Confidence      float64  `json:"confidence"`
	Analysis        string   `json:"analysis,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Degraded        bool     `json:"degraded,omitempty"`
}

// MedicalOutcome is the structured answer of the medical reviewer.
type MedicalOutcome struct {
	IsMedicallyAppropriate   bool     `json:"is_medically_appropriate"`
	MedicalNecessityConcerns []string `json:"medical_necessity_concerns"`
	AlignmentWithStandards   string   `json:"alignment_with_standards"`
	Recommendations          []string `json:"recommendations"`
	ConfidenceScore          float64  `json:"confidence_score"`
}

// Outcome converts the reviewer's answer into a stage outcome.
func (m *MedicalOutcome) Outcome() *EvaluationOutcome {
	out := &EvaluationOutcome{
		Valid:           m.IsMedicallyAppropriate,
		Errors:          append([]string{}, m.MedicalNecessityConcerns...),
		ErrorKind:       ErrorKindNone,
		Confidence:      m.ConfidenceScore,
		Analysis:        m.AlignmentWithStandards,
		Recommendations: m.Recommendations,
	}
	if !m.IsMedicallyAppropriate {
		out.ErrorKind = ErrorKindMedical
	}
	return out
}
