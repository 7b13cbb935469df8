// Package record defines the cross-source extraction record model shared by
// the pattern extractor, the model-assisted stages, and the resolver.
package record

import "time"

// SourceType identifies which extractor produced a candidate.
type SourceType string

const (
	SourcePattern            SourceType = "pattern"
	SourceModelVerify        SourceType = "model-verify"
	SourceModelRecovery      SourceType = "model-recovery"
	SourceExternalStructured SourceType = "external-structured"
)

// ResolutionMethod records how the resolver arrived at a canonical value.
type ResolutionMethod string

const (
	ResolutionDirect          ResolutionMethod = "direct"
	ResolutionConfidenceBased ResolutionMethod = "confidence-based"
	ResolutionPrecedenceBased ResolutionMethod = "precedence-based"
)

// ConfidenceBreakdown retains each factor of the confidence model for audit.
// Final is the clamped product of the five factors.
type ConfidenceBreakdown struct {
	Base           float64 `json:"base"`
	PatternQuality float64 `json:"pattern_quality"`
	ContextQuality float64 `json:"context_quality"`
	Uniqueness     float64 `json:"uniqueness"`
	SectionBoost   float64 `json:"section_boost"`
	Final          float64 `json:"final"`
}

// EvidenceLocation pins evidence text to a section and character offset
// within the experiment scope it was extracted from.
type EvidenceLocation struct {
	Section string `json:"section"`
	Offset  int    `json:"offset"`
}

// ParameterCandidate is one proposed value for one canonical parameter key
// within one experiment scope. Immutable once created; several candidates may
// coexist for the same key.
type ParameterCandidate struct {
	Key        string              `json:"key"`
	RawValue   string              `json:"raw_value"`
	Value      string              `json:"value"`
	Source     SourceType          `json:"source"`
	Confidence float64             `json:"confidence"`
	Breakdown  ConfidenceBreakdown `json:"breakdown"`
	Evidence   string              `json:"evidence"`
	Location   EvidenceLocation    `json:"location"`
	Abstained  bool                `json:"abstained,omitempty"`
}

// CanonicalParameter is the resolved output for one key within one scope.
// Re-resolution after new candidates supersedes the record, never mutates it.
type CanonicalParameter struct {
	Key              string           `json:"key"`
	Value            string           `json:"value"`
	Confidence       float64          `json:"confidence"`
	Source           SourceType       `json:"source"`
	AlternativeValue string           `json:"alternative_value,omitempty"`
	Resolution       ResolutionMethod `json:"resolution_method"`
	RequiresReview   bool             `json:"requires_review"`
	Corroborating    []SourceType     `json:"corroborating_sources,omitempty"`
	ResolvedAt       time.Time        `json:"resolved_at"`
}
