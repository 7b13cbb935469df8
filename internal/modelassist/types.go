package modelassist

// Mode selects how the verification stage treats pattern candidates.
type Mode string

const (
	// ModeVerifyAll checks every pattern extractor output.
	ModeVerifyAll Mode = "verify-all"
	// ModeFallback only checks keys that are missing or below the
	// confidence threshold, plus the library's critical keys.
	ModeFallback Mode = "fallback"
	// ModePatternOnly disables model assistance entirely.
	ModePatternOnly Mode = "pattern-only"
)

// OutcomeKind tags the per-parameter result of a model call. Rejection is an
// expected, common outcome of the evidence contract; it is a value here,
// never an error.
type OutcomeKind string

const (
	OutcomeVerified    OutcomeKind = "verified"
	OutcomeReplacement OutcomeKind = "replacement"
	OutcomeAbstained   OutcomeKind = "abstained"
	OutcomeRejected    OutcomeKind = "rejected"
)

// StageOutcome is the tagged-variant result for one parameter key.
type StageOutcome struct {
	Key          string      `json:"key"`
	Kind         OutcomeKind `json:"kind"`
	Value        string      `json:"value,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
	Evidence     string      `json:"evidence,omitempty"`
	Reasoning    string      `json:"reasoning,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// StageReport captures one stage invocation for the audit log: the prompt,
// the raw response, and what was accepted or discarded. A skipped stage is
// non-fatal; the affected keys stay resolved from pattern candidates only.
type StageReport struct {
	Stage      string         `json:"stage"`
	Prompt     string         `json:"prompt,omitempty"`
	Response   string         `json:"response,omitempty"`
	Accepted   []StageOutcome `json:"accepted,omitempty"`
	Discarded  []StageOutcome `json:"discarded,omitempty"`
	Calls      int            `json:"calls"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
}

// DiscoveryProposal is a parameter outside the canonical library proposed by
// the discovery stage. Proposals are never merged into canonical records;
// they only feed a human-review queue.
type DiscoveryProposal struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ExampleValues []string `json:"example_values"`
	Prevalence    string   `json:"prevalence"`
	Evidence      string   `json:"evidence"`
	Reasoning     string   `json:"reasoning,omitempty"`
}
