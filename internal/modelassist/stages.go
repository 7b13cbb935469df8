// Package modelassist runs the model-assisted extraction stages against an
// untrusted text-generation capability: batched verify/fallback of pattern
// candidates, targeted recovery of missed library parameters, and opt-in
// discovery of parameters outside the library. Every proposed value must
// satisfy the evidence contract or it is discarded, and abstention is always
// a legitimate outcome.
package modelassist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/record"
)

const (
	StageVerify    = "verify"
	StageRecovery  = "recovery"
	StageDiscovery = "discovery"

	// Verify and recovery are deterministic; discovery is exploratory and
	// human-reviewed regardless, so it may sample.
	deterministicTemperature = 0.0
	discoveryTemperature     = 1.0

	defaultTimeout       = 90 * time.Second
	defaultContextBudget = 12000
	defaultMaxTokens     = 4096
)

const verifySchemaPrompt = `Required JSON schema — an array with one entry per listed parameter:
[{
  "key": "string (one of the listed parameter keys)",
  "verified": "boolean — true only if the extracted value shown is correct as-is",
  "abstained": "boolean — true if you cannot determine the value from the text",
  "value": "string — the corrected or newly found value (omit when verified or abstained)",
  "confidence": "float (0.0-1.0)",
  "evidence": "string — verbatim quote from the supplied text supporting the value",
  "reasoning": "string"
}]`

const recoverySchemaPrompt = `Required JSON schema — an array, one entry per parameter you found (empty array if none):
[{
  "key": "string (one of the listed parameter keys)",
  "value": "string",
  "confidence": "float (0.0-1.0)",
  "evidence": "string — verbatim quote from the supplied text",
  "reasoning": "string"
}]`

const discoverySchemaPrompt = `Required JSON schema — an array of proposals (empty array if none):
[{
  "name": "string — snake_case parameter name",
  "description": "string",
  "example_values": ["string"],
  "prevalence": "HIGH | MEDIUM | LOW — how often this parameter likely appears in similar studies",
  "evidence": "string — verbatim quote from the supplied text",
  "reasoning": "string"
}]`

// EngineOptions tune the stage engine. Zero values fall back to defaults.
type EngineOptions struct {
	Timeout       time.Duration
	ContextBudget int
	MaxTokens     int64
}

type Engine struct {
	gen           Generator
	lib           *paramlib.Library
	timeout       time.Duration
	contextBudget int
	maxTokens     int64
}

func NewEngine(gen Generator, lib *paramlib.Library, opts EngineOptions) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = defaultContextBudget
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Engine{gen: gen, lib: lib, timeout: opts.Timeout, contextBudget: opts.ContextBudget, maxTokens: opts.MaxTokens}
}

type verifyResponse struct {
	Key        string  `json:"key"`
	Verified   bool    `json:"verified"`
	Abstained  bool    `json:"abstained"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
	Reasoning  string  `json:"reasoning"`
}

// Verify runs the verify/fallback stage. All selected keys are batched into
// one call: external-call cost dominates runtime by orders of magnitude, so
// one call per key is not an option. A failed call skips the stage for the
// affected keys rather than failing the document.
func (e *Engine) Verify(ctx context.Context, scope document.ExperimentScope, candidates []record.ParameterCandidate, mode Mode, fallbackThreshold float64) ([]record.ParameterCandidate, StageReport) {
	report := StageReport{Stage: StageVerify}
	if mode == ModePatternOnly {
		report.Skipped = true
		report.SkipReason = "pattern-only mode"
		return nil, report
	}

	keys := e.selectVerifyKeys(candidates, mode, fallbackThreshold)
	if len(keys) == 0 {
		report.Skipped = true
		report.SkipReason = "no keys selected for verification"
		return nil, report
	}

	best := bestByKey(candidates)
	contextText := buildContext(scope, e.contextBudget)
	var items strings.Builder
	for _, k := range keys {
		p, _ := e.lib.Get(k)
		desc := ""
		if p != nil {
			desc = p.Description
		}
		if c, ok := best[k]; ok {
			fmt.Fprintf(&items, "- %s (%s): extracted value %q with confidence %.2f\n", k, desc, c.Value, c.Confidence)
		} else {
			fmt.Fprintf(&items, "- %s (%s): MISSING — not extracted\n", k, desc)
		}
	}

	prompt := fmt.Sprintf(
		"Verify extracted experimental parameters against the paper text below. For each parameter, confirm the extracted value, correct it, supply a missing one, or abstain.\n\n%s\n\nParameters:\n%s\nPaper text:\n%s",
		verifySchemaPrompt, items.String(), contextText,
	)
	report.Prompt = prompt

	var resp []verifyResponse
	calls, raw, err := e.generateJSON(ctx, StageVerify, prompt, deterministicTemperature, &resp)
	report.Calls = calls
	report.Response = raw
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		return nil, report
	}

	wanted := map[string]bool{}
	for _, k := range keys {
		wanted[k] = true
	}

	var out []record.ParameterCandidate
	for _, r := range resp {
		if !wanted[r.Key] {
			report.Discarded = append(report.Discarded, StageOutcome{Key: r.Key, Kind: OutcomeRejected, RejectReason: "key was not requested"})
			continue
		}
		outcome, cand := e.acceptReplacement(scope, contextText, r, record.SourceModelVerify)
		switch outcome.Kind {
		case OutcomeRejected:
			report.Discarded = append(report.Discarded, outcome)
		default:
			report.Accepted = append(report.Accepted, outcome)
		}
		if cand != nil {
			out = append(out, *cand)
		}
	}
	return out, report
}

// selectVerifyKeys implements the two stage modes: verify-all checks every
// pattern output; fallback checks low-confidence and missing keys plus the
// library's critical keys.
func (e *Engine) selectVerifyKeys(candidates []record.ParameterCandidate, mode Mode, threshold float64) []string {
	best := bestByKey(candidates)
	selected := map[string]bool{}
	if mode == ModeVerifyAll {
		for k := range best {
			selected[k] = true
		}
	} else {
		for k, c := range best {
			if c.Confidence < threshold {
				selected[k] = true
			}
		}
		for _, k := range e.lib.CriticalKeys() {
			if _, ok := best[k]; !ok {
				selected[k] = true
			}
		}
	}
	out := make([]string, 0, len(selected))
	for k := range selected {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type recoveryResponse struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
	Reasoning  string  `json:"reasoning"`
}

// Recover asks, once per scope, which library parameters are present in the
// text but were not extracted. Recovered candidates compete for their key
// like any other candidate; they never override automatically.
func (e *Engine) Recover(ctx context.Context, scope document.ExperimentScope, extractedKeys map[string]bool) ([]record.ParameterCandidate, StageReport) {
	report := StageReport{Stage: StageRecovery}

	var missing []string
	for _, k := range e.lib.Keys() {
		if !extractedKeys[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		report.Skipped = true
		report.SkipReason = "no missing parameters"
		return nil, report
	}

	contextText := buildContext(scope, e.contextBudget)
	var items strings.Builder
	for _, k := range missing {
		p, _ := e.lib.Get(k)
		fmt.Fprintf(&items, "- %s: %s\n", k, p.Description)
	}
	prompt := fmt.Sprintf(
		"The following experimental parameters were not found by pattern extraction. Which of them, if any, are actually present in the paper text below? Report only parameters you can quote evidence for.\n\n%s\n\nParameters not yet extracted:\n%s\nPaper text:\n%s",
		recoverySchemaPrompt, items.String(), contextText,
	)
	report.Prompt = prompt

	var resp []recoveryResponse
	calls, raw, err := e.generateJSON(ctx, StageRecovery, prompt, deterministicTemperature, &resp)
	report.Calls = calls
	report.Response = raw
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		return nil, report
	}

	wanted := map[string]bool{}
	for _, k := range missing {
		wanted[k] = true
	}
	var out []record.ParameterCandidate
	for _, r := range resp {
		if !wanted[r.Key] {
			report.Discarded = append(report.Discarded, StageOutcome{Key: r.Key, Kind: OutcomeRejected, RejectReason: "key was already extracted or unknown"})
			continue
		}
		vr := verifyResponse{Key: r.Key, Value: r.Value, Confidence: r.Confidence, Evidence: r.Evidence, Reasoning: r.Reasoning}
		outcome, cand := e.acceptReplacement(scope, contextText, vr, record.SourceModelRecovery)
		switch outcome.Kind {
		case OutcomeRejected:
			report.Discarded = append(report.Discarded, outcome)
		default:
			report.Accepted = append(report.Accepted, outcome)
		}
		if cand != nil {
			out = append(out, *cand)
		}
	}
	return out, report
}

// Discover proposes parameters outside the canonical library. Proposals are
// exposed to a human-review queue only, never merged into canonical records.
func (e *Engine) Discover(ctx context.Context, scope document.ExperimentScope) ([]DiscoveryProposal, StageReport) {
	report := StageReport{Stage: StageDiscovery}
	contextText := buildContext(scope, e.contextBudget)

	var known strings.Builder
	for _, k := range e.lib.Keys() {
		fmt.Fprintf(&known, "- %s\n", k)
	}
	prompt := fmt.Sprintf(
		"Propose experimental-design parameters present in the paper text below that are NOT covered by the known parameter library. Quote evidence for every proposal.\n\n%s\n\nKnown library parameters (do not propose these):\n%s\nPaper text:\n%s",
		discoverySchemaPrompt, known.String(), contextText,
	)
	report.Prompt = prompt

	var resp []DiscoveryProposal
	calls, raw, err := e.generateJSON(ctx, StageDiscovery, prompt, discoveryTemperature, &resp)
	report.Calls = calls
	report.Response = raw
	if err != nil {
		report.Skipped = true
		report.SkipReason = err.Error()
		return nil, report
	}

	var out []DiscoveryProposal
	for _, p := range resp {
		name := strings.TrimSpace(p.Name)
		if name == "" || strings.TrimSpace(p.Description) == "" {
			report.Discarded = append(report.Discarded, StageOutcome{Key: name, Kind: OutcomeRejected, RejectReason: "missing name or description"})
			continue
		}
		if _, exists := e.lib.Get(name); exists {
			report.Discarded = append(report.Discarded, StageOutcome{Key: name, Kind: OutcomeRejected, RejectReason: "already in canonical library"})
			continue
		}
		if err := checkEvidence(contextText, p.Evidence, 0); err != nil {
			report.Discarded = append(report.Discarded, StageOutcome{Key: name, Kind: OutcomeRejected, RejectReason: err.Error()})
			continue
		}
		report.Accepted = append(report.Accepted, StageOutcome{Key: name, Kind: OutcomeReplacement, Evidence: p.Evidence})
		out = append(out, p)
	}
	return out, report
}

// acceptReplacement applies the shared evidence contract to one per-key model
// result and converts an accepted replacement into a candidate.
func (e *Engine) acceptReplacement(scope document.ExperimentScope, contextText string, r verifyResponse, source record.SourceType) (StageOutcome, *record.ParameterCandidate) {
	if r.Verified {
		return StageOutcome{Key: r.Key, Kind: OutcomeVerified}, nil
	}
	if r.Abstained {
		return StageOutcome{Key: r.Key, Kind: OutcomeAbstained}, nil
	}
	if strings.TrimSpace(r.Value) == "" {
		return StageOutcome{Key: r.Key, Kind: OutcomeRejected, RejectReason: "replacement without a value"}, nil
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return StageOutcome{Key: r.Key, Kind: OutcomeRejected, RejectReason: "confidence out of range"}, nil
	}
	if err := checkEvidence(contextText, r.Evidence, r.Confidence); err != nil {
		return StageOutcome{Key: r.Key, Kind: OutcomeRejected, RejectReason: err.Error()}, nil
	}
	evidence := strings.TrimSpace(r.Evidence)
	cand := &record.ParameterCandidate{
		Key:        r.Key,
		RawValue:   r.Value,
		Value:      strings.TrimSpace(r.Value),
		Source:     source,
		Confidence: r.Confidence,
		Breakdown:  record.ConfidenceBreakdown{Final: r.Confidence},
		Evidence:   evidence,
		Location:   locateEvidence(scope, evidence),
	}
	return StageOutcome{
		Key:        r.Key,
		Kind:       OutcomeReplacement,
		Value:      cand.Value,
		Confidence: r.Confidence,
		Evidence:   evidence,
		Reasoning:  r.Reasoning,
	}, cand
}

func bestByKey(candidates []record.ParameterCandidate) map[string]record.ParameterCandidate {
	best := map[string]record.ParameterCandidate{}
	for _, c := range candidates {
		if cur, ok := best[c.Key]; !ok || c.Confidence > cur.Confidence {
			best[c.Key] = c
		}
	}
	return best
}
