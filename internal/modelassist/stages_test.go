package modelassist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/record"
)

type fakeGenerator struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, maxTokens int64, temperature float64) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	resp := ""
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

func testLibrary(t *testing.T) *paramlib.Library {
	t.Helper()
	lib, err := paramlib.NewLibrary(paramlib.Library{
		Version: "1",
		Parameters: []paramlib.Parameter{
			{
				Key:         "n_participants",
				Type:        paramlib.TypeNumeric,
				Description: "Number of participants",
				Patterns:    []string{`(?i)(\d+)\s+(?:participants|subjects)`},
				Critical:    true,
			},
			{
				Key:         "n_trials",
				Type:        paramlib.TypeNumeric,
				Description: "Trials per session",
				Patterns:    []string{`(?i)(\d+)\s+trials`},
			},
		},
	})
	if err != nil {
		t.Fatalf("build library: %v", err)
	}
	return lib
}

const methodsText = "A total of 10 subjects completed the task across two sessions of 240 trials each with visual feedback provided."

func testScope() document.ExperimentScope {
	return document.ExperimentScope{
		Ordinal: 1,
		Sections: []document.ScopeSection{
			{Label: document.SectionMethods, Text: methodsText},
		},
	}
}

func patternCandidate(key, value string, conf float64) record.ParameterCandidate {
	return record.ParameterCandidate{
		Key:        key,
		Value:      value,
		Source:     record.SourcePattern,
		Confidence: conf,
		Breakdown:  record.ConfidenceBreakdown{Final: conf},
	}
}

func TestVerifyAcceptsVerbatimReplacement(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`[{"key":"n_participants","verified":false,"value":"10","confidence":0.9,"evidence":"10 subjects completed the task","reasoning":"stated in methods"}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	cands := []record.ParameterCandidate{patternCandidate("n_participants", "30", 0.4)}
	out, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if report.Skipped {
		t.Fatalf("stage skipped: %s", report.SkipReason)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 replacement candidate, got %d", len(out))
	}
	c := out[0]
	if c.Source != record.SourceModelVerify || c.Value != "10" || c.Confidence != 0.9 {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if c.Location.Section != document.SectionMethods {
		t.Fatalf("evidence not located in methods: %+v", c.Location)
	}
	if len(report.Accepted) != 1 || report.Accepted[0].Kind != OutcomeReplacement {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestVerifyDiscardsNonVerbatimEvidence(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`[{"key":"n_participants","verified":false,"value":"10","confidence":0.9,"evidence":"the study recruited ten subjects in total","reasoning":"paraphrase"}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	cands := []record.ParameterCandidate{patternCandidate("n_participants", "30", 0.4)}
	out, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if len(out) != 0 {
		t.Fatalf("paraphrased evidence must be discarded, got %d candidates", len(out))
	}
	if len(report.Discarded) != 1 {
		t.Fatalf("expected 1 discarded outcome, got %+v", report)
	}
	if !strings.Contains(report.Discarded[0].RejectReason, "verbatim") {
		t.Fatalf("reject reason = %q", report.Discarded[0].RejectReason)
	}
}

func TestVerifyAbstentionIsAccepted(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`[{"key":"n_participants","abstained":true}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	out, report := e.Verify(context.Background(), testScope(), nil, ModeFallback, 0.75)
	if len(out) != 0 {
		t.Fatalf("abstention must not produce candidates, got %d", len(out))
	}
	if len(report.Accepted) != 1 || report.Accepted[0].Kind != OutcomeAbstained {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestVerifySelectsMissingCriticalKeysInFallback(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`[]`}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	// High-confidence trials candidate, critical participants key missing.
	cands := []record.ParameterCandidate{patternCandidate("n_trials", "240", 0.9)}
	_, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if report.Skipped {
		t.Fatalf("stage skipped: %s", report.SkipReason)
	}
	if !strings.Contains(report.Prompt, "n_participants") {
		t.Fatal("missing critical key not sent to verification")
	}
	if strings.Contains(report.Prompt, "- n_trials") {
		t.Fatal("high-confidence key sent to verification in fallback mode")
	}
}

func TestVerifyRepairsMalformedJSONOnce(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"this is not json",
		`[{"key":"n_participants","verified":true}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	cands := []record.ParameterCandidate{patternCandidate("n_participants", "10", 0.4)}
	_, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if report.Skipped {
		t.Fatalf("stage skipped after repair: %s", report.SkipReason)
	}
	if report.Calls != 2 {
		t.Fatalf("calls = %d, want 2", report.Calls)
	}
	if gen.calls != 2 || !strings.Contains(gen.prompts[1], "not valid JSON") {
		t.Fatal("repair attempt missing corrective feedback")
	}
}

func TestVerifyGivesUpAfterSecondMalformedResponse(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"nope", "still nope"}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	cands := []record.ParameterCandidate{patternCandidate("n_participants", "10", 0.4)}
	out, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if !report.Skipped {
		t.Fatal("stage must skip after two malformed responses")
	}
	if len(out) != 0 {
		t.Fatalf("skipped stage produced %d candidates", len(out))
	}
}

func TestVerifyClientErrorSkipsWithoutRetry(t *testing.T) {
	gen := &fakeGenerator{errs: []error{errors.New("status code: 400 invalid request")}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	cands := []record.ParameterCandidate{patternCandidate("n_participants", "10", 0.4)}
	_, report := e.Verify(context.Background(), testScope(), cands, ModeFallback, 0.75)
	if !report.Skipped {
		t.Fatal("transport failure must skip the stage")
	}
	if gen.calls != 1 {
		t.Fatalf("client errors must not retry, got %d calls", gen.calls)
	}
}

func TestVerifyPatternOnlyModeSkips(t *testing.T) {
	gen := &fakeGenerator{}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})
	_, report := e.Verify(context.Background(), testScope(), nil, ModePatternOnly, 0.75)
	if !report.Skipped || gen.calls != 0 {
		t.Fatalf("pattern-only mode must not call the model (report %+v, calls %d)", report, gen.calls)
	}
}

func TestRecoverOnlyAsksForMissingKeys(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`[{"key":"n_trials","value":"240","confidence":0.85,"evidence":"240 trials each","reasoning":"methods"},
		  {"key":"n_participants","value":"10","confidence":0.9,"evidence":"10 subjects completed the task","reasoning":"already extracted"}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	out, report := e.Recover(context.Background(), testScope(), map[string]bool{"n_participants": true})
	if report.Skipped {
		t.Fatalf("stage skipped: %s", report.SkipReason)
	}
	if len(out) != 1 || out[0].Key != "n_trials" || out[0].Source != record.SourceModelRecovery {
		t.Fatalf("unexpected recovered candidates %+v", out)
	}
	if len(report.Discarded) != 1 {
		t.Fatalf("already-extracted key must be discarded, report %+v", report)
	}
}

func TestRecoverSkipsWhenNothingMissing(t *testing.T) {
	gen := &fakeGenerator{}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})
	_, report := e.Recover(context.Background(), testScope(), map[string]bool{
		"n_participants": true, "n_trials": true,
	})
	if !report.Skipped || gen.calls != 0 {
		t.Fatalf("recovery with no missing keys must skip (report %+v)", report)
	}
}

func TestDiscoverRejectsLibraryNamesAndUnquotedProposals(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`[{"name":"n_participants","description":"already canonical","example_values":["10"],"prevalence":"HIGH","evidence":"10 subjects completed the task"},
		  {"name":"feedback_modality","description":"sensory channel of feedback","example_values":["visual"],"prevalence":"MEDIUM","evidence":"with visual feedback provided"},
		  {"name":"session_gap","description":"time between sessions","example_values":["24h"],"prevalence":"LOW","evidence":"sessions were a day apart"}]`,
	}}
	e := NewEngine(gen, testLibrary(t), EngineOptions{})

	out, report := e.Discover(context.Background(), testScope())
	if len(out) != 1 || out[0].Name != "feedback_modality" {
		t.Fatalf("unexpected proposals %+v", out)
	}
	if len(report.Discarded) != 2 {
		t.Fatalf("expected 2 discarded proposals, got %+v", report.Discarded)
	}
}
