package report

import (
	"strings"
	"testing"
	"time"

	"github.com/kestrel-lab/paramextract/internal/modelassist"
	"github.com/kestrel-lab/paramextract/internal/pipeline"
	"github.com/kestrel-lab/paramextract/internal/record"
	"github.com/kestrel-lab/paramextract/internal/validate"
)

func sampleResult() pipeline.DocumentResult {
	return pipeline.DocumentResult{
		StudyID: "study-1",
		Scopes: []pipeline.ScopeResult{
			{
				Ordinal: 1,
				Title:   "Adaptation",
				Canonical: []record.CanonicalParameter{
					{Key: "n_participants", Value: "24", Confidence: 0.86, Source: record.SourcePattern, Resolution: record.ResolutionDirect},
					{Key: "n_trials", Value: "300", Confidence: 0.80, Source: record.SourceModelVerify, Resolution: record.ResolutionPrecedenceBased, RequiresReview: true, AlternativeValue: "240"},
				},
				Proposals: []modelassist.DiscoveryProposal{
					{Name: "washout_duration", Description: "duration of washout block", Prevalence: "MEDIUM", Evidence: "a 5 minute washout followed"},
				},
			},
		},
		Metadata: pipeline.RunMetadata{
			RunID:           "run-1",
			Mode:            "fallback",
			CompletedAt:     time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
			ModelCalls:      2,
			NeedsReviewKeys: []string{"n_trials"},
		},
	}
}

func TestBuildRunMarkdown(t *testing.T) {
	md := BuildRunMarkdown(sampleResult())
	for _, want := range []string{
		"# Extraction Report: study-1",
		"## Adaptation",
		"| n_participants | 24 | 0.86 | pattern | direct |  |",
		"yes (alt: 240)",
		"washout_duration",
		"## Review queue",
		"- n_trials",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestBuildRunMarkdownEscapesTableCells(t *testing.T) {
	res := sampleResult()
	res.Scopes[0].Canonical = []record.CanonicalParameter{
		{Key: "schedule", Value: "gradual | abrupt", Resolution: record.ResolutionDirect},
	}
	md := BuildRunMarkdown(res)
	if !strings.Contains(md, `gradual \| abrupt`) {
		t.Fatalf("pipe not escaped:\n%s", md)
	}
}

func TestBuildScoreMarkdown(t *testing.T) {
	rep := validate.Report{
		Overall: validate.Score{TP: 2, VM: 1},
		PerKey: map[string]validate.Score{
			"n_participants": {TP: 2},
			"feedback_type":  {VM: 1},
		},
		Records: []validate.ValidationRecord{
			{StudyID: "s1", Key: "feedback_type", Extracted: "visual", Reference: "auditory", Class: validate.ClassValueMismatch},
			{StudyID: "s1", Key: "n_participants", Extracted: "24", Reference: "24", Class: validate.ClassTruePositive},
		},
	}
	md := BuildScoreMarkdown(rep)
	for _, want := range []string{
		"# Validation Report",
		"precision 0.667",
		"## Per-parameter scores",
		"| feedback_type | 0 | 1 | 0 | 0 |",
		"## Mismatches",
		"| s1 | feedback_type | VM | visual | auditory |",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "| s1 | n_participants |") {
		t.Fatal("true positives must not appear in the mismatch table")
	}
}

func TestRenderHTML(t *testing.T) {
	md := BuildRunMarkdown(sampleResult())
	page, err := RenderHTML(md, "Extraction Report: study-1 <script>")
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	for _, want := range []string{
		"<table>",
		"<h1",
		"&lt;script&gt;",
	} {
		if !strings.Contains(page, want) {
			t.Fatalf("html missing %q", want)
		}
	}
}
