package segment

import (
	"strings"
	"testing"

	"github.com/kestrel-lab/paramextract/internal/document"
)

func TestSegmentNoHeadersYieldsSingleScope(t *testing.T) {
	text := "Abstract text here.\nMethods text with 24 participants."
	doc := document.Document{
		ID:   "s1",
		Text: text,
		Sections: []document.Section{
			{Label: document.SectionAbstract, Start: 0, End: 19},
			{Label: document.SectionMethods, Start: 20, End: len(text)},
		},
	}
	scopes := Segment(doc)
	if len(scopes) != 1 {
		t.Fatalf("expected 1 scope, got %d", len(scopes))
	}
	if scopes[0].Ordinal != 1 {
		t.Fatalf("ordinal = %d, want 1", scopes[0].Ordinal)
	}
	if got := scopes[0].SectionText(document.SectionMethods); !strings.Contains(got, "24 participants") {
		t.Fatalf("methods text missing: %q", got)
	}
}

const multiExperimentText = `Motor learning has been studied extensively.

Experiment 1
In the first part we examined adaptation to a visual rotation.

Experiment 2
In the second part we examined retention after washout.

Methods
Participants
24 university students took part in both sessions.
Procedure
Each session consisted of 300 trials of center-out reaching.

Results
Reach errors decreased across training in both groups.
`

func TestSegmentSharedMethodsDistributedToAllScopes(t *testing.T) {
	doc := document.Document{ID: "s2", Text: multiExperimentText}
	scopes := Segment(doc)
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}
	if scopes[0].Ordinal != 1 || scopes[1].Ordinal != 2 {
		t.Fatalf("ordinals = %d, %d", scopes[0].Ordinal, scopes[1].Ordinal)
	}
	for i, scope := range scopes {
		if !scope.IsSharedScope {
			t.Fatalf("scope %d: IsSharedScope = false", i)
		}
		if got := scope.SectionText(document.SectionParticipants); !strings.Contains(got, "24 university students") {
			t.Fatalf("scope %d: participants text missing: %q", i, got)
		}
		if got := scope.SectionText(document.SectionProcedure); !strings.Contains(got, "300 trials") {
			t.Fatalf("scope %d: procedure text missing: %q", i, got)
		}
	}
	// The duplicated blocks must be flagged shared in every scope, and the
	// shared text length must be identical across all copies.
	sharedLen := func(scope document.ExperimentScope) int {
		n := 0
		for _, sec := range scope.Sections {
			if sec.Shared {
				n += len(sec.Text)
			}
		}
		return n
	}
	for i, scope := range scopes {
		for _, sec := range scope.Sections {
			if sec.Label == document.SectionParticipants && !sec.Shared {
				t.Fatalf("scope %d: participants section not marked shared", i)
			}
		}
	}
	if a, b := sharedLen(scopes[0]), sharedLen(scopes[1]); a != b || a == 0 {
		t.Fatalf("shared text length differs across scopes: %d vs %d", a, b)
	}
}

func TestSegmentUncoveredTextBecomesGapsNotDuplicates(t *testing.T) {
	text := "24 participants took part in total. Unlabeled closing remarks follow."
	doc := document.Document{
		ID:   "s9",
		Text: text,
		Sections: []document.Section{
			{Label: document.SectionMethods, Start: 0, End: 35},
		},
	}
	scopes := Segment(doc)
	if len(scopes) != 1 {
		t.Fatalf("expected 1 scope, got %d", len(scopes))
	}
	hits := 0
	for _, sec := range scopes[0].Sections {
		hits += strings.Count(sec.Text, "24 participants")
	}
	if hits != 1 {
		t.Fatalf("labeled text duplicated: %d occurrences across sections", hits)
	}
	body := scopes[0].SectionText("body")
	if !strings.Contains(body, "Unlabeled closing remarks") {
		t.Fatalf("gap text missing from body: %q", body)
	}
	if strings.Contains(body, "24 participants") {
		t.Fatalf("body repeats labeled text: %q", body)
	}
}

func TestSegmentExperimentSpecificMethodsStayPut(t *testing.T) {
	text := `Experiment 1
First study narrative.

Methods
In Experiment 1, participants completed 120 trials.

Experiment 2
Second study narrative with its own analysis.
`
	doc := document.Document{ID: "s3", Text: text}
	scopes := Segment(doc)
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}
	if scopes[0].IsSharedScope || scopes[1].IsSharedScope {
		t.Fatal("methods text referencing a specific experiment must not be shared")
	}
	if got := scopes[1].SectionText(document.SectionMethods); got != "" {
		t.Fatalf("scope 2 should have no methods text, got %q", got)
	}
}

func TestSegmentSubsectionHeadingsDoNotOpenScopes(t *testing.T) {
	text := `Experiment 1
Narrative one.

Experiment 2
Narrative two.

Methods
Stimuli
Gratings were displayed at 8 deg eccentricity.
Design
A within-subjects design was used.
`
	doc := document.Document{ID: "s4", Text: text}
	scopes := Segment(doc)
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}
	methods := scopes[0].SectionText(document.SectionMethods)
	if !strings.Contains(methods, "Gratings") || !strings.Contains(methods, "within-subjects") {
		t.Fatalf("subsection text not folded into methods: %q", methods)
	}
}

func TestSegmentAmbiguousOrdinalsCollapse(t *testing.T) {
	text := `Experiment 1
First block.

Experiment 1
Duplicate header block.
`
	doc := document.Document{ID: "s5", Text: text}
	scopes := Segment(doc)
	if len(scopes) != 1 {
		t.Fatalf("ambiguous headers must collapse to 1 scope, got %d", len(scopes))
	}
}

func TestSegmentProseMentionIsNotAHeader(t *testing.T) {
	text := "Experiment 1 demonstrated that participants adapted quickly to the imposed rotation during training.\nMore prose follows here."
	doc := document.Document{ID: "s6", Text: text}
	scopes := Segment(doc)
	if len(scopes) != 1 {
		t.Fatalf("prose sentence treated as header, got %d scopes", len(scopes))
	}
}

func TestSegmentSpelledAndRomanOrdinals(t *testing.T) {
	text := `Experiment One
First block text.

Experiment II
Second block text.
`
	doc := document.Document{ID: "s7", Text: text}
	scopes := Segment(doc)
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(scopes))
	}
	if scopes[0].Ordinal != 1 || scopes[1].Ordinal != 2 {
		t.Fatalf("ordinals = %d, %d, want 1, 2", scopes[0].Ordinal, scopes[1].Ordinal)
	}
}
