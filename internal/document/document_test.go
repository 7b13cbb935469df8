package document

import (
	"strings"
	"testing"
)

func TestSectionTextConcatenatesInDocumentOrder(t *testing.T) {
	text := "first methods block. results here. second methods block."
	d := Document{
		ID:   "d1",
		Text: text,
		Sections: []Section{
			{Label: SectionMethods, Start: 35, End: len(text)},
			{Label: SectionMethods, Start: 0, End: 20},
			{Label: SectionResults, Start: 21, End: 34},
		},
	}
	got := d.SectionText(SectionMethods)
	if !strings.HasPrefix(got, "first methods block.") || !strings.Contains(got, "second methods block.") {
		t.Fatalf("unexpected concatenation: %q", got)
	}
	if d.SectionText("absent") != "" {
		t.Fatal("absent label must yield empty string")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := Document{ID: "d", Text: "some text"}
	b := Document{ID: "d", Text: "some text"}
	if a.Hash() != b.Hash() {
		t.Fatal("identical documents must hash equally")
	}
	c := Document{ID: "d", Text: "some text "}
	if a.Hash() == c.Hash() {
		t.Fatal("changed text must change the hash")
	}
	d := Document{ID: "d", Text: "some text", Sections: []Section{{Label: SectionMethods, Start: 0, End: 4}}}
	if a.Hash() == d.Hash() {
		t.Fatal("changed section spans must change the hash")
	}
}

func TestValidate(t *testing.T) {
	if err := (Document{ID: "d", Text: "x"}).Validate(); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
	if err := (Document{Text: "x"}).Validate(); err == nil {
		t.Fatal("missing id must fail")
	}
	if err := (Document{ID: "d"}).Validate(); err == nil {
		t.Fatal("empty text must fail")
	}
	bad := Document{ID: "d", Text: "short", Sections: []Section{{Label: "m", Start: 2, End: 99}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("out-of-bounds span must fail")
	}
}

func TestScopeTextAndLen(t *testing.T) {
	s := ExperimentScope{Sections: []ScopeSection{
		{Label: SectionMethods, Text: "abc"},
		{Label: SectionResults, Text: "defg"},
	}}
	if s.Text() != "abc\ndefg" {
		t.Fatalf("Text() = %q", s.Text())
	}
	if s.Len() != len("abc\ndefg") {
		t.Fatalf("Len() = %d", s.Len())
	}
}
