// Package document holds the immutable input model: a plain-text paper with
// named section spans, and the experiment scopes carved out of it.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Canonical section labels used across the pipeline. Ingestion may emit other
// labels; they are kept verbatim and treated as unrecognized downstream.
const (
	SectionAbstract     = "abstract"
	SectionIntroduction = "introduction"
	SectionMethods      = "methods"
	SectionParticipants = "participants"
	SectionProcedure    = "procedure"
	SectionResults      = "results"
	SectionDiscussion   = "discussion"
)

// Section is a character-offset span of the document text with a label.
type Section struct {
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Document is the immutable ingestion output: full text plus section spans.
// This package never parses binary formats; an external front end does that.
type Document struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Sections []Section `json:"sections"`
}

// SectionText returns the concatenated text of every span with the given
// label, in document order. Empty string if the label is absent.
func (d Document) SectionText(label string) string {
	var parts []string
	for _, s := range d.sortedSections() {
		if s.Label == label && s.Start >= 0 && s.End <= len(d.Text) && s.Start < s.End {
			parts = append(parts, d.Text[s.Start:s.End])
		}
	}
	return strings.Join(parts, "\n")
}

func (d Document) sortedSections() []Section {
	out := make([]Section, len(d.Sections))
	copy(out, d.Sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Hash is the content-addressed cache key for this document.
func (d Document) Hash() string {
	h := sha256.New()
	h.Write([]byte(d.Text))
	for _, s := range d.sortedSections() {
		fmt.Fprintf(h, "|%s:%d:%d", s.Label, s.Start, s.End)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the span map against the text bounds.
func (d Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("document %s: text is empty", d.ID)
	}
	for _, s := range d.Sections {
		if s.Start < 0 || s.End > len(d.Text) || s.Start >= s.End {
			return fmt.Errorf("document %s: section %q span [%d,%d) out of bounds", d.ID, s.Label, s.Start, s.End)
		}
	}
	return nil
}

// ScopeSection is one named text block attributed to an experiment scope.
// Shared marks text duplicated into more than one scope (e.g. a single
// Methods section that serves every experiment in the paper).
type ScopeSection struct {
	Label  string `json:"label"`
	Text   string `json:"text"`
	Start  int    `json:"start"`
	Shared bool   `json:"shared,omitempty"`
}

// ExperimentScope is the text attributed to one experiment within a document.
type ExperimentScope struct {
	Ordinal       int            `json:"ordinal"`
	Title         string         `json:"title,omitempty"`
	IsSharedScope bool           `json:"is_shared_scope"`
	Sections      []ScopeSection `json:"sections"`
}

// SectionText returns the concatenated text of all scope sections carrying
// the given label.
func (s ExperimentScope) SectionText(label string) string {
	var parts []string
	for _, sec := range s.Sections {
		if sec.Label == label {
			parts = append(parts, sec.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Text returns the full scope text in section order.
func (s ExperimentScope) Text() string {
	parts := make([]string, 0, len(s.Sections))
	for _, sec := range s.Sections {
		parts = append(parts, sec.Text)
	}
	return strings.Join(parts, "\n")
}

// Len reports the total character length of the scope text.
func (s ExperimentScope) Len() int {
	n := 0
	for i, sec := range s.Sections {
		if i > 0 {
			n++
		}
		n += len(sec.Text)
	}
	return n
}
