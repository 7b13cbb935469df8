// Package segment splits an ingested paper into experiment scopes. Papers
// reporting several experiments usually interleave one shared Methods section
// with per-experiment narrative; the segmenter has to attribute text to the
// right experiment without treating Methods subsections as new boundaries.
package segment

import (
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/document"
)

const (
	// Header lines longer than this are prose, not headings.
	maxHeaderLineLen = 64
	// A heading may be preceded by a short list marker ("2. Experiment 1").
	maxHeaderPrefixLen = 4
)

var (
	experimentHeaderPattern = regexp.MustCompile(`(?i)^(experiment|study|task)\s+(\d{1,2}|[ivxl]{1,6}|one|two|three|four|five|six|seven|eight|nine|ten)\b[.:]?\s*(.*)$`)
	headerPrefixPattern     = regexp.MustCompile(`^[\d.()\s]*`)
	methodsHeadingPattern   = regexp.MustCompile(`(?i)^(general\s+)?(materials\s+and\s+)?methods?$`)
	// Mentions of a specific experiment inside a Methods block mean the block
	// is experiment-specific, not shared.
	experimentRefPattern = regexp.MustCompile(`(?i)\b(experiment|study|task)\s+(\d{1,2}|[ivxl]{1,6}|one|two|three|four|five|six|seven|eight|nine|ten)\b`)
)

// Methods subsections must not open a new experiment or close the current
// Methods block.
var subsectionLabels = map[string]string{
	"participants":        document.SectionParticipants,
	"subjects":            document.SectionParticipants,
	"apparatus":           document.SectionMethods,
	"stimuli":             document.SectionMethods,
	"materials":           document.SectionMethods,
	"design":              document.SectionMethods,
	"experimental design": document.SectionMethods,
	"procedure":           document.SectionProcedure,
	"data analysis":       document.SectionMethods,
	"analysis":            document.SectionMethods,
	"results":             document.SectionResults,
	"discussion":          document.SectionDiscussion,
}

var spelledOrdinals = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

type line struct {
	text  string
	start int
}

type header struct {
	lineIdx int
	ordinal int
	title   string
}

// Segment splits the document into ordered experiment scopes. It never fails
// hard: any ambiguity degrades to a single scope covering the whole document.
func Segment(doc document.Document) []document.ExperimentScope {
	lines := splitLines(doc.Text)
	headers := findHeaders(lines)

	if len(headers) == 0 {
		return []document.ExperimentScope{wholeDocumentScope(doc)}
	}
	if ambiguous(headers) {
		log.Printf("segment: ambiguous experiment headers in %s, collapsing to one scope", doc.ID)
		return []document.ExperimentScope{wholeDocumentScope(doc)}
	}

	scopes := make([]document.ExperimentScope, len(headers))
	blocks := make([][]line, len(headers))
	for i, h := range headers {
		end := len(lines)
		if i+1 < len(headers) {
			end = headers[i+1].lineIdx
		}
		blocks[i] = lines[h.lineIdx+1 : end]
		scopes[i] = document.ExperimentScope{Ordinal: h.ordinal, Title: headers[i].title}
	}

	preamble := sectionsFromLines(doc, lines[:headers[0].lineIdx], "")
	for i := range blocks {
		scopes[i].Sections = append(scopes[i].Sections, shareSections(preamble)...)
		scopes[i].Sections = append(scopes[i].Sections, sectionsFromLines(doc, blocks[i], "")...)
	}

	distributeSharedMethods(scopes)
	return scopes
}

func wholeDocumentScope(doc document.Document) document.ExperimentScope {
	scope := document.ExperimentScope{Ordinal: 1}
	if len(doc.Sections) == 0 {
		scope.Sections = []document.ScopeSection{{Label: "body", Text: doc.Text}}
		return scope
	}
	sections := append([]document.Section(nil), doc.Sections...)
	sort.Slice(sections, func(i, j int) bool { return sections[i].Start < sections[j].Start })

	// Section spans that do not tile the text leave gaps; each gap becomes an
	// unlabeled body section so its text is still searched, without repeating
	// the labeled text.
	addGap := func(start, end int) {
		if strings.TrimSpace(doc.Text[start:end]) == "" {
			return
		}
		scope.Sections = append(scope.Sections, document.ScopeSection{
			Label: "body",
			Text:  doc.Text[start:end],
			Start: start,
		})
	}

	pos := 0
	for _, s := range sections {
		if s.Start > pos {
			addGap(pos, s.Start)
		}
		scope.Sections = append(scope.Sections, document.ScopeSection{
			Label: s.Label,
			Text:  doc.Text[s.Start:s.End],
			Start: s.Start,
		})
		if s.End > pos {
			pos = s.End
		}
	}
	if pos < len(doc.Text) {
		addGap(pos, len(doc.Text))
	}
	return scope
}

func splitLines(text string) []line {
	var out []line
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == '\n' {
			out = append(out, line{text: text[start:i], start: start})
			start = i + 1
		}
	}
	return out
}

// findHeaders applies the AND rule: a candidate is a true experiment header
// only when it sits at (or within a short marker of) a line start AND the
// containing line is short. Either condition alone false-positives on prose
// sentences that merely open with "Experiment 1 ...".
func findHeaders(lines []line) []header {
	var out []header
	for i, ln := range lines {
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" || len(trimmed) > maxHeaderLineLen {
			continue
		}
		prefix := headerPrefixPattern.FindString(trimmed)
		if len(prefix) > maxHeaderPrefixLen {
			continue
		}
		body := trimmed[len(prefix):]
		m := experimentHeaderPattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		out = append(out, header{
			lineIdx: i,
			ordinal: parseOrdinal(m[2], len(out)+1),
			title:   strings.TrimSpace(m[3]),
		})
	}
	return out
}

func parseOrdinal(token string, fallback int) int {
	token = strings.ToLower(token)
	if n, ok := spelledOrdinals[token]; ok {
		return n
	}
	if n := parseRoman(token); n > 0 {
		return n
	}
	n := 0
	for _, r := range token {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}

func parseRoman(s string) int {
	values := map[byte]int{'i': 1, 'v': 5, 'x': 10, 'l': 50}
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := values[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) && values[s[i+1]] > v {
			total -= v
		} else {
			total += v
		}
	}
	return total
}

func ambiguous(headers []header) bool {
	seen := map[int]bool{}
	prev := 0
	for _, h := range headers {
		if seen[h.ordinal] || h.ordinal < prev {
			return true
		}
		seen[h.ordinal] = true
		prev = h.ordinal
	}
	return false
}

// sectionsFromLines walks a block of lines tracking the current section
// label. A Methods heading opens a Methods run that only a new section
// heading closes; Methods subsections (Apparatus, Experimental design, ...)
// map into it instead of starting anything new.
func sectionsFromLines(doc document.Document, lines []line, initialLabel string) []document.ScopeSection {
	label := initialLabel
	if label == "" {
		label = "body"
	}
	var out []document.ScopeSection
	var buf []string
	bufStart := -1

	flush := func() {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		if text != "" {
			out = append(out, document.ScopeSection{Label: label, Text: text, Start: bufStart})
		}
		buf = nil
		bufStart = -1
	}

	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln.text)
		if next, ok := headingLabel(trimmed); ok {
			flush()
			label = next
			continue
		}
		if docLabel := labelFromDocumentSections(doc, ln.start); docLabel != "" && docLabel != label && len(buf) == 0 {
			label = docLabel
		}
		if bufStart < 0 {
			bufStart = ln.start
		}
		buf = append(buf, ln.text)
	}
	flush()
	return out
}

func headingLabel(trimmed string) (string, bool) {
	if trimmed == "" || len(trimmed) > maxHeaderLineLen {
		return "", false
	}
	lower := strings.ToLower(strings.TrimRight(trimmed, ":."))
	if methodsHeadingPattern.MatchString(lower) {
		return document.SectionMethods, true
	}
	if label, ok := subsectionLabels[lower]; ok {
		return label, true
	}
	return "", false
}

func labelFromDocumentSections(doc document.Document, offset int) string {
	for _, s := range doc.Sections {
		if offset >= s.Start && offset < s.End {
			return s.Label
		}
	}
	return ""
}

func shareSections(sections []document.ScopeSection) []document.ScopeSection {
	out := make([]document.ScopeSection, len(sections))
	for i, s := range sections {
		s.Shared = true
		out[i] = s
	}
	return out
}

// distributeSharedMethods handles the single-shared-Methods layout: when only
// one experiment block carries Methods text and that text never references a
// specific experiment, the procedural detail applies to every experiment.
// Without this the first experiment keeps only its introductory paragraph and
// all Methods detail lands on whichever experiment the section follows.
func distributeSharedMethods(scopes []document.ExperimentScope) {
	if len(scopes) < 2 {
		return
	}
	ownerIdx := -1
	var methodsSections []document.ScopeSection
	for i := range scopes {
		var local []document.ScopeSection
		for _, sec := range scopes[i].Sections {
			if !sec.Shared && isMethodsLabel(sec.Label) {
				local = append(local, sec)
			}
		}
		if len(local) > 0 {
			if ownerIdx >= 0 {
				return // more than one experiment has its own Methods
			}
			ownerIdx = i
			methodsSections = local
		}
	}
	if ownerIdx < 0 {
		return
	}
	for _, sec := range methodsSections {
		if experimentRefPattern.MatchString(sec.Text) {
			return
		}
	}

	for i := range scopes {
		scopes[i].IsSharedScope = true
		if i == ownerIdx {
			for j := range scopes[i].Sections {
				if !scopes[i].Sections[j].Shared && isMethodsLabel(scopes[i].Sections[j].Label) {
					scopes[i].Sections[j].Shared = true
				}
			}
			continue
		}
		for _, sec := range methodsSections {
			sec.Shared = true
			scopes[i].Sections = append(scopes[i].Sections, sec)
		}
	}
}

func isMethodsLabel(label string) bool {
	switch label {
	case document.SectionMethods, document.SectionParticipants, document.SectionProcedure:
		return true
	}
	return false
}
