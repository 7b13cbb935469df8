// Package pattern applies the library's textual matching rules to experiment
// scopes and emits confidence-scored parameter candidates. Every distinct
// match becomes a candidate; nothing is silently dropped.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/record"
)

// Options tune extraction without touching the rule tables.
type Options struct {
	// MinSectionChars is the minimum preferred-section length before the
	// extractor falls back to searching the whole scope.
	MinSectionChars int
	// WindowChars is how far around a match the factor scoring looks.
	WindowChars int
	// SharedScopeDiscount multiplies confidence for candidates whose
	// evidence lives in shared (duplicated) scope text. 1.0 disables it.
	SharedScopeDiscount float64
}

// DefaultOptions mirror the values the scoring model was calibrated with.
func DefaultOptions() Options {
	return Options{MinSectionChars: 120, WindowChars: 60, SharedScopeDiscount: 1.0}
}

type Extractor struct {
	lib  *paramlib.Library
	opts Options
}

func New(lib *paramlib.Library, opts Options) *Extractor {
	if opts.MinSectionChars <= 0 {
		opts.MinSectionChars = 120
	}
	if opts.WindowChars <= 0 {
		opts.WindowChars = 60
	}
	if opts.SharedScopeDiscount <= 0 || opts.SharedScopeDiscount > 1 {
		opts.SharedScopeDiscount = 1.0
	}
	return &Extractor{lib: lib, opts: opts}
}

// ExtractAll runs every library parameter against the scope.
func (e *Extractor) ExtractAll(scope document.ExperimentScope) []record.ParameterCandidate {
	var out []record.ParameterCandidate
	for _, key := range e.lib.Keys() {
		cands, err := e.Extract(scope, key)
		if err != nil {
			continue
		}
		out = append(out, cands...)
	}
	return out
}

// Extract applies the matching rules for one parameter key to the scope's
// relevant section text. A key with no matches returns an empty slice; that
// is a normal outcome, not an error.
func (e *Extractor) Extract(scope document.ExperimentScope, key string) ([]record.ParameterCandidate, error) {
	p, ok := e.lib.Get(key)
	if !ok {
		return nil, fmt.Errorf("unknown parameter key %q", key)
	}

	sections := e.searchSections(scope)
	type match struct {
		raw, value, evidence string
		loc                  record.EvidenceLocation
		breakdown            record.ConfidenceBreakdown
		bare                 bool
		shared               bool
	}
	var matches []match
	seen := map[string]bool{}

	for _, sec := range sections {
		for _, rule := range p.Rules() {
			for _, idx := range rule.FindAllStringSubmatchIndex(sec.Text, -1) {
				start, end := idx[0], idx[1]
				if len(idx) >= 4 && idx[2] >= 0 {
					start, end = idx[2], idx[3]
				}
				raw := sec.Text[start:end]
				value, vocabExact, convOK := e.normalize(p, raw)
				if !convOK {
					continue
				}
				dedupe := fmt.Sprintf("%s@%d:%s", sec.Label, sec.Start+start, value)
				if seen[dedupe] {
					continue
				}
				seen[dedupe] = true

				window := windowAround(sec.Text, start, end, e.opts.WindowChars)
				pq, hasUnit, hasKeyword := patternQuality(window, p)
				bare := p.Type == paramlib.TypeNumeric && !hasUnit && !hasKeyword
				matches = append(matches, match{
					raw:      raw,
					value:    value,
					evidence: window,
					loc:      record.EvidenceLocation{Section: sec.Label, Offset: sec.Start + start},
					breakdown: record.ConfidenceBreakdown{
						Base:           baseFactor(p, vocabExact),
						PatternQuality: pq,
						ContextQuality: contextQuality(window),
						SectionBoost:   sectionBoost(sec.Label),
					},
					bare:   bare,
					shared: sec.Shared,
				})
			}
		}
	}

	distinct := map[string]bool{}
	for _, m := range matches {
		distinct[m.value] = true
	}
	uniq := uniquenessFactor(len(distinct))

	out := make([]record.ParameterCandidate, 0, len(matches))
	for _, m := range matches {
		m.breakdown.Uniqueness = uniq
		b := finalize(m.breakdown, m.bare)
		if m.shared && e.opts.SharedScopeDiscount < 1.0 {
			b.Final *= e.opts.SharedScopeDiscount
		}
		out = append(out, record.ParameterCandidate{
			Key:        key,
			RawValue:   m.raw,
			Value:      m.value,
			Source:     record.SourcePattern,
			Confidence: b.Final,
			Breakdown:  b,
			Evidence:   m.evidence,
			Location:   m.loc,
		})
	}
	return out, nil
}

// searchSections prefers methods/participants/procedure text and falls back
// to the whole scope when the preferred sections are absent or too short.
func (e *Extractor) searchSections(scope document.ExperimentScope) []document.ScopeSection {
	var preferred []document.ScopeSection
	total := 0
	for _, sec := range scope.Sections {
		switch sec.Label {
		case document.SectionMethods, document.SectionParticipants, document.SectionProcedure:
			preferred = append(preferred, sec)
			total += len(sec.Text)
		}
	}
	if total >= e.opts.MinSectionChars {
		return preferred
	}
	return scope.Sections
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// normalize converts a raw match into the canonical value form for the
// parameter's type. The third return reports whether conversion succeeded.
func (e *Extractor) normalize(p *paramlib.Parameter, raw string) (value string, vocabExact bool, ok bool) {
	trimmed := strings.TrimSpace(raw)
	switch p.Type {
	case paramlib.TypeNumeric:
		num := numberPattern.FindString(trimmed)
		if num == "" {
			return "", false, false
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return "", false, false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), false, true
	case paramlib.TypeBoolean:
		switch strings.ToLower(trimmed) {
		case "yes", "true", "present", "with", "provided":
			return "true", false, true
		case "no", "false", "absent", "without", "withheld":
			return "false", false, true
		}
		return "", false, false
	case paramlib.TypeVocabulary:
		lower := strings.ToLower(trimmed)
		for _, v := range p.Vocabulary {
			if strings.ToLower(v) == lower {
				return v, true, true
			}
		}
		if best := fuzzyVocabulary(lower, p.Vocabulary); best != "" {
			return best, false, true
		}
		return "", false, false
	default:
		return trimmed, false, true
	}
}

// fuzzyVocabulary picks the vocabulary entry sharing the most tokens with the
// raw match, requiring at least half of the entry's tokens to appear.
func fuzzyVocabulary(lower string, vocab []string) string {
	rawTokens := tokenSet(lower)
	best := ""
	bestScore := 0.0
	for _, v := range vocab {
		vt := tokenSet(strings.ToLower(v))
		if len(vt) == 0 {
			continue
		}
		shared := 0
		for t := range vt {
			if rawTokens[t] {
				shared++
			}
		}
		score := float64(shared) / float64(len(vt))
		if score >= 0.5 && score > bestScore {
			best = v
			bestScore = score
		}
	}
	return best
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out[t] = true
	}
	return out
}

func windowAround(text string, start, end, radius int) string {
	lo := start - radius
	if lo < 0 {
		lo = 0
	}
	hi := end + radius
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
