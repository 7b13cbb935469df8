// Package validate scores extraction quality against a reference standard.
// Its fuzzy-equivalence relation is a validation-time tool only; extraction
// itself never uses it to coerce values.
package validate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/paramlib"
)

const (
	tokenOverlapThreshold  = 0.6
	subsetOverlapThreshold = 0.6
	numericTolerance       = 0.05
	minContainmentLen      = 3
)

type Engine struct {
	synonyms      map[string][][]string
	typos         map[string]string
	abbreviations map[string]string
	stopWords     map[string]bool
}

// NewEngine builds the equivalence engine from the library's declarative
// synonym, typo, abbreviation, and stop-word tables.
func NewEngine(lib *paramlib.Library) *Engine {
	e := &Engine{
		synonyms:      map[string][][]string{},
		typos:         map[string]string{},
		abbreviations: map[string]string{},
		stopWords:     map[string]bool{},
	}
	if lib != nil {
		for key, groups := range lib.Synonyms {
			for _, group := range groups {
				normalized := make([]string, 0, len(group))
				for _, v := range group {
					normalized = append(normalized, normalize(v))
				}
				e.synonyms[key] = append(e.synonyms[key], normalized)
			}
		}
		for k, v := range lib.Typos {
			e.typos[normalize(k)] = normalize(v)
		}
		for k, v := range lib.Abbreviations {
			e.abbreviations[normalize(k)] = normalize(v)
		}
		for _, w := range lib.StopWords {
			e.stopWords[normalize(w)] = true
		}
	}
	return e
}

// Equivalent tries each strategy in order until one succeeds: normalized
// exact match, per-key synonyms, typo correction, substring containment,
// token-set overlap, numeric tolerance, multi-value subset overlap, and
// abbreviation expansion.
func (e *Engine) Equivalent(a, b, key string) bool {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return na == nb
	}
	if na == nb {
		return true
	}
	if e.synonymMatch(na, nb, key) {
		return true
	}
	if e.typoCorrect(na) == e.typoCorrect(nb) {
		return true
	}
	if containsEither(na, nb) {
		return true
	}
	if e.tokenOverlap(na, nb) >= tokenOverlapThreshold {
		return true
	}
	if numericEquivalent(na, nb) {
		return true
	}
	if e.multiValueOverlap(na, nb) {
		return true
	}
	return e.expandAbbreviations(na) == e.expandAbbreviations(nb)
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	return whitespacePattern.ReplaceAllString(s, " ")
}

func (e *Engine) synonymMatch(na, nb, key string) bool {
	for _, group := range e.synonyms[key] {
		foundA, foundB := false, false
		for _, v := range group {
			if v == na {
				foundA = true
			}
			if v == nb {
				foundB = true
			}
		}
		if foundA && foundB {
			return true
		}
	}
	return false
}

func (e *Engine) typoCorrect(s string) string {
	if fixed, ok := e.typos[s]; ok {
		return fixed
	}
	tokens := strings.Fields(s)
	for i, t := range tokens {
		if fixed, ok := e.typos[t]; ok {
			tokens[i] = fixed
		}
	}
	return strings.Join(tokens, " ")
}

// containsEither is symmetric by construction: containment in either
// direction counts.
func containsEither(a, b string) bool {
	if len(a) < minContainmentLen || len(b) < minContainmentLen {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func (e *Engine) tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.')
	}) {
		if !e.stopWords[t] {
			out[t] = true
		}
	}
	return out
}

// tokenOverlap is the Jaccard index over stop-word-filtered tokens, which
// keeps the relation symmetric.
func (e *Engine) tokenOverlap(a, b string) float64 {
	ta, tb := e.tokens(a), e.tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	union := len(tb)
	for t := range ta {
		if tb[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

func numericEquivalent(a, b string) bool {
	sa, sb := numberPattern.FindString(a), numberPattern.FindString(b)
	if sa == "" || sb == "" {
		return false
	}
	fa, errA := strconv.ParseFloat(sa, 64)
	fb, errB := strconv.ParseFloat(sb, 64)
	if errA != nil || errB != nil {
		return false
	}
	if fa == fb {
		return true
	}
	larger := fa
	if fb > larger {
		larger = fb
	}
	if larger == 0 {
		return false
	}
	diff := fa - fb
	if diff < 0 {
		diff = -diff
	}
	return diff/abs(larger) <= numericTolerance
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// multiValueOverlap handles comma-separated fields: the best subset of
// normalized entries from the shorter list that match entries in the longer
// one must cover at least the threshold.
func (e *Engine) multiValueOverlap(a, b string) bool {
	la, lb := splitValues(a), splitValues(b)
	if len(la) < 2 && len(lb) < 2 {
		return false
	}
	if len(la) > len(lb) {
		la, lb = lb, la
	}
	other := map[string]bool{}
	for _, v := range lb {
		other[v] = true
	}
	matched := 0
	for _, v := range la {
		if other[v] {
			matched++
		}
	}
	return float64(matched)/float64(len(la)) >= subsetOverlapThreshold
}

func splitValues(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) expandAbbreviations(s string) string {
	if full, ok := e.abbreviations[s]; ok {
		return full
	}
	tokens := strings.Fields(s)
	for i, t := range tokens {
		if full, ok := e.abbreviations[t]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}
