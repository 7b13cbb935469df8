package pattern

import (
	"strings"

	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/paramlib"
	"github.com/kestrel-lab/paramextract/internal/record"
)

// Base type-conversion reliability per value type.
const (
	baseNumeric         = 0.90
	baseBoolean         = 0.85
	baseVocabularyExact = 0.90
	baseVocabularyFuzzy = 0.60
	baseFreeText        = 0.75

	// A bare, context-free number never scores above this, regardless of the
	// other factors.
	bareNumberCap = 0.60

	patternQualityFloor = 0.70
	unitTokenBonus      = 0.15
	keywordBonus        = 0.15

	contextQualityFloor = 0.85
	declarativeBonus    = 0.10
	hedgePenalty        = 0.20
	contextQualityMin   = 0.50

	uniquenessStep  = 0.10
	uniquenessFloor = 0.50
)

var declarativeMarkers = []string{
	"was", "were", "consisted of", "performed", "completed", "received",
}

var hedgeMarkers = []string{
	"approximately", "about ", "around", "roughly", "~",
	"up to", "between", "ranged", "varied",
}

var sectionBoosts = map[string]float64{
	document.SectionMethods:      1.00,
	document.SectionParticipants: 1.00,
	document.SectionProcedure:    1.00,
	document.SectionAbstract:     0.95,
	document.SectionResults:      0.85,
	document.SectionDiscussion:   0.75,
	document.SectionIntroduction: 0.70,
}

const unrecognizedSectionBoost = 0.90

func sectionBoost(label string) float64 {
	if b, ok := sectionBoosts[label]; ok {
		return b
	}
	return unrecognizedSectionBoost
}

func baseFactor(p *paramlib.Parameter, vocabExact bool) float64 {
	switch p.Type {
	case paramlib.TypeNumeric:
		return baseNumeric
	case paramlib.TypeBoolean:
		return baseBoolean
	case paramlib.TypeVocabulary:
		if vocabExact {
			return baseVocabularyExact
		}
		return baseVocabularyFuzzy
	default:
		return baseFreeText
	}
}

// patternQuality scores the immediate surroundings of a match: a unit token
// appropriate to the parameter family and/or a keyword from the parameter
// name each raise it above the floor.
func patternQuality(window string, p *paramlib.Parameter) (q float64, hasUnit, hasKeyword bool) {
	lower := strings.ToLower(window)
	q = patternQualityFloor
	for _, u := range p.UnitTokens {
		if strings.Contains(lower, strings.ToLower(u)) {
			q += unitTokenBonus
			hasUnit = true
			break
		}
	}
	for _, k := range p.Keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			q += keywordBonus
			hasKeyword = true
			break
		}
	}
	if q > 1.0 {
		q = 1.0
	}
	return q, hasUnit, hasKeyword
}

// contextQuality rewards declarative sentence markers and penalizes hedging
// language and open ranges, which usually quote summaries, not design values.
func contextQuality(window string) float64 {
	lower := strings.ToLower(window)
	q := contextQualityFloor
	for _, m := range declarativeMarkers {
		if strings.Contains(lower, m) {
			q += declarativeBonus
			break
		}
	}
	for _, m := range hedgeMarkers {
		if strings.Contains(lower, m) {
			q -= hedgePenalty
			break
		}
	}
	if q > 1.0 {
		q = 1.0
	}
	if q < contextQualityMin {
		q = contextQualityMin
	}
	return q
}

// uniquenessFactor shrinks as the number of distinct values matched for the
// same key within one scope grows.
func uniquenessFactor(distinctValues int) float64 {
	if distinctValues <= 1 {
		return 1.0
	}
	f := 1.0 - uniquenessStep*float64(distinctValues-1)
	if f < uniquenessFloor {
		f = uniquenessFloor
	}
	return f
}

func finalize(b record.ConfidenceBreakdown, bareNumber bool) record.ConfidenceBreakdown {
	f := b.Base * b.PatternQuality * b.ContextQuality * b.Uniqueness * b.SectionBoost
	if bareNumber && f > bareNumberCap {
		f = bareNumberCap
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	b.Final = f
	return b
}
