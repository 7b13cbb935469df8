package validate

import (
	"sort"
	"strings"
)

// Class is the per-(study, parameter) comparison outcome.
type Class string

const (
	ClassTruePositive  Class = "TP"
	ClassValueMismatch Class = "VM"
	ClassFalseNegative Class = "FN"
	ClassFalsePositive Class = "FP"
)

// ValidationRecord is one classified comparison.
type ValidationRecord struct {
	StudyID   string `json:"study_id"`
	Key       string `json:"key"`
	Extracted string `json:"extracted"`
	Reference string `json:"reference"`
	Class     Class  `json:"class"`
}

// Score aggregates classification counts.
// Precision = TP/(TP+FP+VM), Recall = TP/(TP+FN+VM), F1 = harmonic mean.
type Score struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	VM int `json:"vm"`
}

func (s Score) Precision() float64 {
	d := s.TP + s.FP + s.VM
	if d == 0 {
		return 0
	}
	return float64(s.TP) / float64(d)
}

func (s Score) Recall() float64 {
	d := s.TP + s.FN + s.VM
	if d == 0 {
		return 0
	}
	return float64(s.TP) / float64(d)
}

func (s Score) F1() float64 {
	p, r := s.Precision(), s.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (s *Score) add(c Class) {
	switch c {
	case ClassTruePositive:
		s.TP++
	case ClassValueMismatch:
		s.VM++
	case ClassFalseNegative:
		s.FN++
	case ClassFalsePositive:
		s.FP++
	}
}

// Report is the aggregated validation result for one or more studies.
type Report struct {
	Overall Score              `json:"overall"`
	PerKey  map[string]Score   `json:"per_key"`
	Records []ValidationRecord `json:"records"`
}

// Classify compares one extracted value against one reference value. The
// second return is false when both sides are absent; there is nothing to
// classify in that case.
func (e *Engine) Classify(studyID, key, extracted, reference string) (ValidationRecord, bool) {
	rec := ValidationRecord{StudyID: studyID, Key: key, Extracted: extracted, Reference: reference}
	hasExtracted := strings.TrimSpace(extracted) != ""
	hasReference := strings.TrimSpace(reference) != ""
	switch {
	case !hasExtracted && !hasReference:
		return rec, false
	case hasExtracted && !hasReference:
		rec.Class = ClassFalsePositive
	case !hasExtracted && hasReference:
		rec.Class = ClassFalseNegative
	case e.Equivalent(extracted, reference, key):
		rec.Class = ClassTruePositive
	default:
		rec.Class = ClassValueMismatch
	}
	return rec, true
}

// Compare classifies the union of keys from an extracted record and a
// reference record and aggregates the scores.
func (e *Engine) Compare(studyID string, extracted, reference map[string]string) Report {
	keys := map[string]bool{}
	for k := range extracted {
		keys[k] = true
	}
	for k := range reference {
		keys[k] = true
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	report := Report{PerKey: map[string]Score{}}
	for _, k := range ordered {
		rec, ok := e.Classify(studyID, k, extracted[k], reference[k])
		if !ok {
			continue
		}
		report.Records = append(report.Records, rec)
		report.Overall.add(rec.Class)
		s := report.PerKey[k]
		s.add(rec.Class)
		report.PerKey[k] = s
	}
	return report
}

// Merge folds another report into this one (multi-study aggregation).
func (r *Report) Merge(other Report) {
	r.Records = append(r.Records, other.Records...)
	r.Overall.TP += other.Overall.TP
	r.Overall.FP += other.Overall.FP
	r.Overall.FN += other.Overall.FN
	r.Overall.VM += other.Overall.VM
	if r.PerKey == nil {
		r.PerKey = map[string]Score{}
	}
	for k, s := range other.PerKey {
		cur := r.PerKey[k]
		cur.TP += s.TP
		cur.FP += s.FP
		cur.FN += s.FN
		cur.VM += s.VM
		r.PerKey[k] = cur
	}
}
