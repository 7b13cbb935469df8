package modelassist

import (
	"fmt"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/document"
	"github.com/kestrel-lab/paramextract/internal/record"
)

// Evidence contract: a model-proposed value must be backed by a verbatim
// quote from the supplied context. Higher self-reported confidence earns a
// shorter minimum quote.
const (
	highConfidenceCutoff    = 0.8
	minEvidenceCharsHigh    = 10
	minEvidenceCharsDefault = 20
)

func minEvidenceChars(confidence float64) int {
	if confidence >= highConfidenceCutoff {
		return minEvidenceCharsHigh
	}
	return minEvidenceCharsDefault
}

// checkEvidence enforces the contract against the context the model was
// given. Violations discard the candidate; they are never corrected.
func checkEvidence(contextText, evidence string, confidence float64) error {
	ev := strings.TrimSpace(evidence)
	if ev == "" {
		return fmt.Errorf("evidence is empty")
	}
	if n := minEvidenceChars(confidence); len(ev) < n {
		return fmt.Errorf("evidence shorter than %d chars", n)
	}
	if !strings.Contains(contextText, ev) {
		return fmt.Errorf("evidence is not a verbatim substring of the supplied context")
	}
	return nil
}

// locateEvidence pins an accepted quote back to its scope section. Evidence
// passed the verbatim check against the assembled context, so a miss here
// only means the quote spans a section boundary.
func locateEvidence(scope document.ExperimentScope, evidence string) record.EvidenceLocation {
	ev := strings.TrimSpace(evidence)
	for _, sec := range scope.Sections {
		if i := strings.Index(sec.Text, ev); i >= 0 {
			return record.EvidenceLocation{Section: sec.Label, Offset: sec.Start + i}
		}
	}
	return record.EvidenceLocation{Section: "context"}
}
