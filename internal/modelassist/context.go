package modelassist

import (
	"strings"

	"github.com/kestrel-lab/paramextract/internal/document"
)

// Section priority for context assembly. Methods carries the ground truth;
// lower-priority sections are truncated first when the budget runs out.
var contextPriority = []string{
	document.SectionMethods,
	document.SectionParticipants,
	document.SectionProcedure,
	document.SectionIntroduction,
	document.SectionResults,
}

// buildContext assembles a bounded prompt context from the scope, in
// priority order, until the character budget is reached.
func buildContext(scope document.ExperimentScope, budget int) string {
	var b strings.Builder
	remaining := budget
	appendSection := func(label, text string) {
		if remaining <= 0 || strings.TrimSpace(text) == "" {
			return
		}
		header := "[" + label + "]\n"
		if len(header) >= remaining {
			remaining = 0
			return
		}
		b.WriteString(header)
		remaining -= len(header)
		if len(text) > remaining {
			text = text[:remaining]
		}
		b.WriteString(text)
		b.WriteString("\n\n")
		remaining -= len(text) + 2
	}

	seen := map[string]bool{}
	for _, label := range contextPriority {
		if text := scope.SectionText(label); text != "" {
			appendSection(label, text)
			seen[label] = true
		}
	}
	// Scopes without recognized labels still need a context.
	if b.Len() == 0 {
		for _, sec := range scope.Sections {
			if !seen[sec.Label] {
				appendSection(sec.Label, sec.Text)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
