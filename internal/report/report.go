// Package report renders extraction runs and validation scores as markdown,
// with an HTML rendering for browser review.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-lab/paramextract/internal/pipeline"
	"github.com/kestrel-lab/paramextract/internal/validate"
)

// BuildRunMarkdown renders one document's extraction result, including the
// review queue and any discovery proposals.
func BuildRunMarkdown(res pipeline.DocumentResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Extraction Report: %s\n\n", res.StudyID)
	fmt.Fprintf(&b, "- **Run:** %s\n", res.Metadata.RunID)
	fmt.Fprintf(&b, "- **Mode:** %s\n", res.Metadata.Mode)
	fmt.Fprintf(&b, "- **Completed:** %s\n", res.Metadata.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- **Model calls:** %d\n", res.Metadata.ModelCalls)
	if res.Metadata.PatternOnlyFallback {
		b.WriteString("- **Note:** model assistance unavailable, pattern extraction only\n")
	}
	if res.Metadata.CacheHit {
		b.WriteString("- **Note:** served from extraction cache\n")
	}
	b.WriteString("\n")

	for _, scope := range res.Scopes {
		title := scope.Title
		if title == "" {
			title = fmt.Sprintf("Experiment %d", scope.Ordinal)
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		if scope.IsSharedScope {
			b.WriteString("_Methods text is shared across experiments; verify per-experiment values._\n\n")
		}
		if len(scope.Canonical) == 0 {
			b.WriteString("No parameters extracted.\n\n")
			continue
		}
		b.WriteString("| Parameter | Value | Confidence | Source | Resolution | Review |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, c := range scope.Canonical {
			review := ""
			if c.RequiresReview {
				review = "yes"
				if c.AlternativeValue != "" {
					review = fmt.Sprintf("yes (alt: %s)", c.AlternativeValue)
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %.2f | %s | %s | %s |\n",
				c.Key, escapeCell(c.Value), c.Confidence, c.Source, c.Resolution, review)
		}
		b.WriteString("\n")

		if len(scope.Proposals) > 0 {
			b.WriteString("### Proposed parameters (review required)\n\n")
			for _, p := range scope.Proposals {
				fmt.Fprintf(&b, "- **%s** (%s): %s\n", p.Name, strings.ToLower(p.Prevalence), p.Description)
				if p.Evidence != "" {
					fmt.Fprintf(&b, "  > %s\n", p.Evidence)
				}
			}
			b.WriteString("\n")
		}
	}

	if keys := res.Metadata.NeedsReviewKeys; len(keys) > 0 {
		b.WriteString("## Review queue\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s\n", k)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BuildScoreMarkdown renders a validation report with overall and per-key
// precision, recall, and F1, plus every non-TP record for inspection.
func BuildScoreMarkdown(rep validate.Report) string {
	var b strings.Builder
	b.WriteString("# Validation Report\n\n")
	fmt.Fprintf(&b, "**Overall:** precision %.3f, recall %.3f, F1 %.3f (TP %d, VM %d, FN %d, FP %d)\n\n",
		rep.Overall.Precision(), rep.Overall.Recall(), rep.Overall.F1(),
		rep.Overall.TP, rep.Overall.VM, rep.Overall.FN, rep.Overall.FP)

	if len(rep.PerKey) > 0 {
		b.WriteString("## Per-parameter scores\n\n")
		b.WriteString("| Parameter | TP | VM | FN | FP | Precision | Recall | F1 |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		keys := make([]string, 0, len(rep.PerKey))
		for k := range rep.PerKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := rep.PerKey[k]
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %.3f | %.3f | %.3f |\n",
				k, s.TP, s.VM, s.FN, s.FP, s.Precision(), s.Recall(), s.F1())
		}
		b.WriteString("\n")
	}

	var misses []validate.ValidationRecord
	for _, r := range rep.Records {
		if r.Class != validate.ClassTruePositive {
			misses = append(misses, r)
		}
	}
	if len(misses) > 0 {
		b.WriteString("## Mismatches\n\n")
		b.WriteString("| Study | Parameter | Class | Extracted | Reference |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, r := range misses {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				r.StudyID, r.Key, r.Class, escapeCell(r.Extracted), escapeCell(r.Reference))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
