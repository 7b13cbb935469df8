// Package resolve merges competing parameter candidates from all extraction
// sources into one canonical value per key, with full provenance. A conflict
// is never silently guessed: when confidence cannot separate the candidates,
// source precedence breaks the tie and the record is flagged for review with
// the losing value retained.
package resolve

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-lab/paramextract/internal/record"
	"github.com/kestrel-lab/paramextract/internal/validate"
)

// Audit captures one resolution decision for the append-only audit log so
// thresholds can be recalibrated retroactively without re-running extraction.
type Audit struct {
	ID           string                      `json:"id"`
	Key          string                      `json:"key"`
	Inputs       []record.ParameterCandidate `json:"inputs"`
	DecisionPath []string                    `json:"decision_path"`
	Result       record.CanonicalParameter   `json:"result"`
	At           time.Time                   `json:"at"`
}

type Resolver struct {
	eq     *validate.Engine
	policy Policy
}

func New(eq *validate.Engine, policy Policy) *Resolver {
	return &Resolver{eq: eq, policy: policy}
}

// Resolve produces the canonical parameter for one key. A nil return with no
// audit means zero usable candidates: absence, not an error.
func (r *Resolver) Resolve(key string, candidates []record.ParameterCandidate) (*record.CanonicalParameter, *Audit) {
	usable := make([]record.ParameterCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Key == key && !c.Abstained {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil, nil
	}

	audit := &Audit{
		ID:     uuid.NewString(),
		Key:    key,
		Inputs: usable,
		At:     time.Now().UTC(),
	}

	classes := r.groupByEquivalence(key, usable)
	sortClassesByConfidence(classes)
	top := classes[0]
	winner := top.best

	canonical := record.CanonicalParameter{
		Key:        key,
		Value:      winner.Value,
		Confidence: winner.Confidence,
		Source:     winner.Source,
		ResolvedAt: audit.At,
	}

	switch {
	case len(usable) == 1:
		canonical.Resolution = record.ResolutionDirect
		threshold := r.policy.autoAcceptThreshold(key, winner.Source)
		if winner.Confidence < threshold {
			canonical.RequiresReview = true
			audit.DecisionPath = append(audit.DecisionPath,
				fmt.Sprintf("single candidate below auto_accept_threshold %.2f", threshold))
		} else {
			audit.DecisionPath = append(audit.DecisionPath, "single candidate auto-accepted")
		}

	case len(classes) == 1:
		// All candidates agree (fuzzy-equivalent). Corroboration raises
		// effective trust without altering the stored confidence.
		canonical.Resolution = record.ResolutionDirect
		canonical.Corroborating = corroboratingSources(top.members, winner.Source)
		audit.DecisionPath = append(audit.DecisionPath,
			fmt.Sprintf("%d candidates agree; highest-confidence value accepted with corroboration", len(usable)))

	default:
		runnerUp := classes[1]
		canonical.AlternativeValue = runnerUp.best.Value
		delta := winner.Confidence - runnerUp.best.Confidence
		conflictDelta := r.policy.conflictDelta(key)
		if delta > conflictDelta {
			canonical.Resolution = record.ResolutionConfidenceBased
			audit.DecisionPath = append(audit.DecisionPath,
				fmt.Sprintf("conflict: confidence delta %.3f exceeds conflict_delta %.3f", delta, conflictDelta))
		} else {
			// Precedence is a weaker signal than confidence, so the record
			// always goes to review with both values retained.
			preferred := r.preferByPrecedence(top.best, runnerUp.best)
			loser := runnerUp.best
			if preferred.Value != winner.Value {
				loser = winner
			}
			canonical.Value = preferred.Value
			canonical.Confidence = preferred.Confidence
			canonical.Source = preferred.Source
			canonical.AlternativeValue = loser.Value
			canonical.Resolution = record.ResolutionPrecedenceBased
			canonical.RequiresReview = true
			audit.DecisionPath = append(audit.DecisionPath,
				fmt.Sprintf("conflict: confidence delta %.3f within conflict_delta %.3f, precedence tie-break to %s", delta, conflictDelta, preferred.Source))
		}
	}

	audit.Result = canonical
	return &canonical, audit
}

// ResolveAll resolves every key present in the candidate set.
func (r *Resolver) ResolveAll(candidates []record.ParameterCandidate) ([]record.CanonicalParameter, []Audit) {
	byKey := map[string][]record.ParameterCandidate{}
	var order []string
	for _, c := range candidates {
		if _, seen := byKey[c.Key]; !seen {
			order = append(order, c.Key)
		}
		byKey[c.Key] = append(byKey[c.Key], c)
	}
	sort.Strings(order)

	var out []record.CanonicalParameter
	var audits []Audit
	for _, key := range order {
		canonical, audit := r.Resolve(key, byKey[key])
		if canonical == nil {
			continue
		}
		out = append(out, *canonical)
		audits = append(audits, *audit)
	}
	return out, audits
}

type equivalenceClass struct {
	best    record.ParameterCandidate
	members []record.ParameterCandidate
}

func (r *Resolver) groupByEquivalence(key string, candidates []record.ParameterCandidate) []*equivalenceClass {
	var classes []*equivalenceClass
	for _, c := range candidates {
		placed := false
		for _, cls := range classes {
			if r.eq.Equivalent(c.Value, cls.best.Value, key) {
				cls.members = append(cls.members, c)
				if c.Confidence > cls.best.Confidence {
					cls.best = c
				}
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, &equivalenceClass{best: c, members: []record.ParameterCandidate{c}})
		}
	}
	return classes
}

func sortClassesByConfidence(classes []*equivalenceClass) {
	sort.SliceStable(classes, func(i, j int) bool {
		return classes[i].best.Confidence > classes[j].best.Confidence
	})
}

func (r *Resolver) preferByPrecedence(a, b record.ParameterCandidate) record.ParameterCandidate {
	ra, rb := r.policy.precedenceRank(a.Source), r.policy.precedenceRank(b.Source)
	if rb < ra {
		return b
	}
	if ra == rb && b.Confidence > a.Confidence {
		return b
	}
	return a
}

func corroboratingSources(members []record.ParameterCandidate, winner record.SourceType) []record.SourceType {
	seen := map[record.SourceType]bool{winner: true}
	var out []record.SourceType
	for _, m := range members {
		if !seen[m.Source] {
			seen[m.Source] = true
			out = append(out, m.Source)
		}
	}
	return out
}
