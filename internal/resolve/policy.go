package resolve

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/kestrel-lab/paramextract/internal/record"
)

// Override adjusts policy knobs for a single parameter key.
type Override struct {
	AutoAcceptThreshold *float64 `yaml:"auto_accept_threshold,omitempty"`
	ConflictDelta       *float64 `yaml:"conflict_delta,omitempty"`
}

// Policy is the conflict-resolution configuration. It is loaded once and
// read-only for the duration of a run; the resolver receives it explicitly so
// resolution stays reproducible and testable in isolation.
type Policy struct {
	AutoAcceptThreshold map[record.SourceType]float64 `yaml:"auto_accept_threshold"`
	ConflictDelta       float64                       `yaml:"conflict_delta"`
	SourcePrecedence    []record.SourceType           `yaml:"source_precedence"`
	PerKey              map[string]Override           `yaml:"per_key,omitempty"`
	// SharedScopeDiscount optionally reduces candidate confidence when the
	// evidence comes from Methods text duplicated across experiments.
	// 1.0 leaves shared evidence at full weight.
	SharedScopeDiscount float64 `yaml:"shared_scope_discount,omitempty"`
}

// DefaultPolicy prefers model-verified values over pattern matches when
// confidence cannot break the tie, and recovered values last.
func DefaultPolicy() Policy {
	return Policy{
		AutoAcceptThreshold: map[record.SourceType]float64{
			record.SourcePattern:            0.75,
			record.SourceModelVerify:        0.80,
			record.SourceModelRecovery:      0.85,
			record.SourceExternalStructured: 0.70,
		},
		ConflictDelta: 0.15,
		SourcePrecedence: []record.SourceType{
			record.SourceExternalStructured,
			record.SourceModelVerify,
			record.SourcePattern,
			record.SourceModelRecovery,
		},
		SharedScopeDiscount: 1.0,
	}
}

// LoadPolicy reads a YAML policy file and validates the recognized options.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read resolution policy: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse resolution policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.ConflictDelta < 0 || p.ConflictDelta > 1 {
		return fmt.Errorf("resolution policy: conflict_delta %v out of range", p.ConflictDelta)
	}
	for src, t := range p.AutoAcceptThreshold {
		if t < 0 || t > 1 {
			return fmt.Errorf("resolution policy: auto_accept_threshold[%s] %v out of range", src, t)
		}
	}
	if len(p.SourcePrecedence) == 0 {
		return fmt.Errorf("resolution policy: source_precedence is required")
	}
	seen := map[record.SourceType]bool{}
	for _, s := range p.SourcePrecedence {
		if seen[s] {
			return fmt.Errorf("resolution policy: duplicate source %q in precedence", s)
		}
		seen[s] = true
	}
	if p.SharedScopeDiscount < 0 || p.SharedScopeDiscount > 1 {
		return fmt.Errorf("resolution policy: shared_scope_discount %v out of range", p.SharedScopeDiscount)
	}
	return nil
}

func (p Policy) autoAcceptThreshold(key string, src record.SourceType) float64 {
	if o, ok := p.PerKey[key]; ok && o.AutoAcceptThreshold != nil {
		return *o.AutoAcceptThreshold
	}
	return p.AutoAcceptThreshold[src]
}

func (p Policy) conflictDelta(key string) float64 {
	if o, ok := p.PerKey[key]; ok && o.ConflictDelta != nil {
		return *o.ConflictDelta
	}
	return p.ConflictDelta
}

// precedenceRank orders sources; unknown sources rank last.
func (p Policy) precedenceRank(src record.SourceType) int {
	for i, s := range p.SourcePrecedence {
		if s == src {
			return i
		}
	}
	return len(p.SourcePrecedence)
}
