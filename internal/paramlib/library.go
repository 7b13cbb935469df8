// Package paramlib loads the canonical parameter library: the declarative,
// versioned tables of parameter definitions, matching rules, vocabularies,
// synonyms, typo corrections, and abbreviations. The tables are data supplied
// by configuration, never hard-coded logic; everything is validated at load
// time and read-only afterwards.
package paramlib

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// ValueType drives type conversion and the base confidence factor.
type ValueType string

const (
	TypeNumeric    ValueType = "numeric"
	TypeBoolean    ValueType = "boolean"
	TypeVocabulary ValueType = "vocabulary"
	TypeFreeText   ValueType = "free_text"
)

// Parameter is one canonical parameter definition.
type Parameter struct {
	Key         string    `yaml:"key"`
	Type        ValueType `yaml:"type"`
	Description string    `yaml:"description,omitempty"`
	// Patterns are regexes with a single capture group for the raw value.
	Patterns []string `yaml:"patterns"`
	// UnitTokens mark an appropriate unit near a match (deg, °, s, ms,
	// participants, trials, ...).
	UnitTokens []string `yaml:"unit_tokens,omitempty"`
	// Keywords derived from the parameter name plus explicit additions.
	Keywords   []string `yaml:"keywords,omitempty"`
	Vocabulary []string `yaml:"vocabulary,omitempty"`
	// Critical keys must never be silently absent; fallback mode always
	// sends them to model verification when missing.
	Critical bool `yaml:"critical,omitempty"`

	compiled []*regexp.Regexp
}

// Library is the full declarative table set.
type Library struct {
	Version    string      `yaml:"version"`
	Parameters []Parameter `yaml:"parameters"`
	// Synonyms groups per-key equivalent values.
	Synonyms map[string][][]string `yaml:"synonyms,omitempty"`
	// Typos maps known misspellings to corrected forms.
	Typos map[string]string `yaml:"typos,omitempty"`
	// Abbreviations maps directional/unit abbreviations to expansions.
	Abbreviations map[string]string `yaml:"abbreviations,omitempty"`
	StopWords     []string          `yaml:"stop_words,omitempty"`

	byKey map[string]*Parameter
}

// Load reads and validates a YAML library file.
func Load(path string) (*Library, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameter library: %w", err)
	}
	return Parse(raw)
}

// Parse validates and compiles a YAML library document.
func Parse(raw []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(raw, &lib); err != nil {
		return nil, fmt.Errorf("parse parameter library: %w", err)
	}
	if err := lib.init(); err != nil {
		return nil, err
	}
	return &lib, nil
}

// NewLibrary validates an in-memory library (used by tests and embedding
// callers that build the tables programmatically).
func NewLibrary(lib Library) (*Library, error) {
	if err := lib.init(); err != nil {
		return nil, err
	}
	return &lib, nil
}

func (l *Library) init() error {
	if strings.TrimSpace(l.Version) == "" {
		return fmt.Errorf("parameter library: version is required")
	}
	if len(l.Parameters) == 0 {
		return fmt.Errorf("parameter library: no parameters defined")
	}
	l.byKey = make(map[string]*Parameter, len(l.Parameters))
	for i := range l.Parameters {
		p := &l.Parameters[i]
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("parameter library: parameter %d has no key", i)
		}
		if _, dup := l.byKey[p.Key]; dup {
			return fmt.Errorf("parameter library: duplicate key %q", p.Key)
		}
		switch p.Type {
		case TypeNumeric, TypeBoolean, TypeVocabulary, TypeFreeText:
		default:
			return fmt.Errorf("parameter library: %s has invalid type %q", p.Key, p.Type)
		}
		if p.Type == TypeVocabulary && len(p.Vocabulary) == 0 {
			return fmt.Errorf("parameter library: %s is vocabulary-typed but has no vocabulary", p.Key)
		}
		if len(p.Patterns) == 0 {
			return fmt.Errorf("parameter library: %s has no matching rules", p.Key)
		}
		p.compiled = make([]*regexp.Regexp, 0, len(p.Patterns))
		for _, pat := range p.Patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return fmt.Errorf("parameter library: %s pattern %q: %w", p.Key, pat, err)
			}
			p.compiled = append(p.compiled, re)
		}
		if len(p.Keywords) == 0 {
			p.Keywords = keywordsFromKey(p.Key)
		}
		l.byKey[p.Key] = p
	}
	for key := range l.Synonyms {
		if _, ok := l.byKey[key]; !ok {
			return fmt.Errorf("parameter library: synonym table references unknown key %q", key)
		}
	}
	return nil
}

// keywordsFromKey derives match keywords from a snake_case key, dropping
// unit suffixes ("rotation_magnitude_deg" -> rotation, magnitude).
func keywordsFromKey(key string) []string {
	var out []string
	for _, tok := range strings.Split(key, "_") {
		switch tok {
		case "deg", "ms", "s", "n", "hz", "cm", "mm", "pct":
			continue
		}
		if len(tok) > 2 {
			out = append(out, tok)
		}
	}
	return out
}

// Get returns the definition for a key.
func (l *Library) Get(key string) (*Parameter, bool) {
	p, ok := l.byKey[key]
	return p, ok
}

// Keys returns every canonical key in definition order.
func (l *Library) Keys() []string {
	out := make([]string, 0, len(l.Parameters))
	for i := range l.Parameters {
		out = append(out, l.Parameters[i].Key)
	}
	return out
}

// CriticalKeys returns the keys that must not be silently absent.
func (l *Library) CriticalKeys() []string {
	var out []string
	for i := range l.Parameters {
		if l.Parameters[i].Critical {
			out = append(out, l.Parameters[i].Key)
		}
	}
	return out
}

// Rules returns the compiled matching rules for a parameter.
func (p *Parameter) Rules() []*regexp.Regexp {
	return p.compiled
}
