// Package signature recognises packers and malware families by content.
//
// The Matcher interface is what the pipeline depends on. RuleMatcher is a
// byte-pattern implementation driven by a YAML rule file; YARAMatcher runs
// compiled YARA rules when built with the yara tag.
package signature

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"capextract/internal/record"
)

// Matcher returns named hits for content, in a stable order.
type Matcher interface {
	Scan(content []byte) ([]record.Match, error)
}

//go:embed rules.yaml
var defaultRules []byte

var (
	ErrInvalidRule     = errors.New("invalid signature rule")
	ErrYARAUnavailable = errors.New("yara support not compiled in")
)

const yaraScanTimeout = 20 * time.Second

// IsYARA reports whether path names YARA source rather than a YAML rule file.
func IsYARA(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yar", ".yara":
		return true
	}
	return false
}

type Condition string

const (
	ConditionAll Condition = "all"
	ConditionAny Condition = "any"
)

type Pattern struct {
	Text string `yaml:"text,omitempty"`
	Hex  string `yaml:"hex,omitempty"`
	// At anchors the pattern to an absolute offset.
	At *int `yaml:"at,omitempty"`

	needle []byte
}

type Rule struct {
	Name      string            `yaml:"name"`
	Meta      map[string]string `yaml:"meta,omitempty"`
	Condition Condition         `yaml:"condition,omitempty"`
	Patterns  []Pattern         `yaml:"patterns"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type RuleMatcher struct {
	rules []Rule
}

// Default returns a matcher for the embedded rule set.
func Default() (*RuleMatcher, error) {
	return Parse(defaultRules)
}

// Load reads a rule file from disk.
func Load(path string) (*RuleMatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read rule file: %w", err)
	}
	return Parse(data)
}

// Parse compiles YAML rule definitions.
func Parse(data []byte) (*RuleMatcher, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to decode rules: %w", err)
	}
	return New(file.Rules)
}

// New compiles rules, keeping their order.
func New(rules []Rule) (*RuleMatcher, error) {
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrInvalidRule)
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, rule.Name)
		}
		seen[rule.Name] = struct{}{}

		switch rule.Condition {
		case "":
			rule.Condition = ConditionAll
		case ConditionAll, ConditionAny:
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown condition %q", ErrInvalidRule, rule.Name, rule.Condition)
		}
		if len(rule.Patterns) == 0 {
			return nil, fmt.Errorf("%w: rule %q has no patterns", ErrInvalidRule, rule.Name)
		}

		patterns := make([]Pattern, len(rule.Patterns))
		for i, p := range rule.Patterns {
			needle, err := p.compile()
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q pattern %d: %v", ErrInvalidRule, rule.Name, i, err)
			}
			p.needle = needle
			patterns[i] = p
		}
		rule.Patterns = patterns
		compiled = append(compiled, rule)
	}
	return &RuleMatcher{rules: compiled}, nil
}

func (p Pattern) compile() ([]byte, error) {
	switch {
	case p.Text != "" && p.Hex != "":
		return nil, errors.New("text and hex are exclusive")
	case p.Text != "":
		return []byte(p.Text), nil
	case p.Hex != "":
		return hex.DecodeString(strings.Join(strings.Fields(p.Hex), ""))
	}
	return nil, errors.New("empty pattern")
}

func (p Pattern) matches(content []byte) bool {
	if p.At == nil {
		return bytes.Contains(content, p.needle)
	}
	offset := *p.At
	if offset < 0 || offset+len(p.needle) > len(content) {
		return false
	}
	return bytes.Equal(content[offset:offset+len(p.needle)], p.needle)
}

func (r Rule) matches(content []byte) bool {
	if r.Condition == ConditionAny {
		return lo.SomeBy(r.Patterns, func(p Pattern) bool { return p.matches(content) })
	}
	return lo.EveryBy(r.Patterns, func(p Pattern) bool { return p.matches(content) })
}

// Names lists the compiled rule names in order.
func (m *RuleMatcher) Names() []string {
	return lo.Map(m.rules, func(r Rule, _ int) string { return r.Name })
}

func (m *RuleMatcher) Scan(content []byte) ([]record.Match, error) {
	var matches []record.Match
	for _, rule := range m.rules {
		if !rule.matches(content) {
			continue
		}
		matches = append(matches, record.Match{Name: rule.Name, Meta: lo.Assign(rule.Meta)})
	}
	return matches, nil
}
