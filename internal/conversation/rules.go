package conversation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction selects which side of the pipeline a pronunciation rule rewrites.
type Direction string

const (
	// DirectionTTS rules rewrite text before it is spoken.
	DirectionTTS Direction = "tts"

	// DirectionSTT rules rewrite transcripts after recognition.
	DirectionSTT Direction = "stt"
)

// Rule is one ordered regex rewrite.
type Rule struct {
	Direction   Direction `yaml:"direction"`
	Pattern     string    `yaml:"pattern"`
	Replacement string    `yaml:"replacement"`

	re *regexp.Regexp
}

// NewRule compiles a rule. Patterns containing a tab are rejected because the
// compact serialization is tab-delimited.
func NewRule(dir Direction, pattern, replacement string) (Rule, error) {
	if dir != DirectionTTS && dir != DirectionSTT {
		return Rule{}, fmt.Errorf("conversation: unknown rule direction %q", dir)
	}
	if strings.ContainsAny(pattern+replacement, "\t\n") {
		return Rule{}, fmt.Errorf("conversation: rule %q contains tab or newline", pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("conversation: compile rule %q: %w", pattern, err)
	}
	return Rule{Direction: dir, Pattern: pattern, Replacement: replacement, re: re}, nil
}

// RuleSet is an ordered list of pronunciation rules. Application order is the
// declaration order; later rules see earlier rules' output.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates and compiles rules in order.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		compiled, err := NewRule(r.Direction, r.Pattern, r.Replacement)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return &RuleSet{rules: out}, nil
}

// LoadRules reads a YAML rule file: a list of {direction, pattern,
// replacement} mappings. A missing file yields an empty set.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RuleSet{}, nil
		}
		return nil, fmt.Errorf("conversation: read rules %q: %w", path, err)
	}
	var raw []Rule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("conversation: parse rules %q: %w", path, err)
	}
	return NewRuleSet(raw)
}

// Rules returns the compiled rules in application order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Apply runs every rule of the given direction over text, in order.
func (rs *RuleSet) Apply(dir Direction, text string) string {
	if rs == nil {
		return text
	}
	for _, r := range rs.rules {
		if r.Direction != dir {
			continue
		}
		text = r.re.ReplaceAllString(text, r.Replacement)
	}
	return text
}

// SerializeCompact renders rules one per line as
// direction<TAB>pattern<TAB>replacement.
func SerializeCompact(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(string(r.Direction))
		b.WriteByte('\t')
		b.WriteString(r.Pattern)
		b.WriteByte('\t')
		b.WriteString(r.Replacement)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseCompact is the inverse of [SerializeCompact]:
// ParseCompact(SerializeCompact(rules)) reproduces the rules. Blank lines and
// lines starting with # are skipped.
func ParseCompact(s string) ([]Rule, error) {
	var out []Rule
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, fmt.Errorf("conversation: rule line %d: want 3 tab-separated fields, got %d", i+1, len(parts))
		}
		r, err := NewRule(Direction(parts[0]), parts[1], parts[2])
		if err != nil {
			return nil, fmt.Errorf("conversation: rule line %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}
