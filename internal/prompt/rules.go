package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one post-DSL rewrite applied to assistant text.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
	// When is an optional DSL expression; the rule only runs when it holds.
	When string `yaml:"when"`

	re   *regexp.Regexp
	cond Expr
}

// RuleSet is an ordered list of rules loaded from a character's rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes and compiles a YAML rule document.
func ParseRules(data []byte) (*RuleSet, error) {
	rs := &RuleSet{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(rs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("prompt: rules: %w", err)
	}

	var errs []error
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule[%d]", i)
		}
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("%s: empty pattern", r.Name))
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: pattern: %w", r.Name, err))
			continue
		}
		r.re = re
		if r.When != "" {
			cond, err := ParseExpr(r.When)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: when: %w", r.Name, err))
				continue
			}
			r.cond = cond
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("prompt: rules: %w", err)
	}
	return rs, nil
}

// LoadRules reads a rule file. A missing file yields an empty set.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prompt: rules: %w", err)
	}
	return ParseRules(data)
}

// Apply runs every rule in order. Rules whose condition fails to evaluate
// are skipped.
func (rs *RuleSet) Apply(text string, vars map[string]any) string {
	if rs == nil {
		return text
	}
	sc := &scope{vars: vars}
	for _, r := range rs.Rules {
		if r.re == nil {
			continue
		}
		if r.cond != nil {
			v, err := r.cond.eval(sc)
			if err != nil {
				slog.Warn("prompt: rule condition failed", "rule", r.Name, "err", err)
				continue
			}
			if !truthy(v) {
				continue
			}
		}
		text = r.re.ReplaceAllString(text, r.Replace)
	}
	return text
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}
