package rules

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Compile turns rule specs into a RuleSet. Pattern and structural errors are
// returned as *CompileError; a rule without a handler compiles and is reported
// at match time instead.
func Compile(spec FileSpec) (*RuleSet, error) {
	set := &RuleSet{externals: make(map[string]struct{})}
	for _, name := range spec.Externals {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &CompileError{Err: fmt.Errorf("external names must be non-empty")}
		}
		set.externals[name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(spec.Rules))
	for i, rs := range spec.Rules {
		name := strings.TrimSpace(rs.Name)
		if name == "" {
			return nil, &CompileError{Err: fmt.Errorf("rules[%d]: name is required", i)}
		}
		if _, dup := seen[name]; dup {
			return nil, &CompileError{Rule: name, Err: fmt.Errorf("duplicate rule name")}
		}
		seen[name] = struct{}{}

		rule, err := compileRule(i, name, rs, set.externals)
		if err != nil {
			return nil, &CompileError{Rule: name, Err: err}
		}
		set.rules = append(set.rules, rule)
	}

	fp, err := fingerprint(spec)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	set.Fingerprint = fp
	return set, nil
}

func compileRule(index int, name string, rs RuleSpec, declared map[string]struct{}) (*Rule, error) {
	rule := &Rule{
		Name:    name,
		Handler: strings.TrimSpace(rs.Handler),
		Index:   index,
	}
	var err error
	if rule.any, err = compilePatterns("any", rs.Match.Any); err != nil {
		return nil, err
	}
	if rule.all, err = compilePatterns("all", rs.Match.All); err != nil {
		return nil, err
	}
	if rule.none, err = compilePatterns("none", rs.Match.None); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rs.Externals))
	for ext := range rs.Externals {
		names = append(names, ext)
	}
	sort.Strings(names)
	for _, ext := range names {
		if _, ok := declared[ext]; !ok {
			return nil, fmt.Errorf("external %q is not declared", ext)
		}
		re, err := regexp.Compile(rs.Externals[ext])
		if err != nil {
			return nil, fmt.Errorf("external %q: %w", ext, err)
		}
		rule.externals = append(rule.externals, externalMatcher{name: ext, re: re})
	}

	if len(rule.any) == 0 && len(rule.all) == 0 && len(rule.externals) == 0 {
		return nil, fmt.Errorf("rule has no conditions")
	}
	return rule, nil
}

func compilePatterns(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		// (?m) so ^ and $ anchor to lines of the scanned blob.
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, fmt.Errorf("match.%s[%d]: %w", field, i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func fingerprint(spec FileSpec) (string, error) {
	externals := append([]string(nil), spec.Externals...)
	sort.Strings(externals)
	shape := struct {
		Externals []string   `json:"externals"`
		Rules     []RuleSpec `json:"rules"`
	}{
		Externals: externals,
		Rules:     spec.Rules,
	}
	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal rule fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
