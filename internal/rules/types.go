package rules

import "regexp"

// FileSpec is one YAML rule-set file.
//
//	externals: [command]
//	rules:
//	  - name: nmap_output
//	    handler: parser_nmap
//	    match:
//	      any: ["Nmap scan report for"]
//	    externals:
//	      command: '\bnmap\b'
type FileSpec struct {
	Externals []string   `yaml:"externals,omitempty"`
	Rules     []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule as written in YAML.
type RuleSpec struct {
	Name      string            `yaml:"name"`
	Handler   string            `yaml:"handler,omitempty"`
	Match     MatchSpec         `yaml:"match"`
	Externals map[string]string `yaml:"externals,omitempty"`
}

// MatchSpec holds the text patterns of a rule. A rule matches when every
// pattern in All matches and, if Any is non-empty, at least one pattern in
// Any matches. None excludes: any match there vetoes the rule.
type MatchSpec struct {
	Any  []string `yaml:"any,omitempty"`
	All  []string `yaml:"all,omitempty"`
	None []string `yaml:"none,omitempty"`
}

// Rule is a compiled rule. Rules are immutable after compilation.
type Rule struct {
	Name      string
	Handler   string
	Index     int
	any       []*regexp.Regexp
	all       []*regexp.Regexp
	none      []*regexp.Regexp
	externals []externalMatcher
}

type externalMatcher struct {
	name string
	re   *regexp.Regexp
}

// Match is one rule that fired against a text. Err is set when the rule is
// unusable (no handler); such matches are still reported so callers can warn.
type Match struct {
	Rule    *Rule
	Handler string
	Err     error
}

// RuleSet is a compiled, ordered collection of rules.
type RuleSet struct {
	rules       []*Rule
	externals   map[string]struct{}
	Source      string
	Fingerprint string // blake3:<hex> of the normalized rule specs.
}

// Rules returns the compiled rules in definition order.
func (s *RuleSet) Rules() []*Rule {
	return s.rules
}

// Len is the number of rules, which bounds how many distinct handlers a
// playbook pass can fire.
func (s *RuleSet) Len() int {
	return len(s.rules)
}
