package rules

// Match evaluates every rule against text and returns all satisfied rules in
// definition order. externals supplies the values of named external variables;
// a rule that constrains an external that was not supplied does not match.
func (s *RuleSet) Match(text string, externals map[string]string) []Match {
	var out []Match
	for _, rule := range s.rules {
		if !rule.matches(text, externals) {
			continue
		}
		m := Match{Rule: rule, Handler: rule.Handler}
		if rule.Handler == "" {
			m.Err = &MissingHandlerError{Rule: rule.Name}
		}
		out = append(out, m)
	}
	return out
}

func (r *Rule) matches(text string, externals map[string]string) bool {
	for _, ext := range r.externals {
		value, ok := externals[ext.name]
		if !ok || !ext.re.MatchString(value) {
			return false
		}
	}
	for _, re := range r.all {
		if !re.MatchString(text) {
			return false
		}
	}
	if len(r.any) > 0 {
		hit := false
		for _, re := range r.any {
			if re.MatchString(text) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, re := range r.none {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}
