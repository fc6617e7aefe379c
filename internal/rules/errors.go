package rules

import "fmt"

// CompileError reports a rule-set that cannot be used at all.
type CompileError struct {
	Source string
	Rule   string
	Err    error
}

func (e *CompileError) Error() string {
	switch {
	case e.Rule != "" && e.Source != "":
		return fmt.Sprintf("compile rules %s: rule %q: %v", e.Source, e.Rule, e.Err)
	case e.Rule != "":
		return fmt.Sprintf("compile rules: rule %q: %v", e.Rule, e.Err)
	case e.Source != "":
		return fmt.Sprintf("compile rules %s: %v", e.Source, e.Err)
	default:
		return fmt.Sprintf("compile rules: %v", e.Err)
	}
}

func (e *CompileError) Unwrap() error { return e.Err }

// MissingHandlerError is attached to a Match whose rule names no handler.
type MissingHandlerError struct {
	Rule string
}

func (e *MissingHandlerError) Error() string {
	return fmt.Sprintf("rule %q does not name a handler", e.Rule)
}
