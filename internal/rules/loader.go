package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and compiles one rule-set file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CompileError{Source: path, Err: fmt.Errorf("read rule file: %w", err)}
	}
	set, err := Parse(data)
	if err != nil {
		if ce, ok := err.(*CompileError); ok {
			ce.Source = path
			return nil, ce
		}
		return nil, err
	}
	set.Source = path
	return set, nil
}

// Parse compiles a rule set from YAML bytes.
func Parse(data []byte) (*RuleSet, error) {
	var spec FileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &CompileError{Err: fmt.Errorf("parse rule file: %w", err)}
	}
	return Compile(spec)
}
