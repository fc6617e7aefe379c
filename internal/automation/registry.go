// Package automation runs rule-selected handlers over command output
// (parsers) and over discovered targets (playbooks).
//
// Handlers are plain Go functions registered by name at startup. Rule sets
// refer to them by that name; a rule naming an unregistered handler fails on
// its own without affecting the rest of the pass.
package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/rules"
	"github.com/mattjoyce/radar/internal/target"
)

type Kind string

const (
	KindParser   Kind = "parser"
	KindPlaybook Kind = "playbook"
)

// ParserFunc turns a finished command into a metadata fragment and targets.
type ParserFunc func(ctx context.Context, cmd *command.Command) (any, []*target.Target, error)

// PlaybookFunc probes a target, mutating it in place, and returns a status
// line for the operator (may be empty).
type PlaybookFunc func(ctx context.Context, t *target.Target) (string, error)

// HandlerNotFoundError is returned for a handler name with no registration.
type HandlerNotFoundError struct {
	Kind Kind
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("%s handler %q is not registered", e.Kind, e.Name)
}

// Registry maps handler names to implementations.
type Registry struct {
	mu        sync.RWMutex
	parsers   map[string]ParserFunc
	playbooks map[string]PlaybookFunc
}

func NewRegistry() *Registry {
	return &Registry{
		parsers:   make(map[string]ParserFunc),
		playbooks: make(map[string]PlaybookFunc),
	}
}

func (r *Registry) RegisterParser(name string, fn ParserFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("parser registration needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.parsers[name]; exists {
		return fmt.Errorf("parser %q already registered", name)
	}
	r.parsers[name] = fn
	return nil
}

func (r *Registry) RegisterPlaybook(name string, fn PlaybookFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("playbook registration needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.playbooks[name]; exists {
		return fmt.Errorf("playbook %q already registered", name)
	}
	r.playbooks[name] = fn
	return nil
}

func (r *Registry) Parser(name string) (ParserFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.parsers[name]
	if !ok {
		return nil, &HandlerNotFoundError{Kind: KindParser, Name: name}
	}
	return fn, nil
}

func (r *Registry) Playbook(name string) (PlaybookFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.playbooks[name]
	if !ok {
		return nil, &HandlerNotFoundError{Kind: KindPlaybook, Name: name}
	}
	return fn, nil
}

// Names lists registered handlers of kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case KindParser:
		for n := range r.parsers {
			names = append(names, n)
		}
	case KindPlaybook:
		for n := range r.playbooks {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Check reports every rule in set whose handler is missing or unregistered.
func (r *Registry) Check(set *rules.RuleSet, kind Kind) []error {
	var errs []error
	for _, rule := range set.Rules() {
		if rule.Handler == "" {
			errs = append(errs, &rules.MissingHandlerError{Rule: rule.Name})
			continue
		}
		var err error
		if kind == KindParser {
			_, err = r.Parser(rule.Handler)
		} else {
			_, err = r.Playbook(rule.Handler)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
		}
	}
	return errs
}

// invoke runs fn, converting a panic into an error.
func invoke(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return fn()
}
