package automation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/rules"
	"github.com/mattjoyce/radar/internal/target"
)

// AutomateOptions controls one Automate call.
type AutomateOptions struct {
	// Skip lists handler names that must not fire. Each target starts from
	// its own copy.
	Skip []string
	// Silent suppresses handler status lines.
	Silent bool
}

// Firing records one handler invocation.
type Firing struct {
	Handler string
	Status  string
	Err     error
}

// Outcome is what happened to one target.
type Outcome struct {
	Target *target.Target
	Fired  []Firing
	// Skip is the final skip list: the caller's list plus every handler
	// that fired.
	Skip []string
}

// PlaybookDispatcher chains playbooks over targets.
type PlaybookDispatcher struct {
	rules    *rules.RuleSet
	registry *Registry
	out      io.Writer
	logger   *slog.Logger
}

// NewPlaybookDispatcher builds a dispatcher that prints status lines to out
// (nil discards them).
func NewPlaybookDispatcher(set *rules.RuleSet, reg *Registry, out io.Writer) (*PlaybookDispatcher, error) {
	if set == nil {
		return nil, fmt.Errorf("playbook rule set is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("handler registry is nil")
	}
	if out == nil {
		out = io.Discard
	}
	return &PlaybookDispatcher{
		rules:    set,
		registry: reg,
		out:      out,
		logger:   log.WithComponent("playbook"),
	}, nil
}

// Automate runs playbooks over each target in turn. For a target it flattens
// the current state, fires the first matching handler not yet skipped, adds
// that handler to the skip list, and repeats until nothing new matches. A
// handler's mutations can therefore enable a follow-up handler, and each
// handler fires at most once per target, so a target sees at most as many
// firings as there are distinct handlers in the rule set.
//
// Handler failures are recorded in the Outcome and logged; they never stop
// the chain or the remaining targets.
func (d *PlaybookDispatcher) Automate(ctx context.Context, targets []*target.Target, opts AutomateOptions) []Outcome {
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if t == nil {
			d.logger.Warn("skipping nil target")
			continue
		}
		outcomes = append(outcomes, d.automateTarget(ctx, t, opts))
	}
	return outcomes
}

func (d *PlaybookDispatcher) automateTarget(ctx context.Context, t *target.Target, opts AutomateOptions) Outcome {
	logger := d.logger.With("target", t.Host, "command_id", t.SourceCommand)
	out := Outcome{Target: t, Skip: slices.Clone(opts.Skip)}
	warned := map[string]bool{}

	for ctx.Err() == nil {
		text, err := Flatten(t)
		if err != nil {
			logger.Warn("cannot flatten target", "error", err)
			return out
		}

		next := ""
		for _, m := range d.rules.Match(text, nil) {
			if m.Err != nil {
				if !warned[m.Rule.Name] {
					logger.Warn("playbook rule unusable", "rule", m.Rule.Name, "error", m.Err)
					warned[m.Rule.Name] = true
				}
				continue
			}
			if !slices.Contains(out.Skip, m.Handler) {
				next = m.Handler
				break
			}
		}
		if next == "" {
			return out
		}
		// Skip before invoking so a failing handler cannot be retried.
		out.Skip = append(out.Skip, next)
		out.Fired = append(out.Fired, d.fire(ctx, logger, t, next, opts.Silent))
	}
	return out
}

func (d *PlaybookDispatcher) fire(ctx context.Context, logger *slog.Logger, t *target.Target, name string, silent bool) Firing {
	f := Firing{Handler: name}
	fn, err := d.registry.Playbook(name)
	if err != nil {
		logger.Warn("playbook missing", "handler", name, "error", err)
		f.Err = err
		return f
	}
	f.Err = invoke(func() error {
		var err error
		f.Status, err = fn(ctx, t)
		return err
	})
	if f.Err != nil {
		logger.Warn("playbook failed", "handler", name, "error", f.Err)
		return f
	}
	logger.Debug("playbook applied", "handler", name)
	if f.Status != "" && !silent {
		fmt.Fprintln(d.out, f.Status)
	}
	return f
}
