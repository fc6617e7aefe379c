package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/rules"
	"github.com/mattjoyce/radar/internal/target"
)

// ExternalCommand is the rule external carrying the command line that
// produced the output being parsed.
const ExternalCommand = "command"

// Metadata is the result of one parse pass.
type Metadata struct {
	SourceCommand string           `json:"source_command"`
	RawCommand    *command.Command `json:"raw_command"`
	Results       map[string]any   `json:"results"`
}

// ParserDispatcher matches command output against parser rules and runs the
// named parsers.
type ParserDispatcher struct {
	rules    *rules.RuleSet
	registry *Registry
	logger   *slog.Logger
}

func NewParserDispatcher(set *rules.RuleSet, reg *Registry) (*ParserDispatcher, error) {
	if set == nil {
		return nil, fmt.Errorf("parser rule set is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("handler registry is nil")
	}
	return &ParserDispatcher{
		rules:    set,
		registry: reg,
		logger:   log.WithComponent("parser"),
	}, nil
}

// Parse runs every matching parser over cmd's output. Each parser's metadata
// lands in Results under its handler name; its targets are stamped with
// cmd.ID and appended in rule order. A failing rule is logged and joined into
// the returned error while the other rules still contribute, so callers
// should use the metadata and targets even when err != nil.
func (d *ParserDispatcher) Parse(ctx context.Context, cmd *command.Command) (*Metadata, []*target.Target, error) {
	meta := &Metadata{
		SourceCommand: cmd.ID,
		RawCommand:    cmd,
		Results:       map[string]any{},
	}
	var (
		targets []*target.Target
		errs    []error
	)
	logger := d.logger.With("command_id", cmd.ID)

	for _, m := range d.rules.Match(cmd.Output, map[string]string{ExternalCommand: cmd.Text}) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if m.Err != nil {
			logger.Warn("parser rule unusable", "rule", m.Rule.Name, "error", m.Err)
			errs = append(errs, m.Err)
			continue
		}
		fn, err := d.registry.Parser(m.Handler)
		if err != nil {
			logger.Warn("parser missing", "rule", m.Rule.Name, "handler", m.Handler, "error", err)
			errs = append(errs, fmt.Errorf("rule %q: %w", m.Rule.Name, err))
			continue
		}

		var (
			fragment any
			found    []*target.Target
		)
		err = invoke(func() error {
			var err error
			fragment, found, err = fn(ctx, cmd)
			return err
		})
		if err != nil {
			logger.Warn("parser failed", "rule", m.Rule.Name, "handler", m.Handler, "error", err)
			errs = append(errs, fmt.Errorf("rule %q: parser %q: %w", m.Rule.Name, m.Handler, err))
			continue
		}

		meta.Results[m.Handler] = fragment
		for _, t := range found {
			if t == nil {
				continue
			}
			t.SourceCommand = cmd.ID
			targets = append(targets, t)
		}
		logger.Debug("parser applied", "rule", m.Rule.Name, "handler", m.Handler, "targets", len(found))
	}
	return meta, targets, errors.Join(errs...)
}
