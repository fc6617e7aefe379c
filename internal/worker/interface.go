package worker

import (
	"context"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/target"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/radar/internal/worker Store

// Store is the part of the backend a worker touches.
type Store interface {
	Pull(ctx context.Context) (*queue.Job, error)
	PutShare(ctx context.Context, rec queue.ShareRecord) error
	Persist(ctx context.Context, collection string, docs []state.Document) error
}

// Runner executes one command.
type Runner interface {
	Run(ctx context.Context, text string, extra map[string]any, sink command.Sink) (*command.Command, error)
}

// Parser turns a finished command into metadata and targets.
type Parser interface {
	Parse(ctx context.Context, cmd *command.Command) (*automation.Metadata, []*target.Target, error)
}

// Automator runs playbooks over targets.
type Automator interface {
	Automate(ctx context.Context, targets []*target.Target, opts automation.AutomateOptions) []automation.Outcome
}
