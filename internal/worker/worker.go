// Package worker pulls jobs from the shared queue and executes them one at a
// time: run the command, parse its output, chain playbooks over the targets,
// persist everything and, when asked, tell the submitting commander.
//
// The loop drains eagerly. After a job (successful or not) it pulls again
// immediately and only sleeps the watch interval once the queue is empty.
// A pulled job is never returned to the queue; a job whose command does not
// finish is reported as failed to its commander if it asked for a share,
// and is otherwise only logged.
//
// Store writes that fail are kept in memory and retried in order at the
// start of the next cycle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/events"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/target"
)

const (
	DefaultWatchInterval = 60 * time.Second
	// detachedWriteTimeout bounds the writes made after cancellation.
	detachedWriteTimeout = 5 * time.Second
)

// Config tunes a Worker.
type Config struct {
	Name          string
	WatchInterval time.Duration
	Events        events.Publisher
}

// Worker is one poll loop. It is not safe for concurrent use; run one
// Worker per goroutine.
type Worker struct {
	store     Store
	runner    Runner
	parser    Parser
	playbooks Automator
	cfg       Config
	logger    *slog.Logger

	pending []pendingWrite
}

type pendingWrite struct {
	collection string
	docs       []state.Document
	share      *queue.ShareRecord
}

func New(st Store, runner Runner, parser Parser, playbooks Automator, cfg Config) *Worker {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	return &Worker{
		store:     st,
		runner:    runner,
		parser:    parser,
		playbooks: playbooks,
		cfg:       cfg,
		logger:    log.WithComponent("worker").With("worker", cfg.Name),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker loop started", "watch_interval", w.cfg.WatchInterval.String())
	defer w.logger.Info("worker loop stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := w.Step(ctx)
		if err != nil {
			w.logger.Warn("poll failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.WatchInterval):
		}
	}
}

// Step retries pending writes, then pulls and executes at most one job. It
// reports whether a job was pulled.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	w.flushPending(ctx)

	job, err := w.store.Pull(ctx)
	if err != nil {
		return false, fmt.Errorf("pull: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

// Drain executes jobs until the queue is empty and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		worked, err := w.Step(ctx)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunLocal executes text directly, outside the queue, and persists the
// command, its metadata and any targets like a pulled job. Output lines go
// to sink and playbook status lines are not silenced. It returns
// command.ErrIncomplete when the command did not finish.
func (w *Worker) RunLocal(ctx context.Context, text string, sink command.Sink) (*command.Command, []*target.Target, error) {
	w.flushPending(ctx)

	logger := w.logger.With("run_mode", "local")
	cmd, err := w.runner.Run(ctx, text, map[string]any{"run-mode": "local"}, sink)
	if err == nil && (cmd == nil || !cmd.Finished()) {
		err = command.ErrIncomplete
	}
	if err != nil {
		return cmd, nil, err
	}

	meta, targets, err := w.parser.Parse(ctx, cmd)
	if err != nil {
		logger.Warn("parse reported errors", "command_id", cmd.ID, "error", err)
	}
	if len(targets) > 0 {
		w.playbooks.Automate(ctx, targets, automation.AutomateOptions{})
	}
	w.persist(ctx, logger, cmd, meta, targets)
	if n := len(w.pending); n > 0 {
		return cmd, targets, fmt.Errorf("%d store writes failed", n)
	}
	return cmd, targets, nil
}

// Pending is the number of store writes awaiting retry.
func (w *Worker) Pending() int {
	return len(w.pending)
}

type jobEvent struct {
	JobID      string `json:"job_id"`
	Worker     string `json:"worker"`
	CampaignID string `json:"campaign_id,omitempty"`
	Sequence   int    `json:"sequence"`
	Command    string `json:"command"`
	CommandID  string `json:"command_id,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Targets    int    `json:"targets,omitempty"`
	Error      string `json:"error,omitempty"`
}

type outputEvent struct {
	JobID  string `json:"job_id"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

func (w *Worker) execute(ctx context.Context, job *queue.Job) {
	logger := log.WithJob(job.ID).With(
		"worker", w.cfg.Name,
		"campaign_id", job.CampaignID,
		"sequence", job.Sequence,
	)
	ev := jobEvent{JobID: job.ID, Worker: w.cfg.Name, CampaignID: job.CampaignID, Sequence: job.Sequence, Command: job.Command}
	w.cfg.Events.Publish(events.JobPulled, ev)
	logger.Info("executing job", "command", job.Command)

	sink := func(stream, line string) {
		w.cfg.Events.Publish(events.CommandOutput, outputEvent{JobID: job.ID, Stream: stream, Line: line})
	}
	cmd, err := w.runner.Run(ctx, job.Command, jobExtra(job), sink)
	if err == nil && (cmd == nil || !cmd.Finished()) {
		err = command.ErrIncomplete
	}
	if err != nil {
		logger.Warn("job did not complete", "error", err)
		ev.Error = err.Error()
		w.cfg.Events.Publish(events.JobFailed, ev)
		if job.ShareRequested {
			w.share(ctx, logger, queue.ShareRecord{
				CampaignID: job.CampaignID,
				Sequence:   job.Sequence,
				Failed:     true,
				Command:    job.Command,
				Worker:     w.cfg.Name,
			})
		}
		return
	}

	ev.CommandID, ev.ExitCode = cmd.ID, cmd.ExitCode
	meta, targets, err := w.parser.Parse(ctx, cmd)
	if err != nil {
		logger.Warn("parse reported errors", "command_id", cmd.ID, "error", err)
	}
	if len(targets) > 0 {
		w.playbooks.Automate(ctx, targets, automation.AutomateOptions{Silent: true})
	}
	ev.Targets = len(targets)

	w.persist(ctx, logger, cmd, meta, targets)
	if job.ShareRequested {
		w.share(ctx, logger, queue.ShareRecord{
			CampaignID: job.CampaignID,
			Sequence:   job.Sequence,
			CommandID:  cmd.ID,
			Command:    job.Command,
			Worker:     w.cfg.Name,
		})
	}
	w.cfg.Events.Publish(events.JobCompleted, ev)
	logger.Info("job completed", "command_id", cmd.ID, "targets", len(targets))
}

// jobExtra is the command metadata recorded for a distributed run.
func jobExtra(job *queue.Job) map[string]any {
	extra := maps.Clone(job.Metadata)
	if extra == nil {
		extra = map[string]any{}
	}
	extra["run-mode"] = "distributed"
	extra["campaign_id"] = job.CampaignID
	extra["sequence"] = job.Sequence
	extra["request_share"] = job.ShareRequested
	return extra
}

func (w *Worker) persist(ctx context.Context, logger *slog.Logger, cmd *command.Command, meta *automation.Metadata, targets []*target.Target) {
	raw, err := state.NewDocument(cmd.ID, cmd.ID, cmd)
	if err != nil {
		logger.Error("encode command", "error", err)
		return
	}
	writes := []pendingWrite{{collection: state.CollectionCommands, docs: []state.Document{raw}}}

	if meta != nil {
		doc, err := state.NewDocument(cmd.ID, cmd.ID, meta)
		if err != nil {
			logger.Error("encode metadata", "error", err)
		} else {
			writes = append(writes, pendingWrite{collection: state.CollectionMetadata, docs: []state.Document{doc}})
		}
	}

	if len(targets) > 0 {
		docs := make([]state.Document, 0, len(targets))
		for i, t := range targets {
			doc, err := state.NewDocument(fmt.Sprintf("%s-%d", cmd.ID, i), cmd.ID, t)
			if err != nil {
				logger.Error("encode target", "target", t.Host, "error", err)
				continue
			}
			docs = append(docs, doc)
		}
		writes = append(writes, pendingWrite{collection: state.CollectionTargets, docs: docs})
	}

	for _, pw := range writes {
		w.write(ctx, logger, pw)
	}
}

func (w *Worker) share(ctx context.Context, logger *slog.Logger, rec queue.ShareRecord) {
	pw := pendingWrite{share: &rec}
	if ctx.Err() != nil {
		// Shutting down: no later cycle will retry, and the commander is
		// still waiting on this sequence number.
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
		defer cancel()
		ctx = detached
		w.flushPending(ctx)

		// A failure share references no stored command, so it need not
		// wait behind writes that still fail.
		if rec.Failed && len(w.pending) > 0 {
			if err := w.apply(ctx, pw); err != nil {
				logger.Warn("failure share lost on shutdown", "write", pw.String(), "error", err)
				w.pending = append(w.pending, pw)
				return
			}
			w.cfg.Events.Publish(events.ShareEmitted, rec)
			return
		}
	}
	w.write(ctx, logger, pw)
	w.cfg.Events.Publish(events.ShareEmitted, rec)
}

// write performs pw now, or queues it behind earlier failures so writes
// reach the store in order.
func (w *Worker) write(ctx context.Context, logger *slog.Logger, pw pendingWrite) {
	if len(w.pending) == 0 {
		err := w.apply(ctx, pw)
		if err == nil {
			return
		}
		logger.Warn("store write failed, will retry next cycle", "write", pw.String(), "error", err)
	}
	w.pending = append(w.pending, pw)
}

func (w *Worker) flushPending(ctx context.Context) {
	for len(w.pending) > 0 {
		pw := w.pending[0]
		if err := w.apply(ctx, pw); err != nil {
			w.logger.Warn("retrying store write failed", "write", pw.String(), "remaining", len(w.pending), "error", err)
			return
		}
		w.pending = w.pending[1:]
	}
	w.pending = nil
}

func (w *Worker) apply(ctx context.Context, pw pendingWrite) error {
	if pw.share != nil {
		return w.store.PutShare(ctx, *pw.share)
	}
	return w.store.Persist(ctx, pw.collection, pw.docs)
}

func (pw pendingWrite) String() string {
	if pw.share != nil {
		return fmt.Sprintf("share %s/%d", pw.share.CampaignID, pw.share.Sequence)
	}
	return fmt.Sprintf("persist %s (%d)", pw.collection, len(pw.docs))
}
