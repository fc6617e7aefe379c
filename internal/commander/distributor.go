// Package commander fans a scan phase out to workers through the shared
// queue and gathers the results back from the share store.
//
// A phase submits one job per command under a fresh campaign id, then
// polls the share store until every sequence number has reported. The
// oldest outstanding sequence number is watched across polls; when other
// jobs finish around it a "possibly stuck" warning names it. Nothing is
// ever resubmitted or timed out.
package commander

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid"

	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/target"
)

const DefaultPollInterval = 15 * time.Second

// Store is the slice of the backend a commander needs.
type Store interface {
	Submit(ctx context.Context, jobs []queue.Job) error
	PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error)
	Fetch(ctx context.Context, collection string, filter state.Filter) ([]state.Document, error)
}

// Reporter receives progress as a phase runs. Progress implements it for
// terminals; a nil Reporter discards everything.
type Reporter interface {
	PhaseStarted(name string, total int)
	Advanced(done, total int)
	Notice(msg string)
	PhaseFinished(name string)
}

// Phase is one batch of commands distributed together.
type Phase struct {
	Name         string
	Commands     []string
	PollInterval time.Duration
	// Metadata is copied into every job.
	Metadata map[string]any
}

// PhaseResult is everything gathered for one phase.
type PhaseResult struct {
	CampaignID string              `json:"campaign_id"`
	Shares     []queue.ShareRecord `json:"shares"`
	Targets    []*target.Target    `json:"targets"`
}

// Failed lists the share records of jobs that did not complete.
func (r *PhaseResult) Failed() []queue.ShareRecord {
	var out []queue.ShareRecord
	for _, s := range r.Shares {
		if s.Failed {
			out = append(out, s)
		}
	}
	return out
}

// Distributor runs phases against a store.
type Distributor struct {
	store    Store
	reporter Reporter
	poll     time.Duration
	sleep    func(context.Context, time.Duration) error
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithReporter sends progress to r.
func WithReporter(r Reporter) Option {
	return func(d *Distributor) { d.reporter = r }
}

// WithPollInterval sets the default wait between share polls.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Distributor) {
		if iv > 0 {
			d.poll = iv
		}
	}
}

func NewDistributor(st Store, opts ...Option) *Distributor {
	d := &Distributor{
		store:    st,
		reporter: nopReporter{},
		poll:     DefaultPollInterval,
		sleep:    sleepCtx,
		newID:    NewCampaignID,
		logger:   log.WithComponent("commander"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reporter == nil {
		d.reporter = nopReporter{}
	}
	return d
}

// NewCampaignID returns a time-ordered campaign id.
func NewCampaignID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// RunPhase submits p's commands and blocks until every job has shared a
// result and the targets of every successful job have been fetched. Store
// errors are logged and retried on the next poll; only ctx ends the wait
// early.
func (d *Distributor) RunPhase(ctx context.Context, p Phase) (*PhaseResult, error) {
	campaign := d.newID()
	logger := log.WithCampaign(campaign).With("component", "commander", "phase", p.Name)
	interval := p.PollInterval
	if interval <= 0 {
		interval = d.poll
	}

	jobs := make([]queue.Job, len(p.Commands))
	for i, c := range p.Commands {
		jobs[i] = queue.Job{
			Command:        c,
			CampaignID:     campaign,
			Sequence:       i,
			ShareRequested: true,
			Metadata:       p.Metadata,
		}
	}
	res := &PhaseResult{CampaignID: campaign}
	if len(jobs) == 0 {
		return res, nil
	}
	if err := d.submit(ctx, logger, jobs, interval); err != nil {
		return res, err
	}

	logger.Info("jobs distributed", "count", len(jobs), "poll_interval", interval.String())
	d.reporter.PhaseStarted(p.Name, len(jobs))
	defer d.reporter.PhaseFinished(p.Name)

	tracker := NewTracker(len(jobs))
	var toFetch []string
	for !tracker.Done() || len(toFetch) > 0 {
		if err := d.sleep(ctx, interval); err != nil {
			return res, err
		}

		recs, err := d.store.PopShare(ctx, queue.ShareFilter{CampaignID: campaign})
		if err != nil {
			logger.Warn("pop share failed, retrying next poll", "error", err)
			continue
		}
		poll := tracker.Apply(recs)
		if len(poll.Completed) > 0 {
			res.Shares = append(res.Shares, poll.Completed...)
			done := tracker.Total() - len(tracker.Outstanding())
			d.reporter.Advanced(done, tracker.Total())
			d.reporter.Notice(fmt.Sprintf("%d new commands have finished since last poll", len(poll.Completed)))
		}
		if poll.Duplicates > 0 {
			logger.Debug("ignored duplicate share records", "count", poll.Duplicates)
		}
		for _, rec := range poll.Completed {
			if rec.Failed {
				logger.Warn("job failed on worker", "sequence", rec.Sequence, "worker", rec.Worker, "command", rec.Command)
				d.reporter.Notice(fmt.Sprintf("job %d failed on %s: %s", rec.Sequence, rec.Worker, rec.Command))
				continue
			}
			toFetch = append(toFetch, rec.CommandID)
		}
		if poll.HasStuck {
			logger.Warn("job may be stuck", "sequence", poll.Stuck, "command", p.Commands[poll.Stuck], "remaining", tracker.Outstanding())
			d.reporter.Notice(fmt.Sprintf("job %d may be stuck, distribute manually if it is: %q", poll.Stuck, p.Commands[poll.Stuck]))
		}

		if len(toFetch) == 0 {
			continue
		}
		found, err := d.fetchTargets(ctx, toFetch)
		if err != nil {
			logger.Warn("fetch targets failed, retrying next poll", "commands", len(toFetch), "error", err)
			continue
		}
		toFetch = nil
		res.Targets = append(res.Targets, found...)
	}

	logger.Info("phase complete", "targets", len(res.Targets), "failed", len(res.Failed()))
	return res, nil
}

func (d *Distributor) submit(ctx context.Context, logger *slog.Logger, jobs []queue.Job, interval time.Duration) error {
	for {
		err := d.store.Submit(ctx, jobs)
		if err == nil {
			return nil
		}
		logger.Warn("submit failed, retrying", "count", len(jobs), "error", err)
		if err := d.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (d *Distributor) fetchTargets(ctx context.Context, commandIDs []string) ([]*target.Target, error) {
	docs, err := d.store.Fetch(ctx, state.CollectionTargets, state.Filter{
		Field: state.FieldSourceCommand,
		In:    commandIDs,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*target.Target, 0, len(docs))
	for _, doc := range docs {
		t, err := target.Decode(doc.Body)
		if err != nil {
			d.logger.Warn("skipping undecodable target", "id", doc.ID, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopReporter struct{}

func (nopReporter) PhaseStarted(string, int) {}
func (nopReporter) Advanced(int, int)        {}
func (nopReporter) Notice(string)            {}
func (nopReporter) PhaseFinished(string)     {}
