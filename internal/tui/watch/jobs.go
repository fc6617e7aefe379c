package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/radar/internal/events"
)

const (
	statusRunning = "running"
	statusDone    = "done"
	statusFailed  = "failed"

	// maxFinishedJobs bounds how many finished jobs the board remembers.
	maxFinishedJobs = 50
)

// JobState tracks one pulled job.
type JobState struct {
	ID         string
	Worker     string
	CampaignID string
	Sequence   int
	Command    string
	Status     string
	Targets    int
	LastLine   string
	Started    time.Time
	Ended      time.Time
}

// CampaignState counts a campaign's jobs as workers report them.
type CampaignState struct {
	ID           string
	Running      int
	Done         int
	Failed       int
	LastActivity time.Time
}

// Board is the job and campaign picture built from worker events.
type Board struct {
	jobs      map[string]*JobState
	campaigns map[string]*CampaignState
}

func NewBoard() *Board {
	return &Board{
		jobs:      make(map[string]*JobState),
		campaigns: make(map[string]*CampaignState),
	}
}

type jobPayload struct {
	JobID      string `json:"job_id"`
	Worker     string `json:"worker"`
	CampaignID string `json:"campaign_id"`
	Sequence   int    `json:"sequence"`
	Command    string `json:"command"`
	Targets    int    `json:"targets"`
	Line       string `json:"line"`
}

// Apply folds one event into the board. Unknown events are ignored.
func (b *Board) Apply(e events.Event) {
	var p jobPayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.JobID == "" {
		return
	}

	switch e.Type {
	case events.JobPulled:
		b.jobs[p.JobID] = &JobState{
			ID:         p.JobID,
			Worker:     p.Worker,
			CampaignID: p.CampaignID,
			Sequence:   p.Sequence,
			Command:    p.Command,
			Status:     statusRunning,
			Started:    e.At,
		}
		if c := b.campaign(p.CampaignID, e.At); c != nil {
			c.Running++
		}

	case events.CommandOutput:
		if job, ok := b.jobs[p.JobID]; ok && strings.TrimSpace(p.Line) != "" {
			job.LastLine = p.Line
		}

	case events.JobCompleted, events.JobFailed:
		job, ok := b.jobs[p.JobID]
		if !ok {
			job = &JobState{ID: p.JobID, Worker: p.Worker, CampaignID: p.CampaignID, Sequence: p.Sequence, Command: p.Command}
			b.jobs[p.JobID] = job
		}
		wasRunning := job.Status == statusRunning
		job.Status = statusDone
		if e.Type == events.JobFailed {
			job.Status = statusFailed
		}
		job.Targets = p.Targets
		job.Ended = e.At

		if c := b.campaign(job.CampaignID, e.At); c != nil {
			if wasRunning && c.Running > 0 {
				c.Running--
			}
			if job.Status == statusFailed {
				c.Failed++
			} else {
				c.Done++
			}
		}
		b.prune()
	}
}

func (b *Board) campaign(id string, at time.Time) *CampaignState {
	if id == "" {
		return nil
	}
	c, ok := b.campaigns[id]
	if !ok {
		c = &CampaignState{ID: id}
		b.campaigns[id] = c
	}
	c.LastActivity = at
	return c
}

func (b *Board) prune() {
	var finished []*JobState
	for _, j := range b.jobs {
		if j.Status != statusRunning {
			finished = append(finished, j)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].Ended.Before(finished[k].Ended) })
	for _, j := range finished[:len(finished)-maxFinishedJobs] {
		delete(b.jobs, j.ID)
	}
}

// Jobs returns running jobs first (oldest start first), then finished jobs
// (most recent first).
func (b *Board) Jobs() []*JobState {
	out := make([]*JobState, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		ri, rk := out[i].Status == statusRunning, out[k].Status == statusRunning
		if ri != rk {
			return ri
		}
		if ri {
			return out[i].Started.Before(out[k].Started)
		}
		return out[i].Ended.After(out[k].Ended)
	})
	return out
}

// Workers counts distinct worker names among remembered jobs.
func (b *Board) Workers() int {
	seen := make(map[string]bool)
	for _, j := range b.jobs {
		if j.Worker != "" {
			seen[j.Worker] = true
		}
	}
	return len(seen)
}

// Campaigns returns campaigns by most recent activity.
func (b *Board) Campaigns() []*CampaignState {
	out := make([]*CampaignState, 0, len(b.campaigns))
	for _, c := range b.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LastActivity.After(out[k].LastActivity) })
	return out
}

func renderCampaigns(b *Board, theme Theme, width int) string {
	innerWidth := width - 4
	lines := []string{theme.Title.Render("CAMPAIGNS")}

	campaigns := b.Campaigns()
	if len(campaigns) == 0 {
		lines = append(lines, theme.Dim.Render("  No shared jobs seen yet"))
	}
	for i, c := range campaigns {
		if i >= 5 {
			break
		}
		failed := theme.Dim.Render(fmt.Sprintf("%d failed", c.Failed))
		if c.Failed > 0 {
			failed = theme.StatusFailed.Render(fmt.Sprintf("%d failed", c.Failed))
		}
		lines = append(lines, fmt.Sprintf("  %s  %s  %s  %s",
			theme.Header.Render(truncate(c.ID, 26)),
			theme.StatusRunning.Render(fmt.Sprintf("%d running", c.Running)),
			theme.StatusOK.Render(fmt.Sprintf("%d done", c.Done)),
			failed,
		))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderJobs(b *Board, selected int, theme Theme, width int) string {
	innerWidth := width - 4
	lines := []string{theme.Title.Render("JOBS")}

	jobs := b.Jobs()
	if len(jobs) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for workers..."))
	}
	for i, j := range jobs {
		if i >= 10 {
			break
		}
		var status string
		switch j.Status {
		case statusRunning:
			status = theme.StatusRunning.Render(fmt.Sprintf("%-8s %s", j.Status, time.Since(j.Started).Round(time.Second)))
		case statusFailed:
			status = theme.StatusFailed.Render(fmt.Sprintf("%-8s", j.Status))
		default:
			status = theme.StatusOK.Render(fmt.Sprintf("%-8s %d targets", j.Status, j.Targets))
		}
		prefix := "  "
		if i == selected {
			prefix = theme.Highlight.Render("▸ ")
		}
		lines = append(lines, fmt.Sprintf("%s%-12s %s %s",
			prefix, truncate(j.Worker, 12), truncate(j.Command, max(innerWidth-50, 20)), status))
		if i == selected && j.LastLine != "" {
			lines = append(lines, theme.Dim.Render("    "+truncate(j.LastLine, innerWidth-8)))
		}
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
