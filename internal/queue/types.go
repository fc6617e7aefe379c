// Package queue holds the job and share-record types that travel between the
// commander and workers, and the SQLite implementation of the work queue.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is one command waiting to be pulled by exactly one worker.
type Job struct {
	ID             string         `json:"id"`
	Command        string         `json:"command"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	Sequence       int            `json:"sequence"`
	ShareRequested bool           `json:"request_share"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

// ShareRecord tells a commander that a job of its campaign finished. A failed
// record has no CommandID.
type ShareRecord struct {
	CampaignID string    `json:"campaign_id"`
	Sequence   int       `json:"sequence"`
	CommandID  string    `json:"command_id,omitempty"`
	Failed     bool      `json:"failed"`
	Command    string    `json:"command,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	SharedAt   time.Time `json:"shared_at"`
}

// ShareFilter selects share records to pop.
type ShareFilter struct {
	CampaignID string `json:"campaign_id"`
}

var (
	ErrEmptyCommand  = errors.New("job command is empty")
	ErrEmptyCampaign = errors.New("campaign id is empty")
)

// Prepare validates a batch and fills in missing ids and submission times in
// place. Every backend calls it before enqueueing.
func Prepare(jobs []Job, now time.Time) error {
	for i := range jobs {
		if strings.TrimSpace(jobs[i].Command) == "" {
			return fmt.Errorf("jobs[%d]: %w", i, ErrEmptyCommand)
		}
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
		if jobs[i].SubmittedAt.IsZero() {
			jobs[i].SubmittedAt = now.UTC()
		}
	}
	return nil
}

// ValidateShare checks a record before it is stored.
func ValidateShare(rec *ShareRecord, now time.Time) error {
	if rec.CampaignID == "" {
		return ErrEmptyCampaign
	}
	if rec.SharedAt.IsZero() {
		rec.SharedAt = now.UTC()
	}
	return nil
}
