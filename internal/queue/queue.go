package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/radar/internal/codec"
	"github.com/mattjoyce/radar/internal/log"
)

// Queue is the SQLite work queue and share store. Rows are encoded with
// codec and removed as they are read.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Submit enqueues the batch in one transaction. Jobs are pulled in the order
// given, after any earlier batch.
func (q *Queue) Submit(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := Prepare(jobs, q.now()); err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO job_queue(id, campaign_id, body, submitted_at)
VALUES(?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare submit: %w", err)
	}
	defer stmt.Close()

	for i := range jobs {
		body, err := codec.Marshal(jobs[i])
		if err != nil {
			return fmt.Errorf("encode job %s: %w", jobs[i].ID, err)
		}
		if _, err := stmt.ExecContext(ctx, jobs[i].ID, jobs[i].CampaignID, body,
			jobs[i].SubmittedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert job %s: %w", jobs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Pull removes and returns the oldest job. Returns (nil, nil) if the queue is
// empty. The delete and read are one statement, so no two callers can
// receive the same job.
func (q *Queue) Pull(ctx context.Context) (*Job, error) {
	var body []byte
	err := q.db.QueryRowContext(ctx, `
DELETE FROM job_queue
WHERE seq = (SELECT seq FROM job_queue ORDER BY seq ASC LIMIT 1)
RETURNING body;
`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pull job: %w", err)
	}

	var j Job
	if err := codec.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Depth is the number of jobs waiting.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// PutShare stores a share record for its campaign.
func (q *Queue) PutShare(ctx context.Context, rec ShareRecord) error {
	if err := ValidateShare(&rec, q.now()); err != nil {
		return err
	}
	body, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode share: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO job_share(campaign_id, sequence, body, shared_at)
VALUES(?, ?, ?, ?);
`, rec.CampaignID, rec.Sequence, body, rec.SharedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

// PopShare removes and returns every share record of the campaign, oldest
// first.
func (q *Queue) PopShare(ctx context.Context, filter ShareFilter) ([]ShareRecord, error) {
	if filter.CampaignID == "" {
		return nil, ErrEmptyCampaign
	}
	rows, err := q.db.QueryContext(ctx, `
DELETE FROM job_share
WHERE campaign_id = ?
RETURNING seq, sequence, body;
`, filter.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("pop shares: %w", err)
	}
	defer rows.Close()

	type row struct {
		seq int64
		rec ShareRecord
	}
	var popped []row
	for rows.Next() {
		var (
			r        row
			sequence int
			body     []byte
		)
		if err := rows.Scan(&r.seq, &sequence, &body); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if err := codec.Unmarshal(body, &r.rec); err != nil {
			// The row is already gone; report the sequence as failed so the
			// commander stops waiting on it.
			log.WithCampaign(filter.CampaignID).Warn("undecodable share record, reporting it as failed",
				"sequence", sequence, "error", err)
			r.rec = ShareRecord{CampaignID: filter.CampaignID, Sequence: sequence, Failed: true}
		}
		popped = append(popped, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pop shares: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(popped, func(i, j int) bool { return popped[i].seq < popped[j].seq })
	out := make([]ShareRecord, len(popped))
	for i := range popped {
		out[i] = popped[i].rec
	}
	return out, nil
}
