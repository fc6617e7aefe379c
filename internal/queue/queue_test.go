package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/radar/internal/storage"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "radar.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func batch(prefix string, n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Command: fmt.Sprintf("echo %s-%d", prefix, i), CampaignID: prefix, Sequence: i}
	}
	return jobs
}

func TestSubmitPullFIFOAcrossBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)

	first, second := batch("a", 3), batch("b", 2)
	if err := q.Submit(ctx, first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if err := q.Submit(ctx, second); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if first[0].ID == "" || first[0].SubmittedAt.IsZero() {
		t.Fatalf("Submit did not fill id/time: %#v", first[0])
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 5 {
		t.Fatalf("Depth = %d, %v; want 5", depth, err)
	}

	want := append(append([]Job{}, first...), second...)
	for i, w := range want {
		j, err := q.Pull(ctx)
		if err != nil {
			t.Fatalf("Pull %d: %v", i, err)
		}
		if j == nil || j.ID != w.ID || j.Command != w.Command || j.Sequence != w.Sequence {
			t.Fatalf("Pull %d = %#v, want %#v", i, j, w)
		}
	}

	j, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull empty: %v", err)
	}
	if j != nil {
		t.Fatalf("expected empty queue, got %#v", j)
	}
}

func TestSubmitRejectsEmptyCommandAtomically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)

	jobs := []Job{{Command: "echo ok"}, {Command: "  "}}
	if err := q.Submit(ctx, jobs); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("Submit err = %v, want ErrEmptyCommand", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("Depth = %d after rejected batch, want 0", depth)
	}
}

func TestPullKeepsMetadata(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)

	err := q.Submit(ctx, []Job{{
		Command:        "nmap -T4 10.0.0.1",
		CampaignID:     "c1",
		ShareRequested: true,
		Metadata:       map[string]any{"phase": "fast", "hosts": []any{"10.0.0.1"}},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j, err := q.Pull(ctx)
	if err != nil || j == nil {
		t.Fatalf("Pull = %v, %v", j, err)
	}
	if !j.ShareRequested || j.Metadata["phase"] != "fast" {
		t.Fatalf("pulled job lost fields: %#v", j)
	}
}

func TestConcurrentPullDeliversEachJobOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)
	if err := q.Submit(ctx, batch("c", 40)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Pull(ctx)
				if err != nil {
					t.Errorf("Pull: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Fatalf("pulled %d distinct jobs, want 40", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s pulled %d times", id, n)
		}
	}
}

func TestShareRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)

	for seq := 0; seq < 5; seq++ {
		if err := q.PutShare(ctx, ShareRecord{CampaignID: "C", Sequence: seq, CommandID: fmt.Sprintf("cmd-%d", seq)}); err != nil {
			t.Fatalf("PutShare %d: %v", seq, err)
		}
	}
	if err := q.PutShare(ctx, ShareRecord{CampaignID: "other", Sequence: 0}); err != nil {
		t.Fatalf("PutShare other: %v", err)
	}

	recs, err := q.PopShare(ctx, ShareFilter{CampaignID: "C"})
	if err != nil {
		t.Fatalf("PopShare: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("PopShare returned %d records, want 5", len(recs))
	}
	for i, r := range recs {
		if r.Sequence != i || r.CommandID != fmt.Sprintf("cmd-%d", i) || r.SharedAt.IsZero() {
			t.Fatalf("recs[%d] = %#v", i, r)
		}
	}

	again, err := q.PopShare(ctx, ShareFilter{CampaignID: "C"})
	if err != nil || len(again) != 0 {
		t.Fatalf("second PopShare = %v, %v; want empty", again, err)
	}
	other, err := q.PopShare(ctx, ShareFilter{CampaignID: "other"})
	if err != nil || len(other) != 1 {
		t.Fatalf("other campaign PopShare = %v, %v", other, err)
	}
}

func TestPopShareReportsUndecodableRecordAsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openQueue(t)

	if err := q.PutShare(ctx, ShareRecord{CampaignID: "C", Sequence: 0, CommandID: "cmd-0"}); err != nil {
		t.Fatalf("PutShare 0: %v", err)
	}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO job_share(campaign_id, sequence, body, shared_at) VALUES('C', 1, ?, '')`,
		[]byte{0xff}); err != nil {
		t.Fatalf("insert corrupt share: %v", err)
	}
	if err := q.PutShare(ctx, ShareRecord{CampaignID: "C", Sequence: 2, CommandID: "cmd-2"}); err != nil {
		t.Fatalf("PutShare 2: %v", err)
	}

	recs, err := q.PopShare(ctx, ShareFilter{CampaignID: "C"})
	if err != nil {
		t.Fatalf("PopShare: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("PopShare returned %d records, want 3", len(recs))
	}
	if recs[0].CommandID != "cmd-0" || recs[2].CommandID != "cmd-2" {
		t.Fatalf("good records = %#v, %#v", recs[0], recs[2])
	}
	if got := recs[1]; got.Sequence != 1 || !got.Failed || got.CampaignID != "C" {
		t.Fatalf("corrupt record = %#v, want failed sequence 1", got)
	}
}

func TestShareRequiresCampaign(t *testing.T) {
	t.Parallel()

	q := openQueue(t)
	if err := q.PutShare(context.Background(), ShareRecord{Sequence: 1}); !errors.Is(err, ErrEmptyCampaign) {
		t.Fatalf("PutShare err = %v", err)
	}
	if _, err := q.PopShare(context.Background(), ShareFilter{}); !errors.Is(err, ErrEmptyCampaign) {
		t.Fatalf("PopShare err = %v", err)
	}
}
