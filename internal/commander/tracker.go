package commander

import (
	"slices"

	"github.com/mattjoyce/radar/internal/queue"
)

// Tracker follows the outstanding sequence numbers of one campaign.
type Tracker struct {
	outstanding map[int]bool
	total       int
	warned      map[int]bool
}

// Poll is what one batch of share records changed.
type Poll struct {
	// Completed holds records for sequence numbers that were outstanding.
	Completed []queue.ShareRecord
	// Duplicates counts records for sequence numbers already completed or
	// never issued.
	Duplicates int
	// Stuck is the oldest outstanding sequence number when it survived a
	// poll in which other jobs finished. It is reported once per number.
	Stuck    int
	HasStuck bool
}

// NewTracker tracks sequence numbers 0..total-1.
func NewTracker(total int) *Tracker {
	t := &Tracker{
		outstanding: make(map[int]bool, total),
		total:       total,
		warned:      make(map[int]bool),
	}
	for i := range total {
		t.outstanding[i] = true
	}
	return t
}

// Apply marks the sequence numbers in recs complete.
func (t *Tracker) Apply(recs []queue.ShareRecord) Poll {
	var p Poll
	before, hadOldest := t.Oldest()

	for _, rec := range recs {
		if !t.outstanding[rec.Sequence] {
			p.Duplicates++
			continue
		}
		delete(t.outstanding, rec.Sequence)
		p.Completed = append(p.Completed, rec)
	}

	if !hadOldest || len(p.Completed) == 0 {
		return p
	}
	after, ok := t.Oldest()
	if ok && after == before && !t.warned[after] {
		t.warned[after] = true
		p.Stuck, p.HasStuck = after, true
	}
	return p
}

// Oldest is the lowest outstanding sequence number.
func (t *Tracker) Oldest() (int, bool) {
	if len(t.outstanding) == 0 {
		return 0, false
	}
	oldest := t.total
	for seq := range t.outstanding {
		if seq < oldest {
			oldest = seq
		}
	}
	return oldest, true
}

// Outstanding lists the sequence numbers still running, ascending.
func (t *Tracker) Outstanding() []int {
	out := make([]int, 0, len(t.outstanding))
	for seq := range t.outstanding {
		out = append(out, seq)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) Total() int { return t.total }

func (t *Tracker) Done() bool { return len(t.outstanding) == 0 }
