package commander

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/radar/internal/queue"
)

func shares(seqs ...int) []queue.ShareRecord {
	out := make([]queue.ShareRecord, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, queue.ShareRecord{CampaignID: "c", Sequence: s, CommandID: "cmd"})
	}
	return out
}

func TestTrackerWarnsOnceForStalledOldest(t *testing.T) {
	t.Parallel()

	tr := NewTracker(3)

	first := tr.Apply(shares(1))
	require.True(t, first.HasStuck)
	assert.Equal(t, 0, first.Stuck)

	second := tr.Apply(shares(2))
	assert.False(t, second.HasStuck, "warning repeated for the same stall")

	assert.Equal(t, []int{0}, tr.Outstanding())
	assert.False(t, tr.Done())

	last := tr.Apply(shares(0))
	assert.False(t, last.HasStuck)
	assert.True(t, tr.Done())
}

func TestTrackerNoWarningWhenOldestCompletes(t *testing.T) {
	t.Parallel()

	tr := NewTracker(3)
	p := tr.Apply(shares(0, 1))
	assert.False(t, p.HasStuck)
	oldest, ok := tr.Oldest()
	require.True(t, ok)
	assert.Equal(t, 2, oldest)
}

func TestTrackerEmptyPollIsNotAStall(t *testing.T) {
	t.Parallel()

	tr := NewTracker(2)
	p := tr.Apply(nil)
	assert.False(t, p.HasStuck)
	assert.Empty(t, p.Completed)
}

func TestTrackerIgnoresDuplicatesAndStrangers(t *testing.T) {
	t.Parallel()

	tr := NewTracker(2)
	p := tr.Apply(shares(0, 0, 7))
	assert.Len(t, p.Completed, 1)
	assert.Equal(t, 2, p.Duplicates)
	assert.Equal(t, []int{1}, tr.Outstanding())
}

func TestTrackerWarnsAgainForNewStall(t *testing.T) {
	t.Parallel()

	tr := NewTracker(4)
	p := tr.Apply(shares(2))
	require.True(t, p.HasStuck)
	assert.Equal(t, 0, p.Stuck)

	p = tr.Apply(shares(0))
	assert.False(t, p.HasStuck)

	p = tr.Apply(shares(3))
	require.True(t, p.HasStuck)
	assert.Equal(t, 1, p.Stuck)
}
