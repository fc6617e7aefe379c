package commander

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/target"
)

// fakeStore plays the part of a pool of workers. Each PopShare completes the
// jobs chosen by release; Fetch returns the targets produced by scan.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string][]queue.Job
	done      map[string]bool
	polls     int
	release   func(poll int, jobs []queue.Job) []int
	scan      func(job queue.Job) []*target.Target
	failFetch int
	fetches   [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs: make(map[string][]queue.Job),
		done: make(map[string]bool),
		release: func(_ int, jobs []queue.Job) []int {
			out := make([]int, len(jobs))
			for i := range jobs {
				out[i] = i
			}
			return out
		},
		scan: func(queue.Job) []*target.Target { return nil },
	}
}

func (f *fakeStore) Submit(_ context.Context, jobs []queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range jobs {
		j.ID = j.CampaignID + "-" + strconv.Itoa(j.Sequence)
		f.jobs[j.CampaignID] = append(f.jobs[j.CampaignID], j)
	}
	return nil
}

func (f *fakeStore) PopShare(_ context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	jobs := f.jobs[filter.CampaignID]
	var out []queue.ShareRecord
	for _, seq := range f.release(f.polls, jobs) {
		j := jobs[seq]
		if f.done[j.ID] {
			continue
		}
		f.done[j.ID] = true
		out = append(out, queue.ShareRecord{
			CampaignID: j.CampaignID,
			Sequence:   j.Sequence,
			CommandID:  "cmd-" + j.ID,
			Command:    j.Command,
			Worker:     "w1",
		})
	}
	return out, nil
}

func (f *fakeStore) Fetch(_ context.Context, collection string, filter state.Filter) ([]state.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if collection != state.CollectionTargets || filter.Field != state.FieldSourceCommand {
		return nil, errors.New("unexpected query")
	}
	if f.failFetch > 0 {
		f.failFetch--
		return nil, errors.New("store unavailable")
	}
	f.fetches = append(f.fetches, append([]string(nil), filter.In...))
	var docs []state.Document
	for _, jobs := range f.jobs {
		for _, j := range jobs {
			cmdID := "cmd-" + j.ID
			if !slices.Contains(filter.In, cmdID) {
				continue
			}
			for i, t := range f.scan(j) {
				t.SourceCommand = cmdID
				doc, err := state.NewDocument(cmdID+"-"+strconv.Itoa(i), cmdID, t)
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// recordingReporter keeps notices for assertions.
type recordingReporter struct {
	notices []string
	last    [2]int
}

func (r *recordingReporter) PhaseStarted(string, int) {}
func (r *recordingReporter) Advanced(done, total int) { r.last = [2]int{done, total} }
func (r *recordingReporter) Notice(msg string)        { r.notices = append(r.notices, msg) }
func (r *recordingReporter) PhaseFinished(string)     {}

func TestRunPhaseCollectsEverySequence(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.scan = func(j queue.Job) []*target.Target {
		return []*target.Target{target.New(strings.Fields(j.Command)[1])}
	}
	d := NewDistributor(st)
	d.sleep = noSleep

	res, err := d.RunPhase(context.Background(), Phase{
		Name:     "quick",
		Commands: []string{"nmap h0", "nmap h1", "nmap h2", "nmap h3", "nmap h4"},
	})
	require.NoError(t, err)

	require.Len(t, res.Shares, 5)
	seen := map[int]bool{}
	for _, s := range res.Shares {
		assert.Equal(t, res.CampaignID, s.CampaignID)
		seen[s.Sequence] = true
	}
	assert.Len(t, seen, 5)
	assert.Len(t, res.Targets, 5)
	assert.Empty(t, res.Failed())

	jobs := st.jobs[res.CampaignID]
	require.Len(t, jobs, 5)
	for i, j := range jobs {
		assert.Equal(t, i, j.Sequence)
		assert.True(t, j.ShareRequested)
	}
}

func TestRunPhaseWarnsAboutStuckJobOnce(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.release = func(poll int, _ []queue.Job) []int {
		switch poll {
		case 1:
			return []int{1}
		case 2:
			return []int{2}
		default:
			return []int{0}
		}
	}
	rep := &recordingReporter{}
	d := NewDistributor(st, WithReporter(rep))
	d.sleep = noSleep

	_, err := d.RunPhase(context.Background(), Phase{
		Name:     "tcp",
		Commands: []string{"nmap slow", "nmap a", "nmap b"},
	})
	require.NoError(t, err)

	stuck := 0
	for _, n := range rep.notices {
		if strings.Contains(n, "may be stuck") {
			stuck++
			assert.Contains(t, n, "job 0")
			assert.Contains(t, n, "nmap slow")
		}
	}
	assert.Equal(t, 1, stuck)
	assert.Equal(t, [2]int{3, 3}, rep.last)
}

func TestRunPhaseRetriesFailedFetch(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failFetch = 1
	st.scan = func(queue.Job) []*target.Target {
		return []*target.Target{target.New("10.0.0.1")}
	}
	d := NewDistributor(st)
	d.sleep = noSleep

	res, err := d.RunPhase(context.Background(), Phase{Commands: []string{"nmap 10.0.0.1"}})
	require.NoError(t, err)
	assert.Len(t, res.Targets, 1)
	require.Len(t, st.fetches, 1)
	assert.Len(t, st.fetches[0], 1)
}

func TestRunPhaseSkipsFetchForFailedJobs(t *testing.T) {
	t.Parallel()

	st := &failingShares{fakeStore: newFakeStore()}
	d := NewDistributor(st)
	d.sleep = noSleep

	res, err := d.RunPhase(context.Background(), Phase{Commands: []string{"nmap a", "nmap b"}})
	require.NoError(t, err)
	assert.Len(t, res.Failed(), 2)
	assert.Empty(t, res.Targets)
	assert.Empty(t, st.fetches)
}

type failingShares struct{ *fakeStore }

func (f *failingShares) PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error) {
	recs, err := f.fakeStore.PopShare(ctx, filter)
	for i := range recs {
		recs[i].Failed = true
		recs[i].CommandID = ""
	}
	return recs, err
}

func TestRunPhaseStopsOnCancel(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.release = func(int, []queue.Job) []int { return nil }
	d := NewDistributor(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	polls := 0
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		polls++
		if polls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	_, err := d.RunPhase(ctx, Phase{Commands: []string{"nmap a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapNetworkWritesEveryPhase(t *testing.T) {
	t.Parallel()

	live := map[string]bool{"10.0.0.1": true, "10.0.0.3": true}
	st := newFakeStore()
	st.scan = func(j queue.Job) []*target.Target {
		host := strings.Fields(j.Command)[1]
		if !live[host] {
			return nil
		}
		tg := target.New(host)
		switch {
		case strings.Contains(j.Command, "-sU"):
			tg.Services = []target.Service{{Port: 161, Protocol: "udp", State: "open", Name: "snmp"}}
		case strings.Contains(j.Command, "-p 1-65535"):
			tg.Services = []target.Service{{Port: 21, Protocol: "tcp", State: "open", Name: "ftp"}}
			tg.AddVulnerability("Anonymous FTP Login")
		default:
			tg.Services = []target.Service{{Port: 22, Protocol: "tcp", State: "open", Name: "ssh"}}
		}
		return []*target.Target{tg}
	}

	var out bytes.Buffer
	m := NewMapper(st, MapConfig{OutputDir: t.TempDir(), PollInterval: time.Millisecond}, &out)
	m.dist.sleep = noSleep

	report, err := m.MapNetwork(context.Background(), []string{"10.0.0.1-3"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, report.Live)
	assert.Len(t, report.TCP, 2)
	assert.Len(t, report.UDP, 2)

	for _, name := range []string{
		FileFastMeta, FileFastResults, FileTCPMeta, FileTCPResults,
		FileTCPSheet, FileUDPMeta, FileUDPResults, FileCombinedSheet,
	} {
		_, err := os.Stat(filepath.Join(report.Dir, name))
		assert.NoError(t, err, name)
	}

	combined, err := os.ReadFile(filepath.Join(report.Dir, FileCombinedSheet))
	require.NoError(t, err)
	header := strings.SplitN(string(combined), "\n", 2)[0]
	assert.Contains(t, header, "21/tcp")
	assert.Contains(t, header, "161/udp")

	tcpOnly, err := os.ReadFile(filepath.Join(report.Dir, FileTCPSheet))
	require.NoError(t, err)
	assert.NotContains(t, string(tcpOnly), "161/udp")

	assert.Contains(t, out.String(), "Anonymous FTP Login")
}

func TestMapNetworkStopsWhenNothingIsLive(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	m := NewMapper(st, MapConfig{OutputDir: t.TempDir()}, nil)
	m.dist.sleep = noSleep

	report, err := m.MapNetwork(context.Background(), []string{"10.0.0.1"})
	require.NoError(t, err)
	assert.Empty(t, report.Live)
	assert.Len(t, st.jobs, 1, "only the fast phase should be distributed")

	_, err = os.Stat(filepath.Join(report.Dir, FileFastMeta))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(report.Dir, FileTCPResults))
	assert.True(t, os.IsNotExist(err))
}

func TestMapNetworkSkipsUnsafeReportedHosts(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.scan = func(j queue.Job) []*target.Target {
		if !strings.Contains(j.Command, "--top-ports") || strings.Contains(j.Command, "-sU") {
			return nil
		}
		// A hostile reverse-DNS name alongside a real host.
		return []*target.Target{target.New("10.0.0.1"), target.New("pwn.lab;reboot")}
	}

	var out bytes.Buffer
	m := NewMapper(st, MapConfig{OutputDir: t.TempDir(), PollInterval: time.Millisecond}, &out)
	m.dist.sleep = noSleep

	_, err := m.MapNetwork(context.Background(), []string{"10.0.0.1"})
	require.NoError(t, err)

	var commands []string
	for _, jobs := range st.jobs {
		for _, j := range jobs {
			commands = append(commands, j.Command)
		}
	}
	assert.Len(t, commands, 3, "fast, TCP and UDP for the one safe host")
	for _, c := range commands {
		assert.NotContains(t, c, ";")
	}
	assert.Contains(t, out.String(), "skipping host")
}

func TestMapNetworkRejectsEmptyScope(t *testing.T) {
	t.Parallel()

	m := NewMapper(newFakeStore(), MapConfig{OutputDir: t.TempDir()}, nil)
	_, err := m.MapNetwork(context.Background(), []string{"10.0.0.9-1"})
	assert.Error(t, err)
}
