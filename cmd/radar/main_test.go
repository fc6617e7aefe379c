package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
	"github.com/mattjoyce/radar/internal/store"
)

// execute runs the CLI in-process and returns its stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a sqlite-backed config using the shipped rule files.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	parserRules, err := filepath.Abs(filepath.Join("..", "..", "rules", "parsers.yaml"))
	require.NoError(t, err)
	playbookRules, err := filepath.Abs(filepath.Join("..", "..", "rules", "playbooks.yaml"))
	require.NoError(t, err)

	dbPath = filepath.Join(dir, "radar.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`service:
  log_level: error
store:
  backend: sqlite
  path: %s
rules:
  parser_rules: %s
  playbook_rules: %s
`, dbPath, parserRules, playbookRules)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

func openTestStore(t *testing.T, dbPath string) store.Backend {
	t.Helper()
	b, err := store.Open(context.Background(), store.Options{Backend: store.BackendSQLite, Path: dbPath, Attempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestVersionJSON(t *testing.T) {
	stdout, _, err := execute(t, "", "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestVersionRejectsArgs(t *testing.T) {
	_, _, err := execute(t, "", "version", "extra")
	require.Error(t, err)
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-02-01T10:00:00+10:00")
	require.True(t, ok)
	assert.Equal(t, "2026-02-01T00:00:00Z", got)

	_, ok = normalizeBuildTimeUTC("yesterday")
	assert.False(t, ok)
	assert.Equal(t, "abcdef012345", shortenCommit("abcdef0123456789"))
}

func TestRulesCheckShippedRules(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	stdout, _, err := execute(t, "", "rules", "check", "--config", cfgPath)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "OK")
	assert.Contains(t, stdout, "parser rules, blake3:")
	assert.Contains(t, stdout, "playbook rules, blake3:")
}

func TestRulesCheckReportsMissingHandler(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`rules:
  - name: orphan
    handler: no_such_parser
    match:
      any: ["x"]
`), 0o600))

	stdout, _, err := execute(t, "", "rules", "check", "--config", cfgPath, bad)
	require.Error(t, err)
	assert.Contains(t, stdout, "WARN")
	assert.Contains(t, stdout, "no_such_parser")
}

func TestSubmitWithShare(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	stdout, stderr, err := execute(t, "", "submit", "--config", cfgPath, "--campaign", "camp-1", "echo a", "echo b")
	require.NoError(t, err)
	assert.Contains(t, stderr, "campaign camp-1: 2 jobs submitted")
	assert.Len(t, strings.Split(strings.TrimSpace(stdout), "\n"), 2)

	b := openTestStore(t, dbPath)
	job, err := b.Pull(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "echo a", job.Command)
	assert.Equal(t, "camp-1", job.CampaignID)
	assert.True(t, job.ShareRequested)
	assert.Equal(t, 0, job.Sequence)
}

func TestSubmitFromFile(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	file := filepath.Join(t.TempDir(), "cmds.txt")
	require.NoError(t, os.WriteFile(file, []byte("# sweep\nnmap 10.0.0.1\n\nnmap 10.0.0.2\n"), 0o600))

	_, _, err := execute(t, "", "submit", "--config", cfgPath, "-f", file)
	require.NoError(t, err)

	depth, err := openTestStore(t, dbPath).Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestSubmitNothing(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, _, err := execute(t, "", "submit", "--config", cfgPath)
	require.ErrorContains(t, err, "no commands")
}

func TestRunPersistsCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	stdout, stderr, err := execute(t, "", "run", "--config", cfgPath, "--", "echo", "hello", "radar")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "hello radar")
	assert.Contains(t, stderr, "exited 0")

	docs, err := openTestStore(t, dbPath).Fetch(context.Background(), state.CollectionCommands, state.Filter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, string(docs[0].Body), `"command":"echo hello radar"`)
}

func TestMapNetworkAbortsWithoutConfirmation(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	_, stderr, err := execute(t, "n\n", "commander", "map-network", "--config", cfgPath, "-o", t.TempDir(), "10.0.0.0/30", "db.lab")
	require.NoError(t, err)
	assert.Contains(t, stderr, "CIDR network")
	assert.Contains(t, stderr, "hostname")
	assert.Contains(t, stderr, "aborted")

	var jobs []queue.Job
	b := openTestStore(t, dbPath)
	for {
		j, err := b.Pull(context.Background())
		require.NoError(t, err)
		if j == nil {
			break
		}
		jobs = append(jobs, *j)
	}
	assert.Empty(t, jobs)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := confirm(strings.NewReader(tt.in), &bytes.Buffer{}, "go?")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%q", tt.in)
	}
}

func TestConfigLockDryRun(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	stdout, _, err := execute(t, "", "config", "lock", "--dry-run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "config.yaml")
	assert.NotContains(t, stdout, "wrote")
	_, err = os.Stat(filepath.Join(filepath.Dir(cfgPath), ".checksums"))
	assert.True(t, os.IsNotExist(err))
}

func TestWatchTarget(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	g := &globals{configPath: cfgPath}
	cfg, err := g.load()
	require.NoError(t, err)

	url, key := watchTarget(cfg)
	assert.Equal(t, "http://127.0.0.1:8080", url)
	assert.Empty(t, key)

	cfg.Store.Backend = store.BackendHTTP
	cfg.Store.APIURL = "http://radar.lab:8080"
	cfg.Store.APIKey = "k"
	url, key = watchTarget(cfg)
	assert.Equal(t, "http://radar.lab:8080", url)
	assert.Equal(t, "k", key)
}
