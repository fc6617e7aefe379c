package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "empty file takes defaults",
			yaml: "{}\n",
			check: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "sqlite", cfg.Store.Backend)
				assert.Equal(t, 60*time.Second, cfg.Worker.WatchInterval)
				assert.Equal(t, 15*time.Second, cfg.Commander.PollInterval)
				assert.Equal(t, 4, cfg.Commander.SlowPollFactor)
				assert.Equal(t, 500, cfg.Commander.TopPorts)
				assert.Equal(t, "./data/radar.db", cfg.Store.Path)
			},
		},
		{
			name: "sections parse",
			yaml: `
service:
  log_level: debug
  log_format: text
store:
  backend: redis
  redis_url: redis://localhost:6379/0
  key_prefix: lab
worker:
  name: scanner-1
  watch_interval: 5s
commander:
  poll_interval: 2s
  slow_poll_factor: 3
  udp_top_ports: 100
api:
  enabled: true
  listen: 0.0.0.0:9000
  api_key: s3cret
`,
			check: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.Equal(t, "redis", cfg.Store.Backend)
				assert.Equal(t, "lab", cfg.Store.KeyPrefix)
				assert.Equal(t, "scanner-1", cfg.Worker.Name)
				assert.Equal(t, 5*time.Second, cfg.Worker.WatchInterval)
				assert.Equal(t, 3, cfg.Commander.SlowPollFactor)
				assert.Equal(t, 100, cfg.Commander.UDPTopPorts)
				assert.Equal(t, 500, cfg.Commander.TopPorts)
				assert.True(t, cfg.API.Enabled)
				assert.Equal(t, "s3cret", cfg.API.APIKey)
			},
		},
		{
			name: "env interpolation and relative paths",
			yaml: `
store:
  path: ${RADAR_TEST_DB}
rules:
  parser_rules: rules/parsers.yaml
`,
			env: map[string]string{"RADAR_TEST_DB": "state/radar.db"},
			check: func(t *testing.T, cfg *Config, dir string) {
				assert.Equal(t, filepath.Join(dir, "state", "radar.db"), cfg.Store.Path)
				assert.Equal(t, filepath.Join(dir, "rules", "parsers.yaml"), cfg.Rules.ParserRules)
				assert.Equal(t, "./rules/playbooks.yaml", cfg.Rules.PlaybookRules)
			},
		},
		{
			name:    "unset env var is rejected",
			yaml:    "store:\n  redis_url: ${RADAR_TEST_UNSET_URL}\n  backend: redis\n",
			wantErr: "RADAR_TEST_UNSET_URL",
		},
		{
			name:    "unknown backend",
			yaml:    "store:\n  backend: mongo\n",
			wantErr: "store.backend",
		},
		{
			name:    "redis needs url",
			yaml:    "store:\n  backend: redis\n",
			wantErr: "redis_url",
		},
		{
			name:    "http needs url",
			yaml:    "store:\n  backend: http\n",
			wantErr: "api_url",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "tiny poll interval",
			yaml:    "commander:\n  poll_interval: 10ms\n",
			wantErr: "poll_interval",
		},
		{
			name:    "bad scan timing",
			yaml:    "commander:\n  scan_timing: 9\n",
			wantErr: "scan_timing",
		},
		{
			name:    "malformed yaml",
			yaml:    "store: [\n",
			wantErr: "parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			writeTestFile(t, path, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.Path)
			if tt.check != nil {
				tt.check(t, cfg, dir)
			}
		})
	}
}

func TestLoadDirectoryAndIncludes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), `
include:
  - conf.d/worker.yaml
service:
  name: base
worker:
  watch_interval: 30s
`)
	writeTestFile(t, filepath.Join(dir, "conf.d", "worker.yaml"), `
worker:
  name: from-include
  lock_path: run/worker.lock
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "base", cfg.Service.Name)
	assert.Equal(t, "from-include", cfg.Worker.Name)
	assert.Equal(t, 30*time.Second, cfg.Worker.WatchInterval, "include must not reset fields it omits")
	assert.Equal(t, filepath.Join(dir, "conf.d", "run", "worker.lock"), cfg.Worker.LockPath)
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "include: [b.yaml]\n")
	writeTestFile(t, filepath.Join(dir, "b.yaml"), "include: [config.yaml]\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadVerifiesLockedDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, "service:\n  name: locked\n")

	report, err := Lock(dir, false)
	require.NoError(t, err)
	require.True(t, report.Written)
	require.Contains(t, report.Hashes, "config.yaml")

	_, err = Load(dir)
	require.NoError(t, err)

	writeTestFile(t, path, "service:\n  name: tampered\n")
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestLockDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "{}\n")
	writeTestFile(t, filepath.Join(dir, "notes.txt"), "ignored\n")

	report, err := Lock(dir, true)
	require.NoError(t, err)
	assert.False(t, report.Written)
	assert.Len(t, report.Hashes, 1)

	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, os.IsNotExist(err))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "{}\n")

	t.Setenv("RADAR_CONFIG_DIR", dir)
	got, err := Discover("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), got)

	explicit := filepath.Join(dir, "other.yaml")
	_, err = Discover(explicit)
	assert.Error(t, err, "a missing --config path must fail")

	writeTestFile(t, explicit, "{}\n")
	got, err = Discover(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)
}
