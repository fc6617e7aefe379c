package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a config file (or the config.yaml inside a directory), merges
// its includes, applies defaults, verifies checksums when a .checksums
// manifest sits next to the files, and validates the result. A relative
// path set in a file is resolved against that file's directory; default
// paths stay relative to the working directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := Defaults()
	visited := map[string]bool{}
	if err := loadInto(cfg, absPath, visited); err != nil {
		return nil, err
	}
	cfg.Path = absPath

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	slices.Sort(files)
	if err := verifyAllConfigHashes(files); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadInto decodes path over cfg, then each of its includes in order, so
// later files override earlier ones field by field.
func loadInto(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	interpolated := []byte(interpolateEnv(string(data)))

	cfg.Include = nil
	if err := yaml.Unmarshal(interpolated, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	includes := cfg.Include
	cfg.Include = nil

	baseDir := filepath.Dir(path)
	var layer pathLayer
	if err := yaml.Unmarshal(interpolated, &layer); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	for _, p := range []struct{ set, dst *string }{
		{layer.Store.Path, &cfg.Store.Path},
		{layer.Rules.ParserRules, &cfg.Rules.ParserRules},
		{layer.Rules.PlaybookRules, &cfg.Rules.PlaybookRules},
		{layer.Worker.LockPath, &cfg.Worker.LockPath},
		{layer.Commander.OutputDir, &cfg.Commander.OutputDir},
	} {
		if p.set != nil && *p.dst != "" && !filepath.IsAbs(*p.dst) {
			*p.dst = filepath.Join(baseDir, *p.dst)
		}
	}

	for i, inc := range includes {
		resolved := inc
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, inc)
		}
		if _, err := os.Stat(resolved); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, resolved, path)
		}
		if err := loadInto(cfg, resolved, visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No manifest means the directory is not locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expected, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: radar config lock %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expected); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: radar config lock %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults restores defaults for values a file explicitly zeroed.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = d.Store.Backend
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = d.Store.KeyPrefix
	}
	if cfg.Store.ConnectAttempts == 0 {
		cfg.Store.ConnectAttempts = d.Store.ConnectAttempts
	}
	if cfg.Worker.WatchInterval == 0 {
		cfg.Worker.WatchInterval = d.Worker.WatchInterval
	}
	if cfg.Commander.PollInterval == 0 {
		cfg.Commander.PollInterval = d.Commander.PollInterval
	}
	if cfg.Commander.SlowPollFactor == 0 {
		cfg.Commander.SlowPollFactor = d.Commander.SlowPollFactor
	}
	if cfg.Commander.ScanTiming == 0 {
		cfg.Commander.ScanTiming = d.Commander.ScanTiming
	}
	if cfg.Commander.TopPorts == 0 {
		cfg.Commander.TopPorts = d.Commander.TopPorts
	}
	if cfg.Commander.UDPTopPorts == 0 {
		cfg.Commander.UDPTopPorts = d.Commander.UDPTopPorts
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
}

// pathLayer records which path fields a single file sets.
type pathLayer struct {
	Store struct {
		Path *string `yaml:"path"`
	} `yaml:"store"`
	Rules struct {
		ParserRules   *string `yaml:"parser_rules"`
		PlaybookRules *string `yaml:"playbook_rules"`
	} `yaml:"rules"`
	Worker struct {
		LockPath *string `yaml:"lock_path"`
	} `yaml:"worker"`
	Commander struct {
		OutputDir *string `yaml:"output_dir"`
	} `yaml:"commander"`
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "redis":
		if cfg.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case "http":
		if cfg.Store.APIURL == "" {
			return fmt.Errorf("store.api_url is required for the http backend")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite, redis or http (got %q)", cfg.Store.Backend)
	}

	for field, value := range map[string]string{
		"store.path":           cfg.Store.Path,
		"store.redis_url":      cfg.Store.RedisURL,
		"store.api_url":        cfg.Store.APIURL,
		"store.api_key":        cfg.Store.APIKey,
		"api.api_key":          cfg.API.APIKey,
		"rules.parser_rules":   cfg.Rules.ParserRules,
		"rules.playbook_rules": cfg.Rules.PlaybookRules,
		"worker.name":          cfg.Worker.Name,
		"commander.output_dir": cfg.Commander.OutputDir,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	if cfg.Rules.ParserRules == "" || cfg.Rules.PlaybookRules == "" {
		return fmt.Errorf("rules.parser_rules and rules.playbook_rules are required")
	}
	if cfg.Worker.WatchInterval < time.Second {
		return fmt.Errorf("worker.watch_interval must be at least 1s (got %s)", cfg.Worker.WatchInterval)
	}
	if cfg.Commander.PollInterval < time.Second {
		return fmt.Errorf("commander.poll_interval must be at least 1s (got %s)", cfg.Commander.PollInterval)
	}
	if cfg.Commander.SlowPollFactor < 1 {
		return fmt.Errorf("commander.slow_poll_factor must be positive")
	}
	if cfg.Commander.ScanTiming < 0 || cfg.Commander.ScanTiming > 5 {
		return fmt.Errorf("commander.scan_timing must be between 0 and 5 (got %d)", cfg.Commander.ScanTiming)
	}
	if cfg.Commander.TopPorts < 1 || cfg.Commander.UDPTopPorts < 1 {
		return fmt.Errorf("commander.top_ports and commander.udp_top_ports must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
