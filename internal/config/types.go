package config

import "time"

// Config is the complete radar configuration.
type Config struct {
	Include   []string        `yaml:"include,omitempty"`
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	Rules     RulesConfig     `yaml:"rules"`
	Worker    WorkerConfig    `yaml:"worker"`
	Commander CommanderConfig `yaml:"commander"`
	API       APIConfig       `yaml:"api,omitempty"`

	// Path is the file the config was loaded from; empty for Defaults.
	Path string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StoreConfig selects the queue/share/collection backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
	// APIURL and APIKey reach a remote radar serve instance.
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	// ConnectAttempts bounds startup connection retries.
	ConnectAttempts uint `yaml:"connect_attempts"`
}

// RulesConfig points at the rule-set files.
type RulesConfig struct {
	ParserRules   string `yaml:"parser_rules"`
	PlaybookRules string `yaml:"playbook_rules"`
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	Name          string        `yaml:"name"`
	WatchInterval time.Duration `yaml:"watch_interval"`
	LockPath      string        `yaml:"lock_path"`
}

// CommanderConfig tunes job distribution and the network map.
type CommanderConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	SlowPollFactor int           `yaml:"slow_poll_factor"`
	OutputDir      string        `yaml:"output_dir"`
	ScanTiming     int           `yaml:"scan_timing"`
	TopPorts       int           `yaml:"top_ports"`
	UDPTopPorts    int           `yaml:"udp_top_ports"`
}

// APIConfig defines the HTTP store boundary.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on every route but
	// /healthz.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "radar",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Backend:         "sqlite",
			Path:            "./data/radar.db",
			KeyPrefix:       "radar",
			ConnectAttempts: 5,
		},
		Rules: RulesConfig{
			ParserRules:   "./rules/parsers.yaml",
			PlaybookRules: "./rules/playbooks.yaml",
		},
		Worker: WorkerConfig{
			WatchInterval: 60 * time.Second,
		},
		Commander: CommanderConfig{
			PollInterval:   15 * time.Second,
			SlowPollFactor: 4,
			OutputDir:      ".",
			ScanTiming:     4,
			TopPorts:       500,
			UDPTopPorts:    500,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
