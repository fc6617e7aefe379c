package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoConfig means no config file was found in any standard location.
var ErrNoConfig = errors.New("no config found")

// Discover finds the config file to load. Priority order: flagPath,
// $RADAR_CONFIG_DIR/config.yaml, ~/.config/radar/config.yaml,
// ./config.yaml. A non-empty flagPath must exist.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err != nil {
			return "", fmt.Errorf("config %s: %w", flagPath, err)
		}
		return flagPath, nil
	}

	var candidates []string
	if dir := os.Getenv("RADAR_CONFIG_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "radar", "config.yaml"))
	}
	candidates = append(candidates, "config.yaml")

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w (checked: $RADAR_CONFIG_DIR, ~/.config/radar, ./config.yaml)", ErrNoConfig)
}

// LoadOrDefault loads the discovered config, or returns Defaults when none
// exists and flagPath is empty.
func LoadOrDefault(flagPath string) (*Config, error) {
	path, err := Discover(flagPath)
	if errors.Is(err, ErrNoConfig) {
		cfg := Defaults()
		return cfg, validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
