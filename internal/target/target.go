// Package target holds the structured record for a discovered host and the
// helpers that classify and tabulate it.
package target

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Service is one port observed on a host.
type Service struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Name     string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Key is the "port/protocol" label used for spreadsheet columns.
func (s Service) Key() string {
	return fmt.Sprintf("%d/%s", s.Port, s.Protocol)
}

// Target is a discovered host and everything learned about it. Parser
// handlers create targets; playbook handlers mutate them in place.
type Target struct {
	Host            string         `json:"target_host"`
	Services        []Service      `json:"services"`
	Details         map[string]any `json:"details"`
	Vulnerabilities []string       `json:"vulnerabilities,omitempty"`
	SourceCommand   string         `json:"source_command,omitempty"`
}

// New returns a target for host with initialized collections.
func New(host string) *Target {
	return &Target{
		Host:     host,
		Services: []Service{},
		Details:  map[string]any{},
	}
}

// SetDetail stores a detail value, creating the map if needed.
func (t *Target) SetDetail(key string, value any) {
	if t.Details == nil {
		t.Details = map[string]any{}
	}
	t.Details[key] = value
}

// Detail returns the string form of a detail value, or "".
func (t *Target) Detail(key string) string {
	v, ok := t.Details[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// AddVulnerability appends name unless it is already recorded. The list only
// ever grows.
func (t *Target) AddVulnerability(name string) {
	if slices.Contains(t.Vulnerabilities, name) {
		return
	}
	t.Vulnerabilities = append(t.Vulnerabilities, name)
}

// HasService reports whether any service is open on the given port/protocol.
func (t *Target) HasService(port int, protocol string) bool {
	for _, s := range t.Services {
		if s.Port == port && s.Protocol == protocol {
			return true
		}
	}
	return false
}

// Decode parses a stored target document.
func Decode(raw json.RawMessage) (*Target, error) {
	var t Target
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	if t.Details == nil {
		t.Details = map[string]any{}
	}
	return &t, nil
}
