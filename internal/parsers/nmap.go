// Package parsers holds the built-in parser handlers.
package parsers

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/target"
)

const NmapHandler = "parser_nmap"

var (
	portLine = regexp.MustCompile(`^(?P<port>[0-9]+)/(?P<protocol>[a-z]+)\s+(?P<state>.*?)(\s+(?P<service>.*?))?(\s+(?P<version>.*))?$`)
	doneLine = regexp.MustCompile(`^Nmap done: (?P<scanned>[0-9]+) IP address(es)? \((?P<online>[0-9]+).*?scanned in (?P<duration>[0-9.]+ .*)$`)
	hostAddr = regexp.MustCompile(`\(([^)]+)\)$`)
)

// now stamps scan_time; tests replace it.
var now = time.Now

// NmapSummary is the metadata fragment for one nmap run.
type NmapSummary struct {
	Hosts        []string `json:"hosts"`
	TotalScanned int      `json:"total_scanned,omitempty"`
	TotalOnline  int      `json:"total_online,omitempty"`
	ScanDuration string   `json:"scan_duration,omitempty"`
}

// Register adds every built-in parser to reg.
func Register(reg *automation.Registry) error {
	return reg.RegisterParser(NmapHandler, Nmap)
}

// Nmap parses nmap's normal output into one target per scan report. Lines
// that appear before the first report are ignored.
func Nmap(_ context.Context, cmd *command.Command) (any, []*target.Target, error) {
	var (
		summary = NmapSummary{Hosts: []string{}}
		targets []*target.Target
		current *target.Target
	)

	sc := bufio.NewScanner(strings.NewReader(cmd.Output))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.Contains(line, "scan report for"):
			fields := strings.Fields(line)
			if len(fields) < 5 {
				continue
			}
			current = target.New(fields[4])
			if m := hostAddr.FindStringSubmatch(line); m != nil {
				current.SetDetail("ip_address", m[1])
			}
			targets = append(targets, current)
			summary.Hosts = append(summary.Hosts, current.Host)
		case strings.Contains(line, "Nmap done"):
			m := doneLine.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			summary.TotalScanned, _ = strconv.Atoi(m[doneLine.SubexpIndex("scanned")])
			summary.TotalOnline, _ = strconv.Atoi(m[doneLine.SubexpIndex("online")])
			summary.ScanDuration = m[doneLine.SubexpIndex("duration")]
		case current == nil:
		case strings.HasPrefix(line, "Host is"):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				current.SetDetail("status", strings.TrimSuffix(fields[2], "."))
			}
			if len(fields) >= 4 {
				current.SetDetail("latency", strings.Trim(fields[3], "()"))
			}
		case strings.Contains(line, "/tcp") || strings.Contains(line, "/udp"):
			if svc, ok := parsePort(line); ok {
				current.Services = append(current.Services, svc)
			}
		case strings.HasPrefix(line, "Network Distance"):
			if fields := strings.Fields(line); len(fields) >= 3 {
				current.SetDetail("hop_distance", fields[2])
			}
		case strings.HasPrefix(line, "MAC Address"):
			_, rest, _ := strings.Cut(line, ":")
			addr, vendor, _ := strings.Cut(strings.TrimSpace(rest), " ")
			if addr == "" {
				continue
			}
			current.SetDetail("mac_address", addr)
			if vendor = strings.Trim(vendor, "()"); vendor != "" {
				current.SetDetail("mac_address_vendor", vendor)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read nmap output: %w", err)
	}

	stamp := now().Unix()
	for _, t := range targets {
		value, kind := target.Prioritize(t)
		t.SetDetail("value", value)
		t.SetDetail("host_type", kind)
		t.SetDetail("scan_time", stamp)
	}
	return summary, targets, nil
}

func parsePort(line string) (target.Service, bool) {
	m := portLine.FindStringSubmatch(line)
	if m == nil {
		return target.Service{}, false
	}
	port, err := strconv.Atoi(m[portLine.SubexpIndex("port")])
	if err != nil {
		return target.Service{}, false
	}
	return target.Service{
		Port:     port,
		Protocol: m[portLine.SubexpIndex("protocol")],
		State:    m[portLine.SubexpIndex("state")],
		Name:     m[portLine.SubexpIndex("service")],
		Version:  m[portLine.SubexpIndex("version")],
	}, true
}
