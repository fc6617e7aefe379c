package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/radar/internal/lock"
	"github.com/mattjoyce/radar/internal/target"
)

// Output files written by MapNetwork, in the order they appear.
const (
	FileFastMeta      = "fast_distrib_meta.json"
	FileFastResults   = "fast_scan_results.json"
	FileTCPMeta       = "intense_tcp_distrib_meta.json"
	FileTCPResults    = "intense_tcp_port_scan.json"
	FileTCPSheet      = "target_details_tcponly.csv"
	FileUDPMeta       = "udp_distrib_meta.json"
	FileUDPResults    = "udp_port_scan.json"
	FileCombinedSheet = "target_details_combined.csv"
)

// MapConfig tunes a network map.
type MapConfig struct {
	// OutputDir receives one map_network_<id> directory per run.
	OutputDir    string
	PollInterval time.Duration
	// SlowPollFactor multiplies PollInterval for the full TCP and UDP phases.
	SlowPollFactor int
	ScanTiming     int
	TopPorts       int
	UDPTopPorts    int
}

func (c *MapConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SlowPollFactor <= 0 {
		c.SlowPollFactor = 4
	}
	if c.ScanTiming <= 0 {
		c.ScanTiming = 4
	}
	if c.TopPorts <= 0 {
		c.TopPorts = 500
	}
	if c.UDPTopPorts <= 0 {
		c.UDPTopPorts = 500
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

// MapReport summarizes a finished map.
type MapReport struct {
	ID      string
	Dir     string
	Scanned int
	Live    []string
	TCP     []*target.Target
	UDP     []*target.Target
}

// Mapper runs the three-phase network map: a fast top-ports sweep of the
// whole scope, then a full TCP port scan and a top-ports UDP scan of the
// hosts that answered.
type Mapper struct {
	dist *Distributor
	cfg  MapConfig
	ui   *Progress
}

// NewMapper builds a Mapper. Progress lines go to out; nil discards them.
func NewMapper(st Store, cfg MapConfig, out io.Writer) *Mapper {
	cfg.applyDefaults()
	if out == nil {
		out = io.Discard
	}
	ui := NewProgress(out)
	return &Mapper{
		dist: NewDistributor(st, WithReporter(ui), WithPollInterval(cfg.PollInterval)),
		cfg:  cfg,
		ui:   ui,
	}
}

func (m *Mapper) fastCommand(host string) string {
	return fmt.Sprintf("nmap %s -T%d --top-ports %d", host, m.cfg.ScanTiming, m.cfg.TopPorts)
}

func (m *Mapper) tcpCommand(host string) string {
	return fmt.Sprintf("nmap %s -T%d -p 1-65535 -sV -Pn", host, m.cfg.ScanTiming)
}

func (m *Mapper) udpCommand(host string) string {
	return fmt.Sprintf("nmap %s -T%d --top-ports %d -sU -sV -Pn", host, m.cfg.ScanTiming, m.cfg.UDPTopPorts)
}

// MapNetwork expands scope and runs all three phases. If the fast sweep
// finds no live host the map stops early and the report has no TCP or UDP
// results.
func (m *Mapper) MapNetwork(ctx context.Context, scope []string) (*MapReport, error) {
	hosts, err := Expand(scope)
	if err != nil {
		m.ui.Warn(err.Error())
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no valid targets in scope")
	}

	id := "map_network_" + strings.ToLower(NewCampaignID())
	dir := filepath.Join(m.cfg.OutputDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	dirLock, err := lock.AcquireDir(dir)
	if err != nil {
		return nil, err
	}
	defer dirLock.Release()

	report := &MapReport{ID: id, Dir: dir, Scanned: len(hosts)}
	m.ui.Notice(fmt.Sprintf("saving output files to %s", dir))

	fast, err := m.dist.RunPhase(ctx, Phase{
		Name:     "quick network map",
		Commands: m.commandsFor(hosts, m.fastCommand),
		Metadata: map[string]any{"commander": id},
	})
	if err != nil {
		return report, err
	}
	if err := writeJSON(dir, FileFastMeta, fast.Shares); err != nil {
		return report, err
	}

	report.Live = liveHosts(fast.Targets)
	m.ui.Found(fmt.Sprintf("fast scan complete: %d hosts are valid targets out of the %d tested", len(report.Live), len(hosts)))
	if len(report.Live) == 0 {
		m.ui.Warn("no hosts were identified as online in the given scope")
		return report, nil
	}
	if err := writeJSON(dir, FileFastResults, fast.Targets); err != nil {
		return report, err
	}

	slow := m.cfg.PollInterval * time.Duration(m.cfg.SlowPollFactor)

	tcp, err := m.dist.RunPhase(ctx, Phase{
		Name:         "intense TCP port scan",
		Commands:     m.commandsFor(report.Live, m.tcpCommand),
		PollInterval: slow,
		Metadata:     map[string]any{"commander": id},
	})
	if err != nil {
		return report, err
	}
	report.TCP = tcp.Targets
	for _, t := range tcp.Targets {
		m.ui.Found(fmt.Sprintf("%q identified as a %q device of %q value", t.Host, t.Detail("host_type"), t.Detail("value")))
		m.reportVulnerabilities(t)
	}
	if err := writeJSON(dir, FileTCPMeta, tcp.Shares); err != nil {
		return report, err
	}
	if err := writeJSON(dir, FileTCPResults, tcp.Targets); err != nil {
		return report, err
	}
	sheet := target.NewSheet(tcp.Targets)
	if err := writeSheet(dir, FileTCPSheet, sheet); err != nil {
		return report, err
	}

	udp, err := m.dist.RunPhase(ctx, Phase{
		Name:         fmt.Sprintf("UDP scan of top %d ports", m.cfg.UDPTopPorts),
		Commands:     m.commandsFor(report.Live, m.udpCommand),
		PollInterval: slow,
		Metadata:     map[string]any{"commander": id},
	})
	if err != nil {
		return report, err
	}
	report.UDP = udp.Targets
	for _, t := range udp.Targets {
		m.reportVulnerabilities(t)
		sheet.MergeServices(t)
	}
	if err := writeJSON(dir, FileUDPMeta, udp.Shares); err != nil {
		return report, err
	}
	if err := writeJSON(dir, FileUDPResults, udp.Targets); err != nil {
		return report, err
	}
	if err := writeSheet(dir, FileCombinedSheet, sheet); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Mapper) reportVulnerabilities(t *target.Target) {
	if len(t.Vulnerabilities) == 0 {
		return
	}
	m.ui.Warn(fmt.Sprintf("vulnerabilities identified on %q: %s", t.Host, strings.Join(t.Vulnerabilities, ", ")))
}

// commandsFor builds one command per host. Hosts reported back by scans are
// rechecked here since a reverse-DNS name comes from the scanned network.
func (m *Mapper) commandsFor(hosts []string, build func(string) string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if err := target.CheckHost(h); err != nil {
			m.ui.Warn(fmt.Sprintf("skipping host: %v", err))
			continue
		}
		out = append(out, build(h))
	}
	return out
}

// liveHosts lists each target host once, in first-seen order.
func liveHosts(targets []*target.Target) []string {
	seen := make(map[string]bool, len(targets))
	var out []string
	for _, t := range targets {
		if t.Host == "" || seen[t.Host] {
			continue
		}
		seen[t.Host] = true
		out = append(out, t.Host)
	}
	return out
}

func writeJSON(dir, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func writeSheet(dir, name string, s *target.Sheet) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := s.WriteCSV(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}
