package target

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var sheetBaseColumns = []string{
	"radar_command_uuid",
	"scan_time",
	"IP/Hostname",
	"Host Type",
	"Level of Interest",
	"Level of Access",
	"Notes",
}

// Sheet is a target-tracking spreadsheet: one row per host and one column per
// port/protocol seen on any host. Rows keep first-seen order.
type Sheet struct {
	hosts    []string
	rows     map[string]map[string]string
	portCols []string
	seenCols map[string]bool
}

// NewSheet builds a sheet from targets.
func NewSheet(targets []*Target) *Sheet {
	s := &Sheet{
		rows:     make(map[string]map[string]string),
		seenCols: make(map[string]bool),
	}
	for _, t := range targets {
		s.addTarget(t)
	}
	return s
}

func (s *Sheet) addTarget(t *Target) {
	row := s.row(t.Host)
	row["radar_command_uuid"] = t.SourceCommand
	row["scan_time"] = formatScanTime(t.Details["scan_time"])
	row["IP/Hostname"] = t.Host
	row["Host Type"] = t.Detail("host_type")
	row["Level of Interest"] = t.Detail("value")
	if row["Level of Access"] == "" {
		row["Level of Access"] = "None"
	}
	s.MergeServices(t)
}

// MergeServices adds t's services as port columns without touching the other
// columns. Used to fold a later scan (for example UDP) into an existing sheet.
func (s *Sheet) MergeServices(t *Target) {
	row := s.row(t.Host)
	for _, svc := range t.Services {
		col := svc.Key()
		if !s.seenCols[col] {
			s.seenCols[col] = true
			s.portCols = append(s.portCols, col)
		}
		row[col] = cellValue(svc)
	}
}

func (s *Sheet) row(host string) map[string]string {
	row, ok := s.rows[host]
	if !ok {
		row = make(map[string]string)
		s.rows[host] = row
		s.hosts = append(s.hosts, host)
	}
	return row
}

// WriteCSV writes the sheet with a header row.
func (s *Sheet) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, sheetBaseColumns...), s.portCols...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, host := range s.hosts {
		row := s.rows[host]
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = row[col]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row for %s: %w", host, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func cellValue(svc Service) string {
	switch {
	case svc.Version != "":
		return svc.Version
	case svc.Name != "":
		return svc.Name
	case svc.State != "":
		return svc.State
	default:
		return "MISSING"
	}
}

func formatScanTime(v any) string {
	var secs int64
	switch n := v.(type) {
	case int64:
		secs = n
	case int:
		secs = int64(n)
	case float64:
		secs = int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return n
		}
		secs = parsed
	default:
		return ""
	}
	return time.Unix(secs, 0).UTC().Format("2006-01-02 15:04:05")
}
