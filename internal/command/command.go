// Package command runs shell commands and records what they did.
//
// A Command is created when a command line is accepted for execution and is
// filled in by the Runner: start time before the process is spawned, combined
// output as it arrives, end time and exit code once the process has exited.
// A Command whose EndTime is nil never finished (it was cancelled or the
// runner was interrupted) and its output and exit code must not be trusted.
package command

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Command is one executed (or executing) shell command.
type Command struct {
	ID         string         `json:"id"`
	Text       string         `json:"command"`
	Host       string         `json:"executed_on_host"`
	Addr       string         `json:"executed_on_ipaddr,omitempty"`
	WorkingDir string         `json:"current_working_directory"`
	StartTime  *time.Time     `json:"execution_time_start,omitempty"`
	EndTime    *time.Time     `json:"execution_time_end,omitempty"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	Output     string         `json:"command_output"`
	ExitCode   *int           `json:"command_return_code,omitempty"`
	Extra      map[string]any `json:"additional_meta,omitempty"`
}

// New returns an unstarted Command with a fresh id.
func New(text string, extra map[string]any) *Command {
	c := &Command{
		ID:   uuid.NewString(),
		Text: text,
	}
	if len(extra) > 0 {
		c.Extra = maps.Clone(extra)
	}
	return c
}

// Finished reports whether the command ran to completion.
func (c *Command) Finished() bool {
	return c != nil && c.EndTime != nil
}

// Duration is the wall time between start and end, or zero if unfinished.
func (c *Command) Duration() time.Duration {
	if c == nil || c.StartTime == nil || c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(*c.StartTime)
}
