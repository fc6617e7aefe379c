// Package playbooks holds the built-in follow-up probes that run against
// discovered targets.
package playbooks

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
)

// Handler names as referenced by playbook rules.
const (
	ScanAnonFTP     = "scan_anon_ftp"
	GrabFTPFileList = "grab_ftp_file_list"
	EnumMSRPC       = "enum_msrpc"
)

// Vulnerability labels added to targets.
const (
	VulnAnonymousFTP = "Anonymous FTP Login"
	VulnAnonymousSMB = "anonymous-smb"
)

// CommandRunner runs a shell command to completion.
type CommandRunner interface {
	Run(ctx context.Context, text string, extra map[string]any, sink command.Sink) (*command.Command, error)
}

// Playbooks carries the dependencies the built-in playbooks share.
type Playbooks struct {
	Runner      CommandRunner
	DialFTP     FTPDialer
	FTPTimeout  time.Duration
	LookPath    func(string) (string, error)
	extraForRun map[string]any
}

// New returns playbooks backed by runner and the real FTP client.
func New(runner CommandRunner) *Playbooks {
	return &Playbooks{
		Runner:      runner,
		DialFTP:     DialFTP,
		FTPTimeout:  10 * time.Second,
		LookPath:    exec.LookPath,
		extraForRun: map[string]any{"run-mode": "playbook"},
	}
}

// Register adds every built-in playbook to reg.
func (p *Playbooks) Register(reg *automation.Registry) error {
	for name, fn := range map[string]automation.PlaybookFunc{
		ScanAnonFTP:     p.ScanAnonFTP,
		GrabFTPFileList: p.GrabFTPFileList,
		EnumMSRPC:       p.EnumMSRPC,
	} {
		if err := reg.RegisterPlaybook(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}
