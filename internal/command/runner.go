package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/radar/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ErrIncomplete is returned alongside the Command when a run was interrupted
// before the process exited on its own.
var ErrIncomplete = errors.New("command did not complete")

// Sink receives output lines as they are produced. Stream is "stdout" or
// "stderr". Sinks are called from the runner's copy goroutines, one line at a
// time, never concurrently.
type Sink func(stream, line string)

// Runner spawns shell commands.
type Runner struct {
	Shell       string
	Dir         string
	Stdin       io.Reader
	GracePeriod time.Duration

	host   string
	addr   string
	logger *slog.Logger
}

// NewRunner returns a Runner using /bin/sh in the current working directory.
func NewRunner() *Runner {
	host, addr := localIdentity()
	return &Runner{
		Shell:       "/bin/sh",
		GracePeriod: terminationGracePeriod,
		host:        host,
		addr:        addr,
		logger:      log.WithComponent("command"),
	}
}

// Run executes text through the shell and returns the populated Command.
//
// A non-zero exit status is not an error: the exit code is recorded and the
// Command is finished. When ctx is cancelled the whole process group gets
// SIGTERM, then SIGKILL after the grace period, and Run returns the partial
// Command together with ErrIncomplete. Failing to spawn the process at all is
// returned as a plain error.
func (r *Runner) Run(ctx context.Context, text string, extra map[string]any, sink Sink) (*Command, error) {
	cmd := New(text, extra)
	cmd.Host = r.host
	cmd.Addr = r.addr
	cmd.WorkingDir = r.Dir
	if cmd.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cmd.WorkingDir = wd
		}
	}

	logger := r.logger
	if logger == nil {
		logger = log.WithComponent("command")
	}
	logger = logger.With("command_id", cmd.ID)

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	proc := exec.Command(shell, "-c", text)
	proc.Dir = r.Dir
	proc.Stdin = r.Stdin
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	capture := &outputCapture{sink: sink}
	proc.Stdout = capture.stream("stdout")
	proc.Stderr = capture.stream("stderr")

	start := time.Now().UTC()
	cmd.StartTime = &start
	logger.Debug("spawning command", "command", text)
	if err := proc.Start(); err != nil {
		return cmd, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- proc.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("command cancelled, sending SIGTERM", "pid", proc.Process.Pid)
		signalGroup(proc, syscall.SIGTERM, logger)

		grace := time.NewTimer(r.gracePeriod())
		defer grace.Stop()
		select {
		case <-waitErr:
			logger.Info("command exited after SIGTERM")
		case <-grace.C:
			logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
			signalGroup(proc, syscall.SIGKILL, logger)
			<-waitErr
		}
		capture.flush()
		capture.fill(cmd)
		return cmd, ErrIncomplete

	case err := <-waitErr:
		end := time.Now().UTC()
		capture.flush()
		capture.fill(cmd)
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return cmd, fmt.Errorf("wait for command: %w", err)
			}
		}
		code := proc.ProcessState.ExitCode()
		cmd.ExitCode = &code
		cmd.EndTime = &end
		logger.Debug("command finished", "exit_code", code, "duration", cmd.Duration())
		return cmd, nil
	}
}

func (r *Runner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return terminationGracePeriod
}

// signalGroup signals the child's whole process group so that anything the
// shell spawned goes down with it.
func signalGroup(proc *exec.Cmd, sig syscall.Signal, logger *slog.Logger) {
	if proc.Process == nil {
		return
	}
	if err := syscall.Kill(-proc.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to signal process group", "signal", sig.String(), "error", err)
	}
}

// outputCapture interleaves stdout and stderr into one ordered buffer while
// keeping per-stream copies and forwarding complete lines to the sink.
type outputCapture struct {
	mu       sync.Mutex
	combined bytes.Buffer
	streams  map[string]*streamWriter
	sink     Sink
}

type streamWriter struct {
	c       *outputCapture
	name    string
	all     bytes.Buffer
	partial []byte
}

func (c *outputCapture) stream(name string) io.Writer {
	if c.streams == nil {
		c.streams = make(map[string]*streamWriter)
	}
	w := &streamWriter{c: c, name: name}
	c.streams[name] = w
	return w
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	w.all.Write(p)
	w.c.combined.Write(p)
	if w.c.sink == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.c.sink(w.name, line)
	}
	return len(p), nil
}

// flush hands any trailing unterminated line to the sink.
func (c *outputCapture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return
	}
	for _, name := range []string{"stdout", "stderr"} {
		w := c.streams[name]
		if w == nil || len(w.partial) == 0 {
			continue
		}
		c.sink(name, strings.TrimRight(string(w.partial), "\r"))
		w.partial = nil
	}
}

func (c *outputCapture) fill(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd.Output = c.combined.String()
	if w := c.streams["stdout"]; w != nil {
		cmd.Stdout = w.all.String()
	}
	if w := c.streams["stderr"]; w != nil {
		cmd.Stderr = w.all.String()
	}
}

// localIdentity returns the host name and first non-loopback address it
// resolves to. Either may be empty.
func localIdentity() (string, string) {
	host, err := os.Hostname()
	if err != nil {
		return "", ""
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return host, ""
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && !ip.IsLoopback() {
			return host, a
		}
	}
	if len(addrs) > 0 {
		return host, addrs[0]
	}
	return host, ""
}
