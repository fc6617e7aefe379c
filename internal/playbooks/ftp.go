package playbooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/mattjoyce/radar/internal/target"
)

// FTPConn is the part of an FTP session the playbooks use.
type FTPConn interface {
	Login(user, password string) error
	NameList(path string) ([]string, error)
	Quit() error
}

// FTPDialer opens an FTP session to addr (host:port).
type FTPDialer func(ctx context.Context, addr string, timeout time.Duration) (FTPConn, error)

// DialFTP connects with jlaffaye/ftp.
func DialFTP(ctx context.Context, addr string, timeout time.Duration) (FTPConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	anonymousUser     = "anonymous"
	anonymousPassword = "anonymous@"
)

// ftpAddr picks the port of the target's ftp service, falling back to 21.
func ftpAddr(t *target.Target) string {
	port := 21
	for _, s := range t.Services {
		if s.Protocol == "tcp" && (s.Name == "ftp" || s.Port == 21) {
			port = s.Port
			break
		}
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (p *Playbooks) anonymousSession(ctx context.Context, t *target.Target) (FTPConn, error) {
	if t.Host == "" {
		return nil, fmt.Errorf("target has no host")
	}
	conn, err := p.DialFTP(ctx, ftpAddr(t), p.FTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial ftp %s: %w", t.Host, err)
	}
	if err := conn.Login(anonymousUser, anonymousPassword); err != nil {
		_ = conn.Quit()
		return nil, &loginError{err: err}
	}
	return conn, nil
}

type loginError struct{ err error }

func (e *loginError) Error() string { return "anonymous login rejected: " + e.err.Error() }
func (e *loginError) Unwrap() error { return e.err }

// ScanAnonFTP flags targets whose FTP server accepts anonymous login. A
// refused connection or rejected login is not an error; the target simply
// isn't vulnerable.
func (p *Playbooks) ScanAnonFTP(ctx context.Context, t *target.Target) (string, error) {
	conn, err := p.anonymousSession(ctx, t)
	var rejected *loginError
	switch {
	case errors.As(err, &rejected), errors.Is(err, syscall.ECONNREFUSED):
		return "", nil
	case err != nil:
		return "", err
	}
	defer func() { _ = conn.Quit() }()

	t.AddVulnerability(VulnAnonymousFTP)
	return fmt.Sprintf("$$$  %s is vulnerable to Anonymous FTP Login", t.Host), nil
}

// GrabFTPFileList records the root listing of an anonymous FTP server in
// details.ftp_server_contents.
func (p *Playbooks) GrabFTPFileList(ctx context.Context, t *target.Target) (string, error) {
	conn, err := p.anonymousSession(ctx, t)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Quit() }()

	files, err := conn.NameList("")
	if err != nil {
		return "", fmt.Errorf("list ftp root on %s: %w", t.Host, err)
	}
	t.SetDetail("ftp_server_contents", files)
	return fmt.Sprintf("$$$  These files/directories were on the anonymous FTP server: %v", files), nil
}
