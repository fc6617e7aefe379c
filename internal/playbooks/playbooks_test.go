package playbooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/target"
)

type fakeFTP struct {
	loginErr error
	files    []string
	quit     bool
}

func (f *fakeFTP) Login(user, password string) error {
	if user != anonymousUser || password != anonymousPassword {
		return fmt.Errorf("unexpected credentials %s/%s", user, password)
	}
	return f.loginErr
}
func (f *fakeFTP) NameList(string) ([]string, error) { return f.files, nil }
func (f *fakeFTP) Quit() error                       { f.quit = true; return nil }

func dialer(conn *fakeFTP, dialErr error, gotAddr *string) FTPDialer {
	return func(_ context.Context, addr string, _ time.Duration) (FTPConn, error) {
		if gotAddr != nil {
			*gotAddr = addr
		}
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
}

func ftpTarget(port int) *target.Target {
	t := target.New("10.0.0.5")
	t.Services = []target.Service{{Port: port, Protocol: "tcp", State: "open", Name: "ftp"}}
	return t
}

func TestScanAnonFTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		conn     *fakeFTP
		dialErr  error
		wantVuln bool
		wantErr  bool
	}{
		{name: "anonymous allowed", conn: &fakeFTP{}, wantVuln: true},
		{name: "login rejected", conn: &fakeFTP{loginErr: errors.New("530 Login incorrect")}},
		{name: "connection refused", dialErr: syscall.ECONNREFUSED},
		{name: "unreachable", dialErr: errors.New("i/o timeout"), wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var addr string
			p := New(nil)
			p.DialFTP = dialer(tt.conn, tt.dialErr, &addr)

			tg := ftpTarget(2121)
			status, err := p.ScanAnonFTP(context.Background(), tg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.5:2121", addr)
			assert.Equal(t, tt.wantVuln, len(tg.Vulnerabilities) == 1)
			if tt.wantVuln {
				assert.Contains(t, status, "vulnerable to Anonymous FTP Login")
				assert.True(t, tt.conn.quit)
			} else {
				assert.Empty(t, status)
			}
		})
	}
}

func TestGrabFTPFileList(t *testing.T) {
	t.Parallel()

	conn := &fakeFTP{files: []string{"pub", "README"}}
	p := New(nil)
	p.DialFTP = dialer(conn, nil, nil)

	tg := ftpTarget(21)
	status, err := p.GrabFTPFileList(context.Background(), tg)
	require.NoError(t, err)
	assert.Equal(t, []string{"pub", "README"}, tg.Details["ftp_server_contents"])
	assert.Contains(t, status, "pub")
	assert.True(t, conn.quit)
}

// scriptedRunner answers rpcclient -c '<rpc>' invocations from a table.
type scriptedRunner struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, text string, _ map[string]any, _ command.Sink) (*command.Command, error) {
	start := strings.Index(text, "-c '")
	rpc := strings.TrimSuffix(text[start+4:], "'")
	r.mu.Lock()
	r.calls = append(r.calls, rpc)
	r.mu.Unlock()
	cmd := command.New(text, nil)
	cmd.Output = r.replies[rpc]
	return cmd, nil
}

func found(string) (string, error) { return "/usr/bin/rpcclient", nil }

func TestEnumMSRPC(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{replies: map[string]string{
		"getusername":         "Account Name: ANONYMOUS LOGON, Authority Name: NT AUTHORITY",
		"getdompwinfo":        "min_password_length: 7\npassword_properties: 0x00000000\n",
		"enumdomusers":        "user:[Administrator] rid:[0x1f4]\nuser:[Guest] rid:[0x1f5]\n",
		"queryuser 0x1f4":     "\tUser Name   :\tAdministrator\n\tFull Name   :\t\n",
		"queryuser 0x1f5":     "\tUser Name   :\tGuest\n",
		"queryuser 0x450":     "result was NT_STATUS_ACCESS_DENIED",
		"enumdomgroups":       "group:[Domain Admins] rid:[0x200]\n",
		"querygroup 0x200":    "\tGroup Name:\tDomain Admins\n\tNum Members:2\n",
		"querygroupmem 0x200": "\trid:[0x1f4] attr:[0x7]\n\trid:[0x450] attr:[0x7]\n",
	}}
	p := New(runner)
	p.LookPath = found

	tg := target.New("10.0.0.7")
	status, err := p.EnumMSRPC(context.Background(), tg)
	require.NoError(t, err)
	assert.Contains(t, status, "MSRPC enumeration completed on 10.0.0.7")
	assert.Equal(t, []string{VulnAnonymousSMB}, tg.Vulnerabilities)

	assert.Equal(t, map[string]string{"min_password_length": "7", "password_properties": "0x00000000"}, tg.Details["password-requirements"])

	users := tg.Details["user-info"].([]map[string]any)
	require.Len(t, users, 3)
	assert.Equal(t, "Administrator", users[0]["User Name"])
	assert.NotContains(t, users[0], "Full Name")
	assert.Contains(t, users[2], "error-message")

	groups := tg.Details["group-info"].([]map[string]any)
	require.Len(t, groups, 1)
	assert.Equal(t, "Domain Admins", groups[0]["Group Name"])
	members := groups[0]["member-info"].([]map[string]any)
	require.Len(t, members, 2)
	assert.Equal(t, "Administrator", members[0]["User Name"])
	assert.Nil(t, members[1]["User Name"])

	// Known users are not queried twice.
	n := 0
	for _, c := range runner.calls {
		if c == "queryuser 0x1f4" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestEnumMSRPCAccessDenied(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{replies: map[string]string{"getusername": "Cannot connect: NT_STATUS_ACCESS_DENIED"}}
	p := New(runner)
	p.LookPath = found

	tg := target.New("10.0.0.7")
	status, err := p.EnumMSRPC(context.Background(), tg)
	require.NoError(t, err)
	assert.Contains(t, status, "permission denied")
	assert.Equal(t, false, tg.Details["anonymous-smb"])
	assert.Empty(t, tg.Vulnerabilities)
	assert.Equal(t, []string{"getusername"}, runner.calls)
}

func TestEnumMSRPCRejectsUnsafeHost(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{})
	p.LookPath = found
	_, err := p.EnumMSRPC(context.Background(), target.New("10.0.0.7; rm -rf /"))
	assert.Error(t, err)
}

func TestEnumMSRPCWithoutRpcclient(t *testing.T) {
	t.Parallel()

	p := New(&scriptedRunner{})
	p.LookPath = func(string) (string, error) { return "", errors.New("not found") }
	status, err := p.EnumMSRPC(context.Background(), target.New("10.0.0.7"))
	require.NoError(t, err)
	assert.Contains(t, status, "not installed")
}

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := automation.NewRegistry()
	require.NoError(t, New(nil).Register(reg))
	assert.Equal(t, []string{EnumMSRPC, GrabFTPFileList, ScanAnonFTP}, reg.Names(automation.KindPlaybook))
}
