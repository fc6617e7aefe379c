package parsers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/radar/internal/automation"
	"github.com/mattjoyce/radar/internal/command"
	"github.com/mattjoyce/radar/internal/target"
)

const sampleNmap = `Starting Nmap 7.80 ( https://nmap.org ) at 2024-03-01 12:00 UTC
Nmap scan report for files.lab (10.0.0.5)
Host is up (0.00031s latency).
Not shown: 996 closed ports
PORT    STATE    SERVICE     VERSION
21/tcp  open     ftp         vsftpd 3.0.3
22/tcp  open     ssh         OpenSSH 7.6p1 Ubuntu 4ubuntu0.3 (Ubuntu Linux; protocol 2.0)
135/tcp filtered msrpc
445/tcp open     microsoft-ds
MAC Address: 08:00:27:AA:BB:CC (Oracle VirtualBox virtual NIC)
Network Distance: 1 hop

Nmap scan report for 10.0.0.9
Host is up (0.0010s latency).
All 1000 scanned ports on 10.0.0.9 are closed

Nmap done: 256 IP addresses (2 hosts up) scanned in 12.34 seconds
`

func TestNmapParsesHostsAndServices(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = prev })

	cmd := command.New("nmap -sV 10.0.0.0/24", nil)
	cmd.Output = sampleNmap

	meta, targets, err := Nmap(context.Background(), cmd)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	summary, ok := meta.(NmapSummary)
	require.True(t, ok, "metadata type %T", meta)
	assert.Equal(t, []string{"files.lab", "10.0.0.9"}, summary.Hosts)
	assert.Equal(t, 256, summary.TotalScanned)
	assert.Equal(t, 2, summary.TotalOnline)
	assert.Equal(t, "12.34 seconds", summary.ScanDuration)

	first := targets[0]
	assert.Equal(t, "files.lab", first.Host)
	assert.Equal(t, "10.0.0.5", first.Detail("ip_address"))
	assert.Equal(t, "up", first.Detail("status"))
	assert.Equal(t, "0.00031s", first.Detail("latency"))
	assert.Equal(t, "08:00:27:AA:BB:CC", first.Detail("mac_address"))
	assert.Equal(t, "Oracle VirtualBox virtual NIC", first.Detail("mac_address_vendor"))
	assert.Equal(t, "1", first.Detail("hop_distance"))
	assert.Equal(t, fixed.Unix(), first.Details["scan_time"])

	require.Len(t, first.Services, 4)
	assert.Equal(t, target.Service{Port: 21, Protocol: "tcp", State: "open", Name: "ftp", Version: "vsftpd 3.0.3"}, first.Services[0])
	assert.Equal(t, "ssh", first.Services[1].Name)
	assert.Equal(t, "OpenSSH 7.6p1 Ubuntu 4ubuntu0.3 (Ubuntu Linux; protocol 2.0)", first.Services[1].Version)
	assert.Equal(t, target.Service{Port: 135, Protocol: "tcp", State: "filtered", Name: "msrpc"}, first.Services[2])
	assert.Equal(t, target.Service{Port: 445, Protocol: "tcp", State: "open", Name: "microsoft-ds"}, first.Services[3])
	assert.Equal(t, "fileserver", first.Detail("host_type"))
	assert.Equal(t, target.ValueHigh, first.Detail("value"))

	second := targets[1]
	assert.Empty(t, second.Services)
	assert.Equal(t, "generic", second.Detail("host_type"))
}

func TestNmapIgnoresLinesBeforeFirstReport(t *testing.T) {
	t.Parallel()

	cmd := command.New("nmap 10.0.0.1", nil)
	cmd.Output = "Host is up.\n80/tcp open http\nNmap done: 1 IP address (0 hosts up) scanned in 0.50 seconds\n"

	meta, targets, err := Nmap(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.Equal(t, 1, meta.(NmapSummary).TotalScanned)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := automation.NewRegistry()
	require.NoError(t, Register(reg))
	_, err := reg.Parser(NmapHandler)
	assert.NoError(t, err)
}

func TestParsePortUDP(t *testing.T) {
	t.Parallel()

	svc, ok := parsePort("161/udp open|filtered snmp")
	require.True(t, ok)
	assert.Equal(t, target.Service{Port: 161, Protocol: "udp", State: "open|filtered", Name: "snmp"}, svc)

	_, ok = parsePort("| ftp-anon: Anonymous FTP login allowed (FTP code 230)/tcp")
	assert.False(t, ok)
}
