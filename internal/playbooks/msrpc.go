package playbooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/radar/internal/target"
)

const accessDenied = "NT_STATUS_ACCESS_DENIED"

var (
	userRID   = regexp.MustCompile(`user:\[(.*?)\] rid:\[(.*?)\]`)
	groupRID  = regexp.MustCompile(`group:\[(.*?)\] rid:\[(.*?)\]`)
	memberRID = regexp.MustCompile(`rid:\[(.*?)\] attr:\[(.*?)\]`)
)

type rpcSession struct {
	p    *Playbooks
	host string
}

func (s rpcSession) run(ctx context.Context, rpc string) (string, error) {
	text := fmt.Sprintf(`rpcclient -U "" -N %s -c '%s'`, s.host, rpc)
	cmd, err := s.p.Runner.Run(ctx, text, s.p.extraForRun, nil)
	if err != nil {
		return "", fmt.Errorf("rpcclient %s: %w", rpc, err)
	}
	return cmd.Output, nil
}

// EnumMSRPC uses an rpcclient null session to enumerate the password policy,
// users and groups (with members) of a Windows host.
func (p *Playbooks) EnumMSRPC(ctx context.Context, t *target.Target) (string, error) {
	if _, err := p.LookPath("rpcclient"); err != nil {
		return "!!!  MSRPC enumeration failed, RPCClient not installed", nil
	}
	if err := target.CheckHost(t.Host); err != nil {
		return "", fmt.Errorf("refusing to enumerate: %w", err)
	}
	s := rpcSession{p: p, host: t.Host}

	out, err := s.run(ctx, "getusername")
	if err != nil {
		return "", err
	}
	if strings.Contains(out, accessDenied) {
		t.SetDetail("anonymous-smb", false)
		return fmt.Sprintf("!!!  MSRPC enumeration failed, permission denied on %s", t.Host), nil
	}
	t.AddVulnerability(VulnAnonymousSMB)
	t.SetDetail("anonymous-smb", true)

	out, err = s.run(ctx, "getdompwinfo")
	if err != nil {
		return "", err
	}
	t.SetDetail("password-requirements", keyValues(out))

	out, err = s.run(ctx, "enumdomusers")
	if err != nil {
		return "", err
	}
	users := newUserIndex()
	for _, m := range userRID.FindAllStringSubmatch(out, -1) {
		if err := users.load(ctx, s, strings.TrimSpace(m[2])); err != nil {
			return "", err
		}
	}

	out, err = s.run(ctx, "enumdomgroups")
	if err != nil {
		return "", err
	}
	var groups []map[string]any
	for _, m := range groupRID.FindAllStringSubmatch(out, -1) {
		group, err := s.group(ctx, strings.TrimSpace(m[2]), users)
		if err != nil {
			return "", err
		}
		groups = append(groups, group)
	}

	t.SetDetail("user-info", users.list)
	t.SetDetail("group-info", groups)
	return fmt.Sprintf("$$$  MSRPC enumeration completed on %s", t.Host), nil
}

type userIndex struct {
	list  []map[string]any
	byRID map[string]map[string]any
}

func newUserIndex() *userIndex {
	return &userIndex{list: []map[string]any{}, byRID: map[string]map[string]any{}}
}

// load queries rid once and returns its record.
func (u *userIndex) load(ctx context.Context, s rpcSession, rid string) error {
	if _, ok := u.byRID[rid]; ok {
		return nil
	}
	out, err := s.run(ctx, "queryuser "+rid)
	if err != nil {
		return err
	}
	info := map[string]any{"user_rid": rid, "data-source": "msrpc"}
	if strings.Contains(out, accessDenied) {
		info["error-message"] = strings.TrimSpace(out)
	} else {
		for k, v := range keyValues(out) {
			info[k] = v
		}
	}
	u.byRID[rid] = info
	u.list = append(u.list, info)
	return nil
}

func (s rpcSession) group(ctx context.Context, rid string, users *userIndex) (map[string]any, error) {
	out, err := s.run(ctx, "querygroup "+rid)
	if err != nil {
		return nil, err
	}
	info := map[string]any{"group_rid": rid, "data-source": "msrpc"}
	if strings.Contains(out, accessDenied) {
		info["error-message"] = strings.TrimSpace(out)
		return info, nil
	}
	for k, v := range keyValues(out) {
		info[k] = v
	}

	out, err = s.run(ctx, "querygroupmem "+rid)
	if err != nil {
		return nil, err
	}
	members := []map[string]any{}
	for _, m := range memberRID.FindAllStringSubmatch(out, -1) {
		mrid := strings.TrimSpace(m[1])
		if err := users.load(ctx, s, mrid); err != nil {
			return nil, err
		}
		members = append(members, map[string]any{
			"user_rid":  mrid,
			"attr":      m[2],
			"User Name": users.byRID[mrid]["User Name"],
		})
	}
	info["member-info"] = members
	return info, nil
}

// keyValues collects "Field: value" lines, ignoring lines without a value.
func keyValues(out string) map[string]string {
	kv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		kv[name] = value
	}
	return kv
}
