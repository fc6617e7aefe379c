package commander

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/mattjoyce/radar/internal/target"
)

// ScopeKind is how a scope argument was interpreted.
type ScopeKind string

const (
	ScopeAddress  ScopeKind = "IP address"
	ScopeRange    ScopeKind = "IP range"
	ScopeCIDR     ScopeKind = "CIDR network"
	ScopeHostname ScopeKind = "hostname"
	ScopeInvalid  ScopeKind = "invalid"
)

// MaxScopeHosts caps how many hosts one Expand call may produce.
const MaxScopeHosts = 1 << 16

var ErrScopeTooLarge = fmt.Errorf("scope expands to more than %d hosts", MaxScopeHosts)

// Classify reports how a scope argument will be expanded.
func Classify(arg string) ScopeKind {
	arg = strings.TrimSpace(arg)
	if _, err := netip.ParseAddr(arg); err == nil {
		return ScopeAddress
	}
	if strings.Contains(arg, "/") {
		if _, err := netip.ParsePrefix(arg); err == nil {
			return ScopeCIDR
		}
	}
	if start, _, ok := strings.Cut(arg, "-"); ok {
		if _, err := netip.ParseAddr(strings.TrimSpace(start)); err == nil {
			return ScopeRange
		}
	}
	if target.CheckHost(arg) != nil {
		return ScopeInvalid
	}
	return ScopeHostname
}

// Expand turns scope arguments into individual targets: addresses as given,
// every address of a range, the host addresses of a CIDR network, and
// anything else verbatim as a hostname. An invalid argument, including a
// hostname that fails target.CheckHost, is skipped and reported in the
// returned error; the other arguments still expand.
func Expand(args []string) ([]string, error) {
	var (
		out  []string
		errs []error
	)
	for _, raw := range args {
		arg := strings.TrimSpace(raw)
		if arg == "" {
			continue
		}
		var (
			hosts []string
			err   error
		)
		switch Classify(arg) {
		case ScopeAddress:
			addr, _ := netip.ParseAddr(arg)
			hosts = []string{addr.String()}
		case ScopeRange:
			hosts, err = expandRange(arg, MaxScopeHosts-len(out))
		case ScopeCIDR:
			hosts, err = expandCIDR(arg, MaxScopeHosts-len(out))
		case ScopeHostname:
			hosts = []string{arg}
		default:
			err = target.CheckHost(arg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid target %q: %w", arg, err))
			if errors.Is(err, ErrScopeTooLarge) {
				break
			}
			continue
		}
		out = append(out, hosts...)
	}
	return out, errors.Join(errs...)
}

// expandRange handles "a.b.c.d-e.f.g.h" and a relative end such as
// "10.0.0.5-20" or "10.0.0.5-1.20", where the end borrows the start's
// leading octets.
func expandRange(arg string, limit int) ([]string, error) {
	startText, endText, _ := strings.Cut(arg, "-")
	startText, endText = strings.TrimSpace(startText), strings.TrimSpace(endText)

	start, err := netip.ParseAddr(startText)
	if err != nil {
		return nil, err
	}
	if start.Is4() {
		startOctets := strings.Split(startText, ".")
		endDots := strings.Count(endText, ".")
		if endDots < len(startOctets)-1 {
			prefix := startOctets[:len(startOctets)-endDots-1]
			endText = strings.Join(prefix, ".") + "." + endText
		}
	}
	end, err := netip.ParseAddr(endText)
	if err != nil {
		return nil, fmt.Errorf("range end: %w", err)
	}
	if start.BitLen() != end.BitLen() {
		return nil, errors.New("range mixes address families")
	}
	if end.Less(start) {
		return nil, errors.New("range end is before start")
	}

	var out []string
	for a := start; ; a = a.Next() {
		if len(out) >= limit {
			return nil, ErrScopeTooLarge
		}
		out = append(out, a.String())
		if a == end {
			return out, nil
		}
	}
}

// expandCIDR lists usable hosts. Network and broadcast addresses are left out
// of IPv4 networks larger than /31; /31 and /32 keep every address.
func expandCIDR(arg string, limit int) ([]string, error) {
	p, err := netip.ParsePrefix(arg)
	if err != nil {
		return nil, err
	}
	p = p.Masked()

	first := p.Addr()
	skipEdges := p.Bits() < first.BitLen()-1
	if skipEdges {
		first = first.Next()
	}

	var out []string
	for a := first; a.IsValid() && p.Contains(a); a = a.Next() {
		if skipEdges && first.Is4() && !p.Contains(a.Next()) {
			// broadcast
			break
		}
		if len(out) >= limit {
			return nil, ErrScopeTooLarge
		}
		out = append(out, a.String())
	}
	return out, nil
}
