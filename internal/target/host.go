package target

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeHost marks a host that may not be placed on a shell command line.
var ErrUnsafeHost = errors.New("unsafe host")

// hostPattern admits DNS names and IPv4/IPv6 literals only.
var hostPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// CheckHost reports whether host is safe to interpolate into a scan or probe
// command. A leading "-" is refused so a host can never read as an option.
func CheckHost(host string) error {
	if host == "" || strings.HasPrefix(host, "-") || !hostPattern.MatchString(host) {
		return fmt.Errorf("%w %q", ErrUnsafeHost, host)
	}
	return nil
}
