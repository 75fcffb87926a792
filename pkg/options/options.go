package options

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every option group that can be bound to a
// flag set and validated before the application starts.
type IOptions interface {
	// Validate returns every problem found with the current values.
	Validate() []error

	// AddFlags binds the option group to fs. Prefixes replace the group's
	// default flag namespace when given.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks that addr is a valid host:port pair.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q is not in a valid format (ip:port): %w", addr, err)
	}

	if host != "" && net.ParseIP(host) == nil && !isHostname(host) {
		return fmt.Errorf("%q is not a valid IP address or hostname", host)
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("%q is not a valid port number", port)
	}

	return nil
}

func isHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// flagName joins the namespace for an option group with a field name.
func flagName(def string, prefixes []string, name string) string {
	ns := def
	if len(prefixes) > 0 && prefixes[0] != "" {
		ns = prefixes[0]
	}
	return strings.TrimSuffix(ns, ".") + "." + name
}
