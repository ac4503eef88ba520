package a2a

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ErrURLNotAllowed wraps every guard rejection so callers can map it to 403.
var ErrURLNotAllowed = errors.New("target URL not allowed")

// Guard validates outbound A2A target URLs before any request is made.
// The zero value rejects everything; populate from the agent environment.
type Guard struct {
	// AllowedHosts are exact hostnames or wildcard-suffix patterns
	// ("*.cluster.local"). An exact entry also waives the private-address
	// rejection for that host.
	AllowedHosts []string

	MinPort int
	MaxPort int
}

// GuardFromEnv builds the guard from AGENT_ALLOWED_HOSTS, AGENT_MIN_PORT,
// and AGENT_MAX_PORT.
func GuardFromEnv() Guard {
	g := Guard{MinPort: 1024, MaxPort: 65535}
	for _, h := range strings.Split(os.Getenv("AGENT_ALLOWED_HOSTS"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			g.AllowedHosts = append(g.AllowedHosts, h)
		}
	}
	if v, err := strconv.Atoi(os.Getenv("AGENT_MIN_PORT")); err == nil && v > 0 {
		g.MinPort = v
	}
	if v, err := strconv.Atoi(os.Getenv("AGENT_MAX_PORT")); err == nil && v > 0 {
		g.MaxPort = v
	}
	return g
}

// Validate checks scheme, host allow-list, port range, and private-address
// restrictions. A nil return means the URL may be fetched.
func (g Guard) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrURLNotAllowed, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLNotAllowed)
	}

	exact, matched := g.matchHost(host)
	if !matched {
		return fmt.Errorf("%w: host %q not in allow list", ErrURLNotAllowed, host)
	}

	// Private, loopback, and link-local targets need an exact allow entry;
	// a wildcard is not explicit enough to open the internal network.
	if ip := net.ParseIP(host); ip != nil && !exact {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: private address %q requires an exact allow entry", ErrURLNotAllowed, host)
		}
	}

	port := portOf(u)
	if port < g.MinPort || port > g.MaxPort {
		return fmt.Errorf("%w: port %d outside allowed range %d-%d", ErrURLNotAllowed, port, g.MinPort, g.MaxPort)
	}
	return nil
}

// matchHost reports whether host is allowed and whether the match was exact.
func (g Guard) matchHost(host string) (exact, matched bool) {
	for _, pattern := range g.AllowedHosts {
		if pattern == host {
			return true, true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
			if strings.HasSuffix(host, suffix) {
				matched = true
			}
		}
	}
	return false, matched
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
