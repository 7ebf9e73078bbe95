package targetcheck

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Checker enforces the target URL policy: only public http(s) hosts may be
// scanned. Hosts on the allow list bypass the private-address checks but not
// the scheme check.
type Checker struct {
	allowList map[string]struct{}
	resolver  *net.Resolver

	lookupTimeout time.Duration
}

// PolicyError carries the user-facing rejection message. The API maps these
// to 400 responses.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// NewChecker builds a checker. allowList is a comma-separated list of
// hostnames exempt from the private-address rules.
func NewChecker(allowList string) *Checker {
	c := &Checker{
		allowList:     make(map[string]struct{}),
		resolver:      net.DefaultResolver,
		lookupTimeout: 5 * time.Second,
	}
	for _, h := range strings.Split(allowList, ",") {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			c.allowList[h] = struct{}{}
		}
	}
	return c
}

// Validate parses and checks the target URL. A nil error means the target is
// scannable; a *PolicyError means it was rejected by policy.
func (c *Checker) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &PolicyError{Reason: "Invalid or disallowed target URL"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &PolicyError{Reason: "Invalid or disallowed target URL"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &PolicyError{Reason: "Invalid or disallowed target URL"}
	}

	if _, ok := c.allowList[host]; ok {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &PolicyError{Reason: "Access to local addresses is not allowed"}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return &PolicyError{Reason: "Access to local addresses is not allowed"}
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()
	addrs, err := c.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil || len(addrs) == 0 {
		return &PolicyError{Reason: "Failed to resolve target host"}
	}

	// one private A/AAAA record poisons the whole host
	for _, addr := range addrs {
		if isDisallowedIP(addr.IP) {
			return &PolicyError{Reason: "Access to local addresses is not allowed"}
		}
	}
	return nil
}

var privateV4 = mustParseCIDRs(
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

var privateV6 = mustParseCIDRs(
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func isDisallowedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range privateV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad cidr %s: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}
