// Package ssrf rejects outbound URLs that point at private, loopback,
// link-local or cloud metadata addresses.
package ssrf

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlocked is wrapped by every rejection returned from Check.
var ErrBlocked = errors.New("ssrf: destination not allowed")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.100.100.200/32"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var blockedHosts = map[string]struct{}{
	"localhost":                  {},
	"metadata":                   {},
	"metadata.google.internal":   {},
	"metadata.goog":              {},
	"metadata.azure.internal":    {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
}

// Check parses raw and returns an error wrapping ErrBlocked when the URL is
// not http(s) or its host is a literal address in a blocked range or a known
// metadata hostname. Hostnames are not resolved.
func Check(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrBlocked, u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBlocked)
	}
	if _, ok := blockedHosts[host]; ok || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: host %q is reserved", ErrBlocked, host)
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		// Prefix.Contains is false for zoned addresses.
		addr = addr.Unmap().WithZone("")
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return nil, fmt.Errorf("%w: address %s is in %s", ErrBlocked, addr, p)
			}
		}
	}
	return u, nil
}
