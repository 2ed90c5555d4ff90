package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// URLError is returned for a URL the scraper refuses to fetch.
type URLError struct {
	URL    string
	Reason string
}

func (e *URLError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.URL)
}

// IsURLError reports whether err is (or wraps) a URLError.
func IsURLError(err error) bool {
	var ue *URLError
	return errors.As(err, &ue)
}

var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// reserved ranges not covered by the netip predicates.
var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// Validator checks that a URL is an HTTPS gov.uk page whose host resolves
// only to public addresses.
type Validator struct {
	resolver Resolver
}

// NewValidator creates a validator. A nil resolver uses net.DefaultResolver.
func NewValidator(r Resolver) *Validator {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Validator{resolver: r}
}

// Validate parses raw and applies every check, returning a *URLError on
// refusal.
func (v *Validator) Validate(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &URLError{URL: raw, Reason: "invalid URL"}
	}
	if u.Scheme != "https" {
		return nil, &URLError{URL: raw, Reason: fmt.Sprintf("only HTTPS URLs allowed (got %q)", u.Scheme)}
	}
	host := strings.ToLower(u.Hostname())
	if blockedHosts[host] {
		return nil, &URLError{URL: raw, Reason: "localhost URLs are not allowed"}
	}
	if host != "gov.uk" && !strings.HasSuffix(host, ".gov.uk") {
		return nil, &URLError{URL: raw, Reason: fmt.Sprintf("URL must be from gov.uk domain (got %s)", host)}
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return nil, &URLError{URL: raw, Reason: "DNS resolution failed for " + host}
	}
	for _, a := range addrs {
		if reason := blockedAddr(a.Unmap()); reason != "" {
			return nil, &URLError{URL: raw, Reason: fmt.Sprintf("%s: %s resolves to %s", reason, host, a)}
		}
	}
	return u, nil
}

func blockedAddr(a netip.Addr) string {
	switch {
	case a.IsPrivate(), a.IsLoopback(), a.IsLinkLocalUnicast():
		return "private/internal IP addresses not allowed"
	case a.IsMulticast(), a.IsUnspecified():
		return "invalid IP address range"
	}
	for _, p := range reserved {
		if p.Contains(a) {
			return "invalid IP address range"
		}
	}
	return ""
}
