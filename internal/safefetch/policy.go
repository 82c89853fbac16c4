package safefetch

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// blockedPrefixes covers loopback, private, link-local (including cloud metadata),
// current-network, carrier NAT, multicast and their IPv6 counterparts. IPv6
// ranges that embed an IPv4 address (IPv4-compatible, NAT64, 6to4, Teredo) are
// blocked whole so no tunnelled form reaches an internal IPv4 host.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/96"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("2001::/32"),
	netip.MustParsePrefix("2002::/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Policy decides which destination addresses may be dialed.
type Policy struct {
	// Allowed prefixes are exempt from the block list. Empty in production.
	Allowed []netip.Prefix
}

// ParsePrefixes parses a list of CIDRs or bare addresses.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// Blocked reports whether addr falls in a blocked range and is not explicitly allowed.
func (p Policy) Blocked(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.Zone() != "" {
		return true
	}
	for _, allowed := range p.Allowed {
		if allowed.Contains(addr) {
			return false
		}
	}
	for _, blocked := range blockedPrefixes {
		if blocked.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckURL applies the static checks that need no DNS: scheme, credentials and host.
func CheckURL(u *url.URL) error {
	if u == nil {
		return &BlockedError{Reason: ReasonMissingHost}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &BlockedError{URL: redactedURL(u), Reason: ReasonScheme}
	}
	if u.User != nil {
		return &BlockedError{URL: redactedURL(u), Reason: ReasonCredentials}
	}
	if u.Hostname() == "" {
		return &BlockedError{URL: redactedURL(u), Reason: ReasonMissingHost}
	}
	return nil
}

// validate runs CheckURL, resolves the host and rejects the URL if any resolved
// address is blocked. The returned addresses are the only ones that may be dialed.
func (c *Client) validate(ctx context.Context, u *url.URL) ([]netip.Addr, error) {
	if err := CheckURL(u); err != nil {
		return nil, err
	}

	host := u.Hostname()
	if literal, err := netip.ParseAddr(host); err == nil {
		if c.policy.Blocked(literal) {
			return nil, &BlockedError{URL: redactedURL(u), Reason: ReasonAddress, Addr: literal.Unmap()}
		}
		return []netip.Addr{literal.Unmap()}, nil
	}

	addrs, err := c.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, &ResolveError{Host: host, Err: err, NotFound: true}
		}
		return nil, &ResolveError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolveError{Host: host, Err: errNoAddresses, NotFound: true}
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if c.policy.Blocked(a) {
			return nil, &BlockedError{URL: redactedURL(u), Reason: ReasonAddress, Addr: a}
		}
		out = append(out, a)
	}
	return out, nil
}

func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	clone.User = nil
	clone.RawQuery = ""
	clone.Fragment = ""
	return clone.String()
}
