package mcp

import (
	"net"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// DestinationPolicy validates that an HTTP transport target does not point at
// an internal network destination. Loopback, link-local, private, and
// carrier-grade NAT ranges are rejected unless the host is allow-listed,
// blocking request forgery toward services the host machine can reach but the
// remote configuration author should not.
type DestinationPolicy struct {
	// AllowedHosts lists hostnames or literal IPs exempt from the checks.
	// Matching is case-insensitive on the hostname, exact on IPs.
	AllowedHosts []string

	// lookup overrides DNS resolution in tests.
	lookup func(host string) ([]net.IP, error)
}

// Validate checks rawURL against the policy. A nil policy allows any http(s)
// destination, which is only appropriate for tests.
func (p *DestinationPolicy) Validate(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return connectionErrf(err, "invalid server url %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return connectionErrf(nil, "unsupported url scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return connectionErrf(nil, "server url %q has no host", rawURL)
	}

	if p == nil {
		return nil
	}
	if p.hostAllowed(host) {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return p.checkIP(host, ip)
	}

	lookup := p.lookup
	if lookup == nil {
		lookup = func(h string) ([]net.IP, error) { return net.LookupIP(h) }
	}
	ips, err := lookup(host)
	if err != nil {
		return connectionErrf(err, "resolve server host %q", host)
	}
	for _, ip := range ips {
		if err := p.checkIP(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func (p *DestinationPolicy) hostAllowed(host string) bool {
	for _, allowed := range p.AllowedHosts {
		if strings.EqualFold(strings.TrimSpace(allowed), host) {
			return true
		}
	}
	return false
}

func (p *DestinationPolicy) checkIP(host string, ip net.IP) error {
	blocked := ""
	switch {
	case ip.IsLoopback():
		blocked = "loopback"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		blocked = "link-local"
	case ip.IsPrivate():
		blocked = "private-network"
	case ip.IsUnspecified():
		blocked = "unspecified"
	case isCGNAT(ip):
		blocked = "carrier-grade NAT"
	}
	if blocked == "" {
		return nil
	}
	return errors.Mark(
		connectionErrf(nil, "server host %q resolves to %s address %s; add it to allowed_hosts to permit", host, blocked, ip),
		ErrProtocol,
	)
}

var cgnatNet = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isCGNAT(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && cgnatNet.Contains(v4)
}
