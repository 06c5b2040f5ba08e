package util

import (
	"net/netip"
	"strings"
)

// AddrClass groups IP addresses by how far a redirect to them may reach.
type AddrClass int

const (
	AddrPublic AddrClass = iota
	AddrLoopback
	AddrPrivate     // RFC 1918 and fc00::/7
	AddrLinkLocal   // 169.254.0.0/16, fe80::/10 and link-local multicast
	AddrUnspecified // 0.0.0.0 and ::, or an invalid address
)

func (c AddrClass) String() string {
	switch c {
	case AddrPublic:
		return "public"
	case AddrLoopback:
		return "loopback"
	case AddrPrivate:
		return "private"
	case AddrLinkLocal:
		return "link_local"
	case AddrUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyAddr returns the class of addr. IPv4-mapped IPv6 addresses are
// classified as their IPv4 form.
func ClassifyAddr(addr netip.Addr) AddrClass {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return AddrUnspecified
	case addr.IsLoopback():
		return AddrLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return AddrLinkLocal
	case addr.IsPrivate():
		return AddrPrivate
	default:
		return AddrPublic
	}
}

// ParseHostAddr parses a URL hostname as an IP address, accepting the
// bracketed IPv6 form. Zones are rejected.
func ParseHostAddr(hostname string) (netip.Addr, bool) {
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	addr, err := netip.ParseAddr(hostname)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr, true
}

// IsLoopbackHostname reports whether hostname is "localhost" or a loopback
// address. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	addr, ok := ParseHostAddr(hostname)
	return ok && addr.Unmap().IsLoopback()
}
