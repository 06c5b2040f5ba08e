package security

import (
	"net/http"
	"net/netip"
	"strings"
)

// ProxyConfig describes the reverse proxies in front of the server.
//
// Only set TrustProxy when every request passes through proxies you
// control; otherwise X-Forwarded-For is attacker supplied.
type ProxyConfig struct {
	TrustProxy bool

	// TrustedProxyCount is how many right-most X-Forwarded-For entries were
	// appended by trusted proxies. 0 is treated as 1.
	TrustedProxyCount int
}

// ClientIP returns the address of the client that sent r.
func (c ProxyConfig) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if addr, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return addr.Addr().Unmap().String()
	}
	return r.RemoteAddr
}

// ipFromForwardedFor picks the entry left of the trusted proxies:
//
//	X-Forwarded-For: client, untrusted-proxy, trusted-proxy
//
// With trustedProxyCount=1 the result is "untrusted-proxy"; the left-most
// entry is used when the header is shorter than the trusted chain.
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(ips[idx])
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
