package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP returns the caller's address. Forwarding headers are consulted
// only when trustProxy is set; trustedProxyCount is how many of our own
// proxies appended themselves to X-Forwarded-For (0 means one).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip, ok := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry just left of our trusted proxies. Entries
// further left are client-controlled and cannot be trusted.
func fromForwardedFor(xff string, trustedProxyCount int) (string, bool) {
	if xff == "" {
		return "", false
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(hops[idx])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
