package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP returns the address recorded in audit events for r.
//
// Forwarding headers are only honored when trustProxy is set, i.e. the server
// sits behind a reverse proxy that overwrites them. trustedProxyCount is the
// number of proxies we run (rightmost X-Forwarded-For entries); zero means one.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); validIP(ip) {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the entry added by the outermost trusted proxy.
// With entries "client, a, b" and two trusted proxies it returns "client".
func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	ips := strings.Split(xff, ",")
	idx := max(len(ips)-trustedProxyCount-1, 0)

	ip := strings.TrimSpace(ips[idx])
	if !validIP(ip) {
		return ""
	}
	return ip
}

func validIP(s string) bool {
	if s == "" {
		return false
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
