package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is set;
// otherwise the direct connection address is used. trustedProxyCount is the
// number of proxies we control counted from the right of X-Forwarded-For,
// which prevents spoofing in multi-proxy setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses "client, proxy1, proxy2, ..." and returns the
// entry trustedProxyCount hops from the right.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	clientIP := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
