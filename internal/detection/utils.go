package detection

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the visitor address. With trustProxy it prefers the first
// X-Forwarded-For entry, then X-Real-IP; otherwise, or when neither is set,
// it uses the transport peer address without its port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
