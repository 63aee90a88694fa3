package captchaguard

import (
	"net"
	"net/http"
	"strings"
)

// defaultIPReader returns the client's IP address.
// It checks X-Forwarded-For first, then falls back to RemoteAddr.
func defaultIPReader(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// The header may contain multiple IPs, comma-separated
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readIP is only used to annotate logs, never to make a decision.
func (g *Guard) readIP(r *http.Request) string {
	return g.cfg.ReadIP(r)
}
