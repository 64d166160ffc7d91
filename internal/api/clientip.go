package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/amarcoder01/customsp/internal/config"
)

// ClientIPResolver picks the client address, honoring X-Forwarded-For and
// X-Real-IP only when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trustProxyHeaders bool
	trustedProxies    []netip.Prefix
}

func NewClientIPResolver(cfg *config.Config) *ClientIPResolver {
	if cfg == nil {
		return &ClientIPResolver{}
	}
	r := &ClientIPResolver{trustProxyHeaders: cfg.TrustProxyHeaders}
	for _, entry := range cfg.TrustedProxyCIDRs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(entry)); err == nil {
			r.trustedProxies = append(r.trustedProxies, p.Masked())
		}
	}
	return r
}

func (r *ClientIPResolver) FromRequest(req *http.Request) string {
	remote, ok := parseAddr(req.RemoteAddr)
	if !ok {
		return "unknown"
	}
	if !r.trustProxyHeaders || !r.trusted(remote) {
		return remote.String()
	}

	// Walk X-Forwarded-For right to left; the first untrusted hop is the
	// client, so values prepended by the client are ignored.
	parts := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(parts) - 1; i >= 0; i-- {
		if addr, ok := parseAddr(parts[i]); ok && !r.trusted(addr) {
			return addr.String()
		}
	}
	if addr, ok := parseAddr(req.Header.Get("X-Real-IP")); ok {
		return addr.String()
	}
	return remote.String()
}

func (r *ClientIPResolver) trusted(addr netip.Addr) bool {
	for _, p := range r.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseAddr accepts "ip", "ip:port", "[v6]" and "[v6]:port".
func parseAddr(value string) (netip.Addr, bool) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(clean); err == nil {
		clean = host
	}
	clean = strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	addr, err := netip.ParseAddr(clean)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
