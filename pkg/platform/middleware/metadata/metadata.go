// Package metadata extracts client IP and User-Agent into the request
// context. IP extraction only honours forwarding headers when the request
// arrived through a configured trusted proxy; otherwise the socket peer
// address is authoritative. Handlers and services read the values through
// pkg/requestcontext.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"authd/pkg/requestcontext"
)

// Extractor resolves the real client IP for a request.
type Extractor struct {
	trustedProxies []*net.IPNet
}

// NewExtractor parses the trusted proxy CIDRs. Plain addresses are accepted
// as /32 (or /128) networks. Invalid entries are rejected so a typo cannot
// silently open the forwarding headers to spoofing.
func NewExtractor(trustedProxyCIDRs []string) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(trustedProxyCIDRs))
	for _, raw := range trustedProxyCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return &Extractor{trustedProxies: nets}, nil
}

// Middleware stamps client IP and User-Agent into the context.
// Apply early in the chain, after requestid.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := e.ClientIP(r)
		ctx := requestcontext.WithClientMetadata(r.Context(), ip, r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the real client address, or "" when none can be
// established. Forwarding headers are only read when the socket peer is a
// trusted proxy; the result is the left-most forwarded address that is not
// itself a trusted proxy.
func (e *Extractor) ClientIP(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)

	if peer == nil {
		return ""
	}

	if !e.isTrustedProxy(peer) {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := net.ParseIP(strings.TrimSpace(part))
			if candidate == nil {
				// A forged or mangled entry poisons the whole header.
				return ""
			}
			if !e.isTrustedProxy(candidate) {
				return candidate.String()
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if candidate := net.ParseIP(strings.TrimSpace(xri)); candidate != nil {
			return candidate.String()
		}
		return ""
	}

	// Trusted proxy sent no forwarding header; the peer is all we know.
	return peer.String()
}

func (e *Extractor) isTrustedProxy(ip net.IP) bool {
	for _, ipNet := range e.trustedProxies {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// peerIP strips the port from a RemoteAddr, handling bracketed IPv6.
func peerIP(remoteAddr string) net.IP {
	if remoteAddr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr without a port (tests, unix sockets).
		host = remoteAddr
	}
	return net.ParseIP(host)
}
