package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownClient is used when RemoteAddr cannot be parsed. Every such request
// shares one rate limit bucket.
const unknownClient = "0.0.0.0"

// ClientIPOptions configures client IP resolution.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes the rightmost entry (single ALB),
	// 2 the second from the right (CDN + ALB) and so on.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context for the flood guard, the contact limiter and logging.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP trusts X-Forwarded-For only when the peer is on a private
// network and hops are configured. Otherwise the forwarded headers are
// removed so nothing downstream reads them.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return unknownClient
	}
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, as set by some test harnesses
		addr, aerr := netip.ParseAddr(r.RemoteAddr)
		if aerr != nil {
			return unknownClient
		}
		peer = netip.AddrPortFrom(addr, 0)
	}
	peerIP := peer.Addr().Unmap()

	if trustedHops <= 0 || !peerIP.IsPrivate() {
		dropForwarded(r)
		return peerIP.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peerIP.String()
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedHops
	if idx < 0 {
		// fewer entries than proxies: misconfigured or forged
		dropForwarded(r)
		return peerIP.String()
	}
	candidate, err := netip.ParseAddr(strings.TrimSpace(hops[idx]))
	if err != nil {
		return peerIP.String()
	}
	return candidate.Unmap().String()
}

func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the resolved client address or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
