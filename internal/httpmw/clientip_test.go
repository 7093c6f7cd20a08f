package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		hops       int
		want       string
		keepXFF    bool
	}{
		{name: "no hops ignores xff", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.50", hops: 0, want: "10.0.0.1"},
		{name: "public peer ignores xff", remoteAddr: "198.51.100.7:443", xff: "203.0.113.50", hops: 1, want: "198.51.100.7"},
		{name: "single alb takes rightmost", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.50", hops: 1, want: "203.0.113.50", keepXFF: true},
		{name: "single alb ignores spoofed prefix", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4, 203.0.113.50", hops: 1, want: "203.0.113.50", keepXFF: true},
		{name: "cdn plus alb takes second from right", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4, 203.0.113.50, 10.0.0.9", hops: 2, want: "203.0.113.50", keepXFF: true},
		{name: "too few entries fails closed", remoteAddr: "10.0.0.1:1234", xff: "203.0.113.50", hops: 3, want: "10.0.0.1"},
		{name: "invalid candidate uses peer", remoteAddr: "10.0.0.1:1234", xff: "not-an-ip", hops: 1, want: "10.0.0.1", keepXFF: true},
		{name: "missing xff uses peer", remoteAddr: "192.168.1.4:80", hops: 1, want: "192.168.1.4"},
		{name: "ipv6 peer", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "ipv4 mapped peer", remoteAddr: "[::ffff:198.51.100.7]:443", want: "198.51.100.7"},
		{name: "address without port", remoteAddr: "198.51.100.7", want: "198.51.100.7"},
		{name: "garbage remote addr", remoteAddr: "garbage", want: unknownClient},
		{name: "empty remote addr", remoteAddr: "", want: unknownClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			r.Header.Set("X-Forwarded-Proto", "https")

			if got := resolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientIP = %q, want %q", got, tt.want)
			}
			if tt.xff != "" && !tt.keepXFF && r.Header.Get("X-Forwarded-For") != "" {
				t.Fatalf("X-Forwarded-For should be dropped for untrusted request")
			}
		})
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
	r.RemoteAddr = "10.0.0.5:443"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "203.0.113.9" {
		t.Fatalf("client ip = %q, want 203.0.113.9", got)
	}
}

func TestClientIP_DefaultIgnoresForwarded(t *testing.T) {
	var got string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:443"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "10.0.0.5" {
		t.Fatalf("client ip = %q, want 10.0.0.5", got)
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := context.Background()
	if got := ClientIPFromContext(ctx); got != "" {
		t.Fatalf("empty context = %q", got)
	}
	if WithClientIP(ctx, "") != ctx {
		t.Fatal("empty ip should return the same context")
	}
	if got := ClientIPFromContext(WithClientIP(ctx, "203.0.113.1")); got != "203.0.113.1" {
		t.Fatalf("round trip = %q", got)
	}
}
