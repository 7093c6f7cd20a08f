package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/academy-api/internal/httpmw"
)

func newTestFloodGuard(t *testing.T, opts ...FloodOption) *FloodGuard {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	defaults := []FloodOption{
		WithFloodRate(1, 5),
		WithFloodIdle(100 * time.Millisecond),
	}
	return NewFloodGuard(ctx, append(defaults, opts...)...)
}

func TestFloodGuard_BurstThenReject(t *testing.T) {
	g := newTestFloodGuard(t)

	for i := 0; i < 5; i++ {
		if ok, _ := g.take("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	ok, wait := g.take("10.0.0.1")
	if ok {
		t.Fatal("request 6 should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s] at 1 token/sec", wait)
	}
}

func TestFloodGuard_DeniedRequestsDoNotBorrowTokens(t *testing.T) {
	g := newTestFloodGuard(t, WithFloodRate(100, 1))

	g.take("10.0.0.1")
	for i := 0; i < 20; i++ {
		g.take("10.0.0.1")
	}
	// one token refills in 10ms; if denials had reserved tokens this would still fail
	time.Sleep(25 * time.Millisecond)
	if ok, _ := g.take("10.0.0.1"); !ok {
		t.Fatal("should be allowed after refill")
	}
}

func TestFloodGuard_SeparateIPs(t *testing.T) {
	g := newTestFloodGuard(t, WithFloodRate(1, 1))

	g.take("10.0.0.1")
	if ok, _ := g.take("10.0.0.1"); ok {
		t.Fatal("ip1 should be denied")
	}
	if ok, _ := g.take("10.0.0.2"); !ok {
		t.Fatal("ip2 has its own bucket")
	}
}

func TestFloodGuard_Hooks(t *testing.T) {
	var first, denied atomic.Int32
	seen := map[string]int{}
	var mu sync.Mutex

	g := newTestFloodGuard(t,
		WithFloodRate(1, 1),
		WithOnFirstDenied(func(ip string) {
			first.Add(1)
			mu.Lock()
			seen[ip]++
			mu.Unlock()
		}),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	g.take("10.0.0.1")
	for i := 0; i < 4; i++ {
		g.take("10.0.0.1")
	}
	g.take("10.0.0.2")
	g.take("10.0.0.2")

	if first.Load() != 2 {
		t.Fatalf("OnFirstDenied = %d, want 2 (once per IP)", first.Load())
	}
	if denied.Load() != 5 {
		t.Fatalf("OnDenied = %d, want 5", denied.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["10.0.0.1"] != 1 || seen["10.0.0.2"] != 1 {
		t.Fatalf("per-IP first denial counts = %v", seen)
	}
}

func TestFloodGuard_Capacity(t *testing.T) {
	var capHits atomic.Int32
	g := newTestFloodGuard(t,
		WithMaxVisitors(2),
		WithOnCapacity(func() { capHits.Add(1) }),
	)

	g.take("10.0.0.1")
	g.take("10.0.0.2")
	if ok, _ := g.take("10.0.0.3"); ok {
		t.Fatal("third visitor should be rejected at capacity")
	}
	if capHits.Load() != 1 {
		t.Fatalf("OnCapacity = %d, want 1", capHits.Load())
	}
	// known visitors are unaffected
	if ok, _ := g.take("10.0.0.1"); !ok {
		t.Fatal("existing visitor should still be served")
	}
}

func TestFloodGuard_EvictsIdle(t *testing.T) {
	g := newTestFloodGuard(t, WithFloodIdle(40*time.Millisecond))

	g.take("10.0.0.1")
	time.Sleep(120 * time.Millisecond)

	g.mu.Lock()
	_, exists := g.buckets["10.0.0.1"]
	g.mu.Unlock()
	if exists {
		t.Fatal("idle bucket should be evicted")
	}
}

func requestFrom(h http.Handler, ip string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), ip))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestFloodGuard_Middleware(t *testing.T) {
	g := newTestFloodGuard(t, WithFloodRate(0.5, 2))

	var reached atomic.Int32
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		if w := requestFrom(h, "203.0.113.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
	}

	w := requestFrom(h, "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 2 {
		t.Fatalf("Retry-After = %q, want 1..2 at 0.5 tokens/sec", w.Header().Get("Retry-After"))
	}
	if got := w.Body.String(); got != `{"error":"too many requests"}` {
		t.Fatalf("body = %q", got)
	}
	if reached.Load() != 2 {
		t.Fatalf("handler reached %d times, want 2", reached.Load())
	}
}
