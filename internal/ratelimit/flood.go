package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/academy-api/internal/httpmw"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
	// warned resets when the bucket is evicted
	warned bool
}

// FloodGuard is a per-IP token bucket applied to every request.
// It stops a single address from exhausting the server; the per-route
// sliding windows enforce the actual business limits.
type FloodGuard struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	perSecond   rate.Limit
	burst       int
	idle        time.Duration
	maxVisitors int

	onDenied      func(ip string)
	onFirstDenied func(ip string)
	onCapacity    func()
}

type FloodOption func(*FloodGuard)

// WithFloodRate sets the refill rate and bucket size.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithFloodIdle sets how long an idle address keeps its bucket.
func WithFloodIdle(d time.Duration) FloodOption {
	return func(g *FloodGuard) { g.idle = d }
}

// WithMaxVisitors caps tracked addresses. New addresses beyond the cap are
// rejected until eviction frees room. <= 0 means unbounded.
func WithMaxVisitors(n int) FloodOption {
	return func(g *FloodGuard) { g.maxVisitors = n }
}

func WithOnDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.onDenied = fn }
}

// WithOnFirstDenied fires once per bucket lifetime, for logging without spam.
func WithOnFirstDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.onFirstDenied = fn }
}

func WithOnCapacity(fn func()) FloodOption {
	return func(g *FloodGuard) { g.onCapacity = fn }
}

// NewFloodGuard starts eviction of idle buckets, stopped by ctx.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		buckets:     make(map[string]*bucket),
		perSecond:   20,
		burst:       60,
		idle:        5 * time.Minute,
		maxVisitors: 100_000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evictLoop(ctx)
	return g
}

// take returns whether ip may proceed and, if not, how long until a token is available.
func (g *FloodGuard) take(ip string) (bool, time.Duration) {
	now := time.Now()

	g.mu.Lock()
	b, ok := g.buckets[ip]
	if !ok {
		if g.maxVisitors > 0 && len(g.buckets) >= g.maxVisitors {
			g.mu.Unlock()
			if g.onCapacity != nil {
				g.onCapacity()
			}
			return false, g.idle
		}
		b = &bucket{lim: rate.NewLimiter(g.perSecond, g.burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		g.mu.Unlock()
		return true, 0
	}
	// denied requests must not consume future tokens
	r.CancelAt(now)

	first := !b.warned
	b.warned = true
	g.mu.Unlock()

	// hooks may be slow, never call them under the lock
	if first && g.onFirstDenied != nil {
		g.onFirstDenied(ip)
	}
	if g.onDenied != nil {
		g.onDenied(ip)
	}
	return false, delay
}

func (g *FloodGuard) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(g.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, b := range g.buckets {
				if now.Sub(b.lastSeen) > g.idle {
					delete(g.buckets, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP rate with 429.
// The client IP comes from httpmw.ClientIP which must run first.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		ok, wait := g.take(ip)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
