package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var (
	// ErrInvalidConfig is returned for a window <= 0 or fewer than one allowed request.
	ErrInvalidConfig = errors.New("ratelimit: invalid config")

	// ErrEmptyIdentifier is returned when Check is called without an identifier.
	ErrEmptyIdentifier = errors.New("ratelimit: empty identifier")
)

// DefaultSweepInterval is how often identifiers with no live timestamps are dropped.
const DefaultSweepInterval = time.Hour

// Config is one sliding-window policy.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

func (c Config) Validate() error {
	if c.Window <= 0 || c.MaxRequests < 1 {
		return ErrInvalidConfig
	}
	return nil
}

// Result is the outcome of a single window check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest counted request leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as sent in Retry-After.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Store holds the per-identifier timestamp lists.
// Hit must filter, decide and append atomically for a single key.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, cfg Config) (Result, error)
	// Sweep drops keys with no timestamps left inside their window and
	// returns how many were dropped.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Limiter applies sliding-window policies against a Store.
type Limiter struct {
	store      Store
	now        func() time.Time
	sweepEvery time.Duration

	// OnStoreError is called when the store fails. The request is allowed (fail open).
	OnStoreError func(key string, err error)
	// OnSweep is called after every background sweep with the number of dropped keys.
	OnSweep func(dropped int)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Limiter)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// WithClock overrides time.Now, used by tests to step through windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval sets how often empty identifiers are evicted. <= 0 disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

func WithOnStoreError(fn func(key string, err error)) Option {
	return func(l *Limiter) { l.OnStoreError = fn }
}

func WithOnSweep(fn func(dropped int)) Option {
	return func(l *Limiter) { l.OnSweep = fn }
}

// New creates a Limiter and starts its sweep goroutine. The goroutine stops
// when ctx is cancelled or Shutdown is called.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}

	ctx, l.cancel = context.WithCancel(ctx)
	if l.sweepEvery > 0 {
		go l.sweepLoop(ctx)
	} else {
		close(l.done)
	}
	return l
}

// Check counts a request from id against cfg.
// Errors are returned only for invalid input; store failures allow the request.
func (l *Limiter) Check(ctx context.Context, id string, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if id == "" {
		return Result{}, ErrEmptyIdentifier
	}

	now := l.now()
	res, err := l.store.Hit(ctx, id, now, cfg)
	if err != nil {
		if l.OnStoreError != nil {
			l.OnStoreError(id, err)
		}
		return Result{
			Allowed:   true,
			Limit:     cfg.MaxRequests,
			Remaining: cfg.MaxRequests - 1,
			ResetAt:   now.Add(cfg.Window),
		}, nil
	}
	return res, nil
}

// Sweep runs one eviction pass immediately.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

// Shutdown stops the sweep goroutine and waits for it to exit. Safe to call more than once.
func (l *Limiter) Shutdown() {
	l.stopOnce.Do(func() {
		l.cancel()
		<-l.done
	})
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				if l.OnStoreError != nil {
					l.OnStoreError("", err)
				}
				continue
			}
			if l.OnSweep != nil {
				l.OnSweep(n)
			}
		}
	}
}

// decide applies cfg to hits (oldest first, already filtered to the window)
// and returns the result plus the list to store.
func decide(hits []time.Time, now time.Time, cfg Config) (Result, []time.Time) {
	if len(hits) >= cfg.MaxRequests {
		reset := hits[0].Add(cfg.Window)
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			ResetAt:    reset,
		}, hits
	}
	hits = append(hits, now)
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - len(hits),
		ResetAt:   hits[0].Add(cfg.Window),
	}, hits
}

// prune drops timestamps that are window or more older than now. hits is ordered oldest first.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= window {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
