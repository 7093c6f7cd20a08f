// Package idempotency guards webhook side effects against provider retries
// and replayed payloads.
//
// A [Guard] remembers processed event IDs for a fixed retention period and
// rejects events whose signed timestamp is older than the replay tolerance.
// Delivery is at-most-once: an event is marked before its side effects run,
// so a crash in between drops the side effect rather than repeating it.
//
// Retention (24h) is shorter than the payment provider's retry ceiling (3
// days). A redelivery after retention expires is processed again. This bounds
// memory and is accepted; the replay tolerance rejects such late redeliveries
// anyway when the provider re-signs with the original timestamp.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultTolerance     = 5 * time.Minute
	DefaultSweepInterval = time.Hour
)

var (
	// ErrStaleReplay means the signed timestamp is outside the replay tolerance.
	ErrStaleReplay = errors.New("idempotency: signed timestamp outside tolerance")

	ErrEmptyEventID = errors.New("idempotency: empty event id")
)

// Verdict is the outcome of Admit.
type Verdict int

const (
	// VerdictNew means the event was unseen and is now marked processed.
	VerdictNew Verdict = iota
	// VerdictDuplicate means the event was already processed; acknowledge without side effects.
	VerdictDuplicate
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Store records processed event IDs.
type Store interface {
	Seen(ctx context.Context, eventID string, now time.Time) (bool, error)
	// Mark records eventID and reports whether it was newly inserted.
	Mark(ctx context.Context, eventID string, now time.Time, retention time.Duration) (bool, error)
	// Sweep purges entries older than retention and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Len is the number of retained IDs, or -1 when the store cannot tell.
	Len() int
}

// Guard is the webhook idempotency and replay-window check.
type Guard struct {
	store      Store
	now        func() time.Time
	retention  time.Duration
	tolerance  time.Duration
	sweepEvery time.Duration
	onSweep    func(purged, remaining int)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Guard)

func WithStore(s Store) Option {
	return func(g *Guard) {
		if s != nil {
			g.store = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retention = d
		}
	}
}

func WithTolerance(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.tolerance = d
		}
	}
}

// WithSweepInterval sets the purge cadence. <= 0 disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Guard) { g.sweepEvery = d }
}

// WithOnSweep is called after each background sweep, used for metrics.
// remaining is -1 when the store cannot report its size.
func WithOnSweep(fn func(purged, remaining int)) Option {
	return func(g *Guard) { g.onSweep = fn }
}

// New creates a Guard and starts its sweep goroutine, stopped by ctx or Shutdown.
func New(ctx context.Context, opts ...Option) *Guard {
	g := &Guard{
		now:        time.Now,
		retention:  DefaultRetention,
		tolerance:  DefaultTolerance,
		sweepEvery: DefaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.store == nil {
		g.store = NewMemoryStore(g.retention)
	}

	ctx, g.cancel = context.WithCancel(ctx)
	if g.sweepEvery > 0 {
		go g.sweepLoop(ctx)
	} else {
		close(g.done)
	}
	return g
}

// CheckReplay returns ErrStaleReplay when signedAt is more than the tolerance
// before receivedAt.
func (g *Guard) CheckReplay(signedAt, receivedAt time.Time) error {
	if age := receivedAt.Sub(signedAt); age > g.tolerance {
		return xerrors.Wrapf(ErrStaleReplay, "signed %s ago, tolerance %s", age.Round(time.Second), g.tolerance)
	}
	return nil
}

func (g *Guard) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	seen, err := g.store.Seen(ctx, eventID, g.now())
	if err != nil {
		return false, xerrors.Wrapf(err, "lookup event %s", eventID)
	}
	return seen, nil
}

// MarkProcessed records eventID. Call once per new event, right before its side effects.
func (g *Guard) MarkProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	if _, err := g.store.Mark(ctx, eventID, g.now(), g.retention); err != nil {
		return xerrors.Wrapf(err, "mark event %s", eventID)
	}
	return nil
}

// Admit runs the replay check, then the duplicate check, then marks the event.
// Stale events fail with ErrStaleReplay whether or not they were seen before.
// The mark is an insert-if-absent, so two concurrent deliveries of one event
// yield exactly one VerdictNew.
func (g *Guard) Admit(ctx context.Context, eventID string, signedAt time.Time) (Verdict, error) {
	if eventID == "" {
		return VerdictDuplicate, ErrEmptyEventID
	}
	now := g.now()
	if err := g.CheckReplay(signedAt, now); err != nil {
		return VerdictDuplicate, err
	}
	inserted, err := g.store.Mark(ctx, eventID, now, g.retention)
	if err != nil {
		return VerdictDuplicate, xerrors.Wrapf(err, "mark event %s", eventID)
	}
	if !inserted {
		return VerdictDuplicate, nil
	}
	return VerdictNew, nil
}

// Len is the number of tracked event IDs, or -1 for shared stores.
func (g *Guard) Len() int { return g.store.Len() }

func (g *Guard) Sweep(ctx context.Context) (int, error) {
	return g.store.Sweep(ctx, g.now())
}

// Shutdown stops the sweep goroutine and waits for it. Safe to call more than once.
func (g *Guard) Shutdown() {
	g.stopOnce.Do(func() {
		g.cancel()
		<-g.done
	})
}

func (g *Guard) sweepLoop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Sweep(ctx)
			if err == nil && g.onSweep != nil {
				g.onSweep(n, g.store.Len())
			}
		}
	}
}
