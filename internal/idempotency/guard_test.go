package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	g := New(context.Background(), append([]Option{WithClock(clk.Now), WithSweepInterval(0)}, opts...)...)
	t.Cleanup(g.Shutdown)
	return g, clk
}

func TestGuard_MarkThenDuplicate(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	dup, err := g.IsDuplicate(ctx, "evt_1")
	if err != nil || dup {
		t.Fatalf("IsDuplicate before mark = %v, %v", dup, err)
	}
	if err := g.MarkProcessed(ctx, "evt_1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	dup, err = g.IsDuplicate(ctx, "evt_1")
	if err != nil || !dup {
		t.Fatalf("IsDuplicate after mark = %v, %v", dup, err)
	}
	if dup, _ := g.IsDuplicate(ctx, "evt_2"); dup {
		t.Fatal("unrelated event reported duplicate")
	}
}

func TestGuard_RetentionExpiry(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()

	_ = g.MarkProcessed(ctx, "evt_1")
	clk.Advance(23 * time.Hour)
	if dup, _ := g.IsDuplicate(ctx, "evt_1"); !dup {
		t.Fatal("should still be remembered within 24h")
	}

	clk.Advance(2 * time.Hour)
	n, err := g.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if g.Len() != 0 {
		t.Fatalf("Len = %d after sweep", g.Len())
	}
	if dup, _ := g.IsDuplicate(ctx, "evt_1"); dup {
		t.Fatal("expired event should be processable again")
	}
}

func TestGuard_ExpiredButUnsweptIsNotDuplicate(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()

	_ = g.MarkProcessed(ctx, "evt_1")
	clk.Advance(DefaultRetention)
	if dup, _ := g.IsDuplicate(ctx, "evt_1"); dup {
		t.Fatal("entry past retention should not count even before sweep")
	}
}

func TestGuard_CheckReplay(t *testing.T) {
	g, _ := newTestGuard(t)
	recv := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		age     time.Duration
		wantErr bool
	}{
		{"fresh", 0, false},
		{"four minutes", 4 * time.Minute, false},
		{"exactly five minutes", 5 * time.Minute, false},
		{"six minutes", 6 * time.Minute, true},
		{"clock skew ahead", -30 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.CheckReplay(recv.Add(-tc.age), recv)
			if tc.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrStaleReplay) {
				t.Fatalf("err = %v, want ErrStaleReplay", err)
			}
		})
	}
}

func TestGuard_Admit(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()

	v, err := g.Admit(ctx, "evt_1", clk.Now())
	if err != nil || v != VerdictNew {
		t.Fatalf("first Admit = %v, %v", v, err)
	}
	v, err = g.Admit(ctx, "evt_1", clk.Now())
	if err != nil || v != VerdictDuplicate {
		t.Fatalf("second Admit = %v, %v", v, err)
	}
}

func TestGuard_AdmitStaleBeforeDuplicate(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()
	signed := clk.Now()

	if _, err := g.Admit(ctx, "evt_1", signed); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(6 * time.Minute)

	_, err := g.Admit(ctx, "evt_1", signed)
	if !errors.Is(err, ErrStaleReplay) {
		t.Fatalf("err = %v, want ErrStaleReplay for stale redelivery", err)
	}

	_, err = g.Admit(ctx, "evt_never_seen", signed)
	if !errors.Is(err, ErrStaleReplay) {
		t.Fatalf("err = %v, want ErrStaleReplay for stale new event", err)
	}
	if dup, _ := g.IsDuplicate(ctx, "evt_never_seen"); dup {
		t.Fatal("stale event must not be marked")
	}
}

func TestGuard_AdmitConcurrentSingleWinner(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := g.Admit(ctx, "evt_race", clk.Now()); err == nil && v == VerdictNew {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("VerdictNew returned %d times, want 1", wins.Load())
	}
}

func TestGuard_EmptyEventID(t *testing.T) {
	g, clk := newTestGuard(t)
	ctx := context.Background()

	if _, err := g.IsDuplicate(ctx, ""); !errors.Is(err, ErrEmptyEventID) {
		t.Fatalf("IsDuplicate err = %v", err)
	}
	if err := g.MarkProcessed(ctx, ""); !errors.Is(err, ErrEmptyEventID) {
		t.Fatalf("MarkProcessed err = %v", err)
	}
	if _, err := g.Admit(ctx, "", clk.Now()); !errors.Is(err, ErrEmptyEventID) {
		t.Fatalf("Admit err = %v", err)
	}
}

type failingStore struct{}

var errBoom = errors.New("boom")

func (*failingStore) Seen(context.Context, string, time.Time) (bool, error) { return false, errBoom }
func (*failingStore) Mark(context.Context, string, time.Time, time.Duration) (bool, error) {
	return false, errBoom
}
func (*failingStore) Sweep(context.Context, time.Time) (int, error) { return 0, errBoom }
func (*failingStore) Len() int                                      { return 0 }

func TestGuard_StoreErrorsPropagate(t *testing.T) {
	g, clk := newTestGuard(t, WithStore(&failingStore{}))
	ctx := context.Background()

	if _, err := g.IsDuplicate(ctx, "evt_1"); !errors.Is(err, errBoom) {
		t.Fatalf("IsDuplicate err = %v", err)
	}
	if _, err := g.Admit(ctx, "evt_1", clk.Now()); !errors.Is(err, errBoom) {
		t.Fatalf("Admit err = %v", err)
	}
}

func TestGuard_BackgroundSweep(t *testing.T) {
	clk := newFakeClock()
	swept := make(chan int, 4)
	g := New(context.Background(),
		WithClock(clk.Now),
		WithRetention(time.Minute),
		WithSweepInterval(10*time.Millisecond),
		WithOnSweep(func(purged, _ int) {
			if purged > 0 {
				swept <- purged
			}
		}),
	)
	t.Cleanup(g.Shutdown)

	_ = g.MarkProcessed(context.Background(), "evt_1")
	clk.Advance(2 * time.Minute)

	select {
	case n := <-swept:
		if n != 1 {
			t.Fatalf("purged = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background sweep did not run")
	}
}

func TestGuard_ShutdownIdempotent(t *testing.T) {
	g := New(context.Background(), WithSweepInterval(time.Millisecond))
	g.Shutdown()
	g.Shutdown()
}

func TestVerdictString(t *testing.T) {
	if VerdictNew.String() != "new" || VerdictDuplicate.String() != "duplicate" || Verdict(9).String() != "unknown" {
		t.Fatal("unexpected Verdict strings")
	}
}
