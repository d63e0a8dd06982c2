package failwindow

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowCountsWithinLength(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := New(60 * time.Second).WithClock(clk.now)

	if n := w.Record(); n != 1 {
		t.Fatalf("first record = %d, want 1", n)
	}
	clk.advance(30 * time.Second)
	if n := w.Record(); n != 2 {
		t.Fatalf("second record = %d, want 2", n)
	}
}

func TestWindowRestartsAfterGap(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := New(60 * time.Second).WithClock(clk.now)

	w.Record()
	w.Record()
	clk.advance(61 * time.Second)

	if got := w.Count(); got != 0 {
		t.Fatalf("Count after gap = %d, want 0", got)
	}
	if n := w.Record(); n != 1 {
		t.Fatalf("record after gap = %d, want 1", n)
	}
	if !w.StartedAt().Equal(clk.t) {
		t.Fatalf("window should restart at %v, got %v", clk.t, w.StartedAt())
	}
}

func TestWindowZeroLengthNeverExpires(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := New(0).WithClock(clk.now)

	for i := 1; i <= 4; i++ {
		clk.advance(time.Hour)
		if n := w.Record(); n != i {
			t.Fatalf("record %d = %d", i, n)
		}
	}
	w.Reset()
	if w.Count() != 0 {
		t.Fatalf("Count after Reset = %d", w.Count())
	}
}
