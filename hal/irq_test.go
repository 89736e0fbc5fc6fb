package hal

import (
	"testing"
	"time"
)

func TestIRQLineLevel(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	line := newIRQLineWithClock(5, 10*time.Second, 2*time.Second, clock)
	if line.IRQ() != 5 {
		t.Fatalf("IRQ = %d, want 5", line.IRQ())
	}
	if !line.Level() {
		t.Fatal("expected high at t=0")
	}

	now = now.Add(3 * time.Second)
	if line.Level() {
		t.Fatal("expected low at t=3s")
	}

	now = now.Add(8 * time.Second) // t=11s => phase 1s, high again
	if !line.Level() {
		t.Fatal("expected high at t=11s")
	}
}

func TestIRQLinePoll(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	line := newIRQLineWithClock(1, 10*time.Second, 2*time.Second, clock)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{1 * time.Second, false}, // still high, same cycle
		{3 * time.Second, false},
		{11 * time.Second, true},
		{11500 * time.Millisecond, false},
		{25 * time.Second, false}, // low phase of a later cycle
		{31 * time.Second, true},
		{41 * time.Second, true}, // high in two polls of consecutive cycles
	}
	start := now
	for _, s := range steps {
		now = start.Add(s.at)
		if got := line.Poll(); got != s.want {
			t.Fatalf("Poll at %v = %v, want %v", s.at, got, s.want)
		}
	}
}

func TestIRQLineClampsHigh(t *testing.T) {
	now := time.Unix(0, 0)
	line := newIRQLineWithClock(2, time.Second, 5*time.Second, func() time.Time { return now })
	now = now.Add(999 * time.Millisecond)
	if !line.Level() {
		t.Fatal("a line high for longer than its period stays high")
	}
}
