//go:build !tinygo

package hal

import "time"

// hostTime turns elapsed wall time into timer ticks. A late step catches up
// by emitting every tick it missed; a full channel drops ticks.
type hostTime struct {
	ch  chan uint64
	seq uint64

	tick time.Duration
	now  func() time.Time
	last time.Time
	acc  time.Duration
}

func newHostTime(tick time.Duration, now func() time.Time) *hostTime {
	if now == nil {
		now = time.Now
	}
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return &hostTime{ch: make(chan uint64, 1024), tick: tick, now: now}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// step emits the ticks that elapsed since the previous step and returns the
// sequence number of the last one.
func (t *hostTime) step() uint64 {
	now := t.now()
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return t.seq
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / t.tick)
	if ticks == 0 {
		return t.seq
	}
	t.acc = t.acc % t.tick
	t.stepN(ticks)
	return t.seq
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
