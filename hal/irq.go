package hal

import (
	"sync"
	"time"
)

// IRQLine is a simulated interrupt source: a square wave of the given period
// that stays high for the first high of every period. Each rising edge is one
// interrupt.
type IRQLine struct {
	mu  sync.Mutex
	irq uint8

	t0     time.Time
	now    func() time.Time
	period time.Duration
	high   time.Duration

	lastLevel bool
	lastCycle int64
}

// NewIRQLine returns a line raising irq every period.
func NewIRQLine(irq uint8, period, high time.Duration) *IRQLine {
	return newIRQLineWithClock(irq, period, high, time.Now)
}

func newIRQLineWithClock(irq uint8, period, high time.Duration, now func() time.Time) *IRQLine {
	if now == nil {
		now = time.Now
	}
	if period <= 0 {
		period = 1 * time.Second
	}
	if high <= 0 {
		high = 1
	}
	if high > period {
		high = period
	}
	return &IRQLine{
		irq:       irq,
		t0:        now(),
		now:       now,
		period:    period,
		high:      high,
		lastCycle: -1,
	}
}

// IRQ returns the interrupt number.
func (l *IRQLine) IRQ() uint8 { return l.irq }

// Level reports whether the line is currently high.
func (l *IRQLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	level, _ := l.sample()
	return level
}

// Poll reports whether the line rose since the previous Poll. Several
// periods elapsed between polls count as one edge.
func (l *IRQLine) Poll() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	level, cycle := l.sample()
	rose := level && (!l.lastLevel || cycle != l.lastCycle)
	l.lastLevel, l.lastCycle = level, cycle
	return rose
}

func (l *IRQLine) sample() (bool, int64) {
	elapsed := l.now().Sub(l.t0)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	phase := elapsed % l.period
	return phase < l.high, int64(elapsed / l.period)
}
