//go:build !tinygo

package hal

import (
	"context"
	"fmt"
	"time"
)

// ClockConfig controls the host timer interrupt.
type ClockConfig struct {
	Hz int
	// Ticks stops the clock after that many ticks. Zero runs until the
	// context is done.
	Ticks uint64
}

// RunClock drives the timer of a host HAL until ctx is done or cfg.Ticks
// ticks have been produced. The tick channel is closed on return, so it must
// be called at most once per HAL.
func RunClock(ctx context.Context, h HAL, cfg ClockConfig) error {
	hh, ok := h.(*hostHAL)
	if !ok {
		return fmt.Errorf("hal: RunClock needs the host HAL, got %T", h)
	}
	if cfg.Hz <= 0 {
		return fmt.Errorf("hal: invalid clock rate %d Hz", cfg.Hz)
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("hal: invalid clock rate %d Hz", cfg.Hz)
	}

	ht := hh.t
	ht.tick = d
	defer close(ht.ch)

	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if seq := ht.step(); cfg.Ticks > 0 && seq >= cfg.Ticks {
				return nil
			}
		}
	}
}
