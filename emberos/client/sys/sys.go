// Package sys wraps the requests understood by the kernel server.
package sys

import (
	"fmt"

	"ember/emberos/client"
	"ember/emberos/kernel"
	"ember/emberos/proto"
)

// Print logs a line on behalf of the calling process.
func Print(ctx *kernel.Context, kch proto.CID, format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	if len(line) > proto.InlinePayloadLenMax {
		line = line[:proto.InlinePayloadLenMax]
	}
	_, err := client.Call[proto.RuntimePrintReply](ctx, kch, proto.RuntimePrint{Text: line})
	return err
}

// ExitCurrent asks the kernel to terminate the calling thread. It returns
// only if the request could not be sent.
func ExitCurrent(ctx *kernel.Context, kch proto.CID) error {
	_, err := ctx.Call(kch, proto.RuntimeExitCurrent{})
	return err
}

// CreateProcess creates an empty process. The returned channel, in the
// caller, is linked to channel @1 of the new process.
func CreateProcess(ctx *kernel.Context, kch proto.CID, name string) (pid int32, pagerCh proto.CID, err error) {
	r, err := client.Call[proto.ProcessCreateReply](ctx, kch, proto.ProcessCreate{Name: name})
	if err != nil {
		return 0, 0, fmt.Errorf("process.create %q: %w", name, err)
	}
	return r.PID, r.PagerCh, nil
}

// AddPager maps [start, start+size) in pid, served by the pager reached
// through pagerCh of that process.
func AddPager(ctx *kernel.Context, kch proto.CID, pid int32, pagerCh proto.CID, start, size uint64, flags kernel.PageFlags) error {
	_, err := client.Call[proto.ProcessAddPagerReply](ctx, kch, proto.ProcessAddPager{
		PID:     pid,
		PagerCh: pagerCh,
		Start:   start,
		Size:    size,
		Flags:   uint8(flags),
	})
	if err != nil {
		return fmt.Errorf("process.add_pager %d [%#x, %#x): %w", pid, start, start+size, err)
	}
	return nil
}

// Spawn starts a thread of pid running the named program.
func Spawn(ctx *kernel.Context, kch proto.CID, pid int32, program string, arg uint64) (int32, error) {
	r, err := client.Call[proto.ThreadSpawnReply](ctx, kch, proto.ThreadSpawn{PID: pid, Program: program, Arg: arg})
	if err != nil {
		return 0, fmt.Errorf("thread.spawn %q in %d: %w", program, pid, err)
	}
	return r.TID, nil
}

// ListenIRQ makes interrupt irq notify ch with proto.NotifyInterrupt.
func ListenIRQ(ctx *kernel.Context, kch proto.CID, ch proto.CID, irq uint8) error {
	_, err := client.Call[proto.IOListenIRQReply](ctx, kch, proto.IOListenIRQ{Ch: ch, IRQ: irq})
	return err
}

// SetTimer notifies ch with proto.NotifyTimer after initial ticks, then
// every interval ticks. A zero interval fires once.
func SetTimer(ctx *kernel.Context, kch proto.CID, ch proto.CID, initial, interval uint32) (int32, error) {
	r, err := client.Call[proto.TimerSetReply](ctx, kch, proto.TimerSet{Ch: ch, Initial: initial, Interval: interval})
	if err != nil {
		return 0, err
	}
	return r.Timer, nil
}
