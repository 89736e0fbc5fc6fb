// Package pager is a user-space pager handing out zeroed anonymous pages
// from a memory pool mapped straight into the pager process.
package pager

import (
	"errors"
	"fmt"

	"ember/emberos/client/sys"
	"ember/emberos/kernel"
	"ember/emberos/mem"
	"ember/emberos/proto"
)

// Service serves pager.fill requests arriving at its listen channel. Pages
// are never returned to the pool: there is no unmap request.
type Service struct {
	listen proto.CID
	pool   uint64
	pages  int

	next  int
	fills map[int32]int // pid -> pages handed out
	zero  []byte
}

// New returns a pager over the pages at [pool, pool+pages*PageSize), which
// must be a writable straight mapping in the pager process.
func New(listen proto.CID, pool uint64, pages int) *Service {
	return &Service{
		listen: listen,
		pool:   pool,
		pages:  pages,
		fills:  make(map[int32]int),
		zero:   make([]byte, mem.PageSize),
	}
}

// Fills returns how many pages pid has received. Only meaningful once the
// service has stopped or from the pager thread itself.
func (s *Service) Fills(pid int32) int { return s.fills[pid] }

// Free returns the number of pages left in the pool.
func (s *Service) Free() int { return s.pages - s.next }

// Run serves until the listen channel is closed.
func (s *Service) Run(ctx *kernel.Context) {
	for {
		m, err := ctx.Recv(s.listen)
		if errors.Is(err, proto.ErrChannelClosed) || errors.Is(err, proto.ErrInvalidCID) {
			return
		}
		if err != nil {
			continue
		}
		from := m.From
		p, err := proto.Decode(m)
		if err != nil {
			_ = ctx.ReplyError(from, proto.ErrUnexpectedMessage)
			continue
		}
		switch p := p.(type) {
		case proto.PagerFill:
			paddr, errno := s.fill(ctx, p)
			if errno != proto.OK {
				_ = ctx.ReplyError(from, errno)
				continue
			}
			_ = ctx.Reply(from, proto.PagerFillReply{PAddr: paddr})
		case proto.Notification:
		default:
			_ = ctx.ReplyError(from, proto.ErrUnexpectedMessage)
		}
	}
}

func (s *Service) fill(ctx *kernel.Context, req proto.PagerFill) (uint64, proto.Errno) {
	if s.next >= s.pages {
		return 0, proto.ErrOutOfMemory
	}
	paddr := s.pool + uint64(s.next)*mem.PageSize
	s.next++
	ctx.Write(paddr, s.zero)
	s.fills[req.PID]++
	return paddr, proto.OK
}

// Launch creates a process through the kernel server kch, backs
// [start, start+pages*PageSize) of it with this pager and starts program in
// it with arg. It must run on the pager's own thread before Run, or from
// another thread of the pager process.
func (s *Service) Launch(ctx *kernel.Context, kch proto.CID, program string, start uint64, pages int, arg uint64) (int32, error) {
	pid, pagerCh, err := sys.CreateProcess(ctx, kch, program)
	if err != nil {
		return 0, err
	}
	if err := ctx.Transfer(pagerCh, s.listen); err != nil {
		return 0, fmt.Errorf("pager: transfer %s to %s: %w", pagerCh, s.listen, err)
	}
	// The child reaches its pager through its channel @1.
	if err := sys.AddPager(ctx, kch, pid, 1, start, uint64(pages)*mem.PageSize, kernel.PageWritable); err != nil {
		return 0, err
	}
	if _, err := sys.Spawn(ctx, kch, pid, program, arg); err != nil {
		return 0, err
	}
	return pid, nil
}
