// Package ping is an echo server and the client that exercises it.
package ping

import (
	"errors"

	"ember/emberos/kernel"
	"ember/emberos/proto"
)

// Service answers every ping on its listen channel with a pong carrying
// the same value.
type Service struct {
	listen proto.CID
	served uint64
}

func New(listen proto.CID) *Service {
	return &Service{listen: listen}
}

// Served returns the number of pings answered. Only meaningful once the
// service has stopped.
func (s *Service) Served() uint64 { return s.served }

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
			continue
		}
		switch p := p.(type) {
		case proto.Ping:
			s.served++
			_ = ctx.Reply(from, proto.Pong{Value: p.Value})
		case proto.Notification:
		default:
			_ = ctx.ReplyError(from, proto.ErrUnexpectedMessage)
		}
	}
}
