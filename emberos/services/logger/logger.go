package logger

import (
	"fmt"

	"golang.org/x/time/rate"

	"ember/emberos/client/sys"
	"ember/emberos/kernel"
	"ember/emberos/proto"
	"ember/hal"
)

// Service writes the lines sent to its listen channel to the HAL logger.
// It also reports the notifications it is subscribed to.
type Service struct {
	log    hal.Logger
	listen proto.CID

	kch       proto.CID
	irqs      []uint8
	heartbeat uint32
	limiter   *rate.Limiter

	lines   int
	dropped int
}

// Option configures a Service.
type Option func(*Service)

// WithIRQs subscribes the service to interrupt lines through the kernel
// server channel kch.
func WithIRQs(kch proto.CID, irqs ...uint8) Option {
	return func(s *Service) {
		s.kch = kch
		s.irqs = append(s.irqs, irqs...)
	}
}

// WithHeartbeat logs a line every ticks timer ticks, using the kernel
// server channel kch.
func WithHeartbeat(kch proto.CID, ticks uint32) Option {
	return func(s *Service) {
		s.kch = kch
		s.heartbeat = ticks
	}
}

// WithRateLimit drops lines beyond perSecond lines a second, allowing
// bursts of burst lines.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(log hal.Logger, listen proto.CID, opts ...Option) *Service {
	s := &Service{log: log, listen: listen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until the listen channel is closed.
func (s *Service) Run(ctx *kernel.Context) {
	for _, irq := range s.irqs {
		if err := sys.ListenIRQ(ctx, s.kch, s.listen, irq); err != nil {
			s.writef("logger: listen irq %d: %v", irq, err)
		}
	}
	if s.heartbeat > 0 {
		if _, err := sys.SetTimer(ctx, s.kch, s.listen, s.heartbeat, s.heartbeat); err != nil {
			s.writef("logger: set timer: %v", err)
		}
	}

	for {
		m, err := ctx.Recv(s.listen)
		if err != nil {
			return
		}
		s.Step(m)
	}
}

// Step handles one received message.
func (s *Service) Step(m *proto.Message) {
	p, err := proto.Decode(m)
	if err != nil {
		return
	}
	switch p := p.(type) {
	case proto.LoggerWrite:
		if s.limiter != nil && !s.limiter.Allow() {
			s.dropped++
			return
		}
		s.lines++
		if s.log != nil {
			s.log.WriteLineString(p.Text)
		}
	case proto.Notification:
		if p.Bits&proto.NotifyInterrupt != 0 {
			s.writef("logger: interrupt")
		}
		if p.Bits&proto.NotifyTimer != 0 {
			s.writef("logger: heartbeat after %d lines, %d dropped", s.lines, s.dropped)
		}
	}
}

func (s *Service) writef(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.WriteLineString(fmt.Sprintf(format, args...))
}
