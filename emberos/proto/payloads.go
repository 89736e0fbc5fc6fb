package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Payload is a typed view over a message. Each message type has exactly one
// Payload implementation; Decode is the single dispatch point.
type Payload interface {
	MsgType() MsgType
	// Encode overwrites m with the payload. From and Notification are left
	// for the kernel to fill.
	Encode(m *Message) error
}

// RuntimePrint asks the kernel to log a line on behalf of the sender.
//
// Layout: the text itself, inline length = len(text).
type RuntimePrint struct{ Text string }

type RuntimePrintReply struct{}

// RuntimeExitCurrent terminates the calling thread. It is never answered.
type RuntimeExitCurrent struct{}

// ProcessCreate layout: smallstring name at 0.
type ProcessCreate struct{ Name string }

// ProcessCreateReply layout: u32 pid at 0, u32 pager channel at 4.
type ProcessCreateReply struct {
	PID     int32
	PagerCh CID
}

// ProcessAddPager layout:
//   - u32 pid at 0
//   - u32 pager channel (in the target process) at 4
//   - u64 start at 8
//   - u64 size at 16
//   - u8 flags at 24
type ProcessAddPager struct {
	PID     int32
	PagerCh CID
	Start   uint64
	Size    uint64
	Flags   uint8
}

type ProcessAddPagerReply struct{}

// PagerFill layout: u32 pid at 0, u64 addr at 8.
type PagerFill struct {
	PID  int32
	Addr uint64
}

// PagerFillReply layout: u64 paddr at 0.
type PagerFillReply struct{ PAddr uint64 }

// ThreadSpawn layout: u32 pid at 0, u64 arg at 8, smallstring program at 16.
type ThreadSpawn struct {
	PID     int32
	Arg     uint64
	Program string
}

// ThreadSpawnReply layout: u32 tid at 0.
type ThreadSpawnReply struct{ TID int32 }

// IOListenIRQ layout: u32 channel at 0, u8 irq at 4.
type IOListenIRQ struct {
	Ch  CID
	IRQ uint8
}

type IOListenIRQReply struct{}

// TimerSet layout: u32 channel at 0, u32 initial at 4, u32 interval at 8.
// A zero interval makes a one-shot timer.
type TimerSet struct {
	Ch       CID
	Initial  uint32
	Interval uint32
}

// TimerSetReply layout: u32 timer ID at 0.
type TimerSetReply struct{ Timer int32 }

// Ping layout: u64 value at 0.
type Ping struct{ Value uint64 }

// Pong layout: u64 value at 0.
type Pong struct{ Value uint64 }

// LoggerWrite layout: the line itself.
type LoggerWrite struct{ Text string }

// Notification is the synthetic message delivering pending notifications.
type Notification struct{ Bits Notifications }

func (RuntimePrint) MsgType() MsgType         { return MsgRuntimePrint }
func (RuntimePrintReply) MsgType() MsgType    { return MsgRuntimePrintReply }
func (RuntimeExitCurrent) MsgType() MsgType   { return MsgRuntimeExitCurrent }
func (ProcessCreate) MsgType() MsgType        { return MsgProcessCreate }
func (ProcessCreateReply) MsgType() MsgType   { return MsgProcessCreateReply }
func (ProcessAddPager) MsgType() MsgType      { return MsgProcessAddPager }
func (ProcessAddPagerReply) MsgType() MsgType { return MsgProcessAddPagerReply }
func (PagerFill) MsgType() MsgType            { return MsgPagerFill }
func (PagerFillReply) MsgType() MsgType       { return MsgPagerFillReply }
func (ThreadSpawn) MsgType() MsgType          { return MsgThreadSpawn }
func (ThreadSpawnReply) MsgType() MsgType     { return MsgThreadSpawnReply }
func (IOListenIRQ) MsgType() MsgType          { return MsgIOListenIRQ }
func (IOListenIRQReply) MsgType() MsgType     { return MsgIOListenIRQReply }
func (TimerSet) MsgType() MsgType             { return MsgTimerSet }
func (TimerSetReply) MsgType() MsgType        { return MsgTimerSetReply }
func (Ping) MsgType() MsgType                 { return MsgPing }
func (Pong) MsgType() MsgType                 { return MsgPong }
func (LoggerWrite) MsgType() MsgType          { return MsgLoggerWrite }
func (Notification) MsgType() MsgType         { return MsgNotification }

var le = binary.LittleEndian

// begin resets m and writes a header for t with an inline length of n.
func begin(m *Message, t MsgType, n int) error {
	h, err := EncodeHeader(n, t.Interface(), t.ID(), false, false)
	if err != nil {
		return err
	}
	m.Reset()
	m.Header = h
	return nil
}

func putString(dst []byte, s string, max int) error {
	if len(s) >= max {
		return fmt.Errorf("string of %d bytes exceeds %d: %w", len(s), max-1, ErrInvalidPayload)
	}
	n := copy(dst[:max], s)
	clear(dst[n:max])
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func (p RuntimePrint) Encode(m *Message) error {
	if len(p.Text) > InlinePayloadLenMax {
		return fmt.Errorf("runtime.print: %w", ErrInvalidPayload)
	}
	if err := begin(m, MsgRuntimePrint, len(p.Text)); err != nil {
		return err
	}
	copy(m.Data[:], p.Text)
	return nil
}

func (p RuntimePrintReply) Encode(m *Message) error  { return begin(m, MsgRuntimePrintReply, 0) }
func (p RuntimeExitCurrent) Encode(m *Message) error { return begin(m, MsgRuntimeExitCurrent, 0) }

func (p ProcessCreate) Encode(m *Message) error {
	if err := begin(m, MsgProcessCreate, SmallStringLenMax); err != nil {
		return err
	}
	return putString(m.Data[:], p.Name, SmallStringLenMax)
}

func (p ProcessCreateReply) Encode(m *Message) error {
	if err := begin(m, MsgProcessCreateReply, 8); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.PID))
	le.PutUint32(m.Data[4:8], uint32(p.PagerCh))
	return nil
}

func (p ProcessAddPager) Encode(m *Message) error {
	if err := begin(m, MsgProcessAddPager, 25); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.PID))
	le.PutUint32(m.Data[4:8], uint32(p.PagerCh))
	le.PutUint64(m.Data[8:16], p.Start)
	le.PutUint64(m.Data[16:24], p.Size)
	m.Data[24] = p.Flags
	return nil
}

func (p ProcessAddPagerReply) Encode(m *Message) error {
	return begin(m, MsgProcessAddPagerReply, 0)
}

func (p PagerFill) Encode(m *Message) error {
	if err := begin(m, MsgPagerFill, 16); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.PID))
	le.PutUint64(m.Data[8:16], p.Addr)
	return nil
}

func (p PagerFillReply) Encode(m *Message) error {
	if err := begin(m, MsgPagerFillReply, 8); err != nil {
		return err
	}
	le.PutUint64(m.Data[0:8], p.PAddr)
	return nil
}

func (p ThreadSpawn) Encode(m *Message) error {
	if err := begin(m, MsgThreadSpawn, 16+SmallStringLenMax); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.PID))
	le.PutUint64(m.Data[8:16], p.Arg)
	return putString(m.Data[16:], p.Program, SmallStringLenMax)
}

func (p ThreadSpawnReply) Encode(m *Message) error {
	if err := begin(m, MsgThreadSpawnReply, 4); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.TID))
	return nil
}

func (p IOListenIRQ) Encode(m *Message) error {
	if err := begin(m, MsgIOListenIRQ, 5); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.Ch))
	m.Data[4] = p.IRQ
	return nil
}

func (p IOListenIRQReply) Encode(m *Message) error { return begin(m, MsgIOListenIRQReply, 0) }

func (p TimerSet) Encode(m *Message) error {
	if err := begin(m, MsgTimerSet, 12); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.Ch))
	le.PutUint32(m.Data[4:8], p.Initial)
	le.PutUint32(m.Data[8:12], p.Interval)
	return nil
}

func (p TimerSetReply) Encode(m *Message) error {
	if err := begin(m, MsgTimerSetReply, 4); err != nil {
		return err
	}
	le.PutUint32(m.Data[0:4], uint32(p.Timer))
	return nil
}

func (p Ping) Encode(m *Message) error {
	if err := begin(m, MsgPing, 8); err != nil {
		return err
	}
	le.PutUint64(m.Data[0:8], p.Value)
	return nil
}

func (p Pong) Encode(m *Message) error {
	if err := begin(m, MsgPong, 8); err != nil {
		return err
	}
	le.PutUint64(m.Data[0:8], p.Value)
	return nil
}

func (p LoggerWrite) Encode(m *Message) error {
	if len(p.Text) > InlinePayloadLenMax {
		return fmt.Errorf("logger.write: %w", ErrInvalidPayload)
	}
	if err := begin(m, MsgLoggerWrite, len(p.Text)); err != nil {
		return err
	}
	copy(m.Data[:], p.Text)
	return nil
}

func (p Notification) Encode(m *Message) error {
	m.Reset()
	m.Header = NotificationHeader
	m.Notification = p.Bits
	return nil
}

// Decode returns the typed view of m. An error header decodes to its Errno;
// an unknown type is ErrUnexpectedMessage; a payload shorter than its
// layout is ErrTooShort.
func Decode(m *Message) (Payload, error) {
	if m.Header.IsError() {
		return nil, m.Header.Errno()
	}

	d := m.Payload()
	need := func(n int) error {
		if len(d) < n {
			return fmt.Errorf("%s: %d bytes, want %d: %w", m.Header.MsgType(), len(d), n, ErrTooShort)
		}
		return nil
	}

	switch m.Header.MsgType() {
	case MsgRuntimePrint:
		return RuntimePrint{Text: string(d)}, nil
	case MsgRuntimePrintReply:
		return RuntimePrintReply{}, nil
	case MsgRuntimeExitCurrent:
		return RuntimeExitCurrent{}, nil
	case MsgProcessCreate:
		if err := need(SmallStringLenMax); err != nil {
			return nil, err
		}
		return ProcessCreate{Name: getString(d[:SmallStringLenMax])}, nil
	case MsgProcessCreateReply:
		if err := need(8); err != nil {
			return nil, err
		}
		return ProcessCreateReply{
			PID:     int32(le.Uint32(d[0:4])),
			PagerCh: CID(le.Uint32(d[4:8])),
		}, nil
	case MsgProcessAddPager:
		if err := need(25); err != nil {
			return nil, err
		}
		return ProcessAddPager{
			PID:     int32(le.Uint32(d[0:4])),
			PagerCh: CID(le.Uint32(d[4:8])),
			Start:   le.Uint64(d[8:16]),
			Size:    le.Uint64(d[16:24]),
			Flags:   d[24],
		}, nil
	case MsgProcessAddPagerReply:
		return ProcessAddPagerReply{}, nil
	case MsgPagerFill:
		if err := need(16); err != nil {
			return nil, err
		}
		return PagerFill{PID: int32(le.Uint32(d[0:4])), Addr: le.Uint64(d[8:16])}, nil
	case MsgPagerFillReply:
		if err := need(8); err != nil {
			return nil, err
		}
		return PagerFillReply{PAddr: le.Uint64(d[0:8])}, nil
	case MsgThreadSpawn:
		if err := need(16 + SmallStringLenMax); err != nil {
			return nil, err
		}
		return ThreadSpawn{
			PID:     int32(le.Uint32(d[0:4])),
			Arg:     le.Uint64(d[8:16]),
			Program: getString(d[16 : 16+SmallStringLenMax]),
		}, nil
	case MsgThreadSpawnReply:
		if err := need(4); err != nil {
			return nil, err
		}
		return ThreadSpawnReply{TID: int32(le.Uint32(d[0:4]))}, nil
	case MsgIOListenIRQ:
		if err := need(5); err != nil {
			return nil, err
		}
		return IOListenIRQ{Ch: CID(le.Uint32(d[0:4])), IRQ: d[4]}, nil
	case MsgIOListenIRQReply:
		return IOListenIRQReply{}, nil
	case MsgTimerSet:
		if err := need(12); err != nil {
			return nil, err
		}
		return TimerSet{
			Ch:       CID(le.Uint32(d[0:4])),
			Initial:  le.Uint32(d[4:8]),
			Interval: le.Uint32(d[8:12]),
		}, nil
	case MsgTimerSetReply:
		if err := need(4); err != nil {
			return nil, err
		}
		return TimerSetReply{Timer: int32(le.Uint32(d[0:4]))}, nil
	case MsgPing:
		if err := need(8); err != nil {
			return nil, err
		}
		return Ping{Value: le.Uint64(d[0:8])}, nil
	case MsgPong:
		if err := need(8); err != nil {
			return nil, err
		}
		return Pong{Value: le.Uint64(d[0:8])}, nil
	case MsgLoggerWrite:
		return LoggerWrite{Text: string(d)}, nil
	case MsgNotification:
		return Notification{Bits: m.Notification}, nil
	default:
		return nil, ErrUnexpectedMessage
	}
}
