package proto

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLayout(t *testing.T) {
	var m Message
	assert.Equal(t, uintptr(MessageSize), unsafe.Sizeof(m))
	assert.Equal(t, uintptr(0), unsafe.Offsetof(m.Header))
	assert.Equal(t, uintptr(4), unsafe.Offsetof(m.From))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(m.Notification))
	assert.Equal(t, uintptr(12), unsafe.Offsetof(m.Channel))
	assert.Equal(t, uintptr(16), unsafe.Offsetof(m.Page))
	assert.Equal(t, uintptr(32), unsafe.Offsetof(m.Data))
	assert.Equal(t, 480, InlinePayloadLenMax)
}

func TestEncodeHeader(t *testing.T) {
	tests := []struct {
		name      string
		inlineLen int
		iface, id uint8
		page, ch  bool
		want      Header
		wantErr   bool
	}{
		{name: "plain", inlineLen: 8, iface: 7, id: 1, want: 0x0701_0008},
		{name: "page", inlineLen: 0, iface: 3, id: 2, page: true, want: 0x0302_0800},
		{name: "channel", inlineLen: 480, iface: 1, id: 1, ch: true, want: 0x0101_11e0},
		{name: "too long", inlineLen: 481, iface: 1, id: 1, wantErr: true},
		{name: "negative length", inlineLen: -1, iface: 1, id: 1, wantErr: true},
		{name: "interface collides with errors", inlineLen: 0, iface: 0x80, id: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := EncodeHeader(tt.inlineLen, tt.iface, tt.id, tt.page, tt.ch)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidHeader)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
			assert.Equal(t, tt.inlineLen, h.InlineLen())
			assert.Equal(t, tt.page, h.HasPage())
			assert.Equal(t, tt.ch, h.HasChannel())
			assert.Equal(t, MakeType(tt.iface, tt.id), h.MsgType())
			assert.False(t, h.IsError())
			assert.Positive(t, h.Type())
		})
	}
}

func TestErrorToHeader(t *testing.T) {
	for _, e := range []Errno{ErrInvalidCID, ErrChannelClosed, ErrWouldBlock, ErrInvalidData} {
		h := ErrorToHeader(e)
		assert.True(t, h.IsError(), e.String())
		assert.Equal(t, int32(e), h.Type())
		assert.Equal(t, e, h.Errno())
		assert.Zero(t, h.InlineLen())
	}
	assert.Equal(t, OK, MustEncodeHeader(0, InterfacePing, 1, false, false).Errno())
}

func TestErrnoIs(t *testing.T) {
	var err error = ErrWouldBlock
	assert.True(t, errors.Is(err, ErrWouldBlock))
	assert.NoError(t, OK.Err())
	assert.True(t, ErrWouldBlock.Recoverable())
	assert.False(t, ErrInvalidCID.Recoverable())
	assert.Equal(t, "errno(-99)", Errno(-99).String())
}

func TestPageDescriptor(t *testing.T) {
	p := MakePage(0x9000, 2)
	assert.Equal(t, uint64(0x9000), p.Addr())
	assert.Equal(t, uint8(2), p.Order())
	assert.Equal(t, uint64(4), p.NumPages())
	assert.Equal(t, uint64(4*PageSize), p.Len())

	// The address is aligned down, the order masked.
	p = MakePage(0x9123, 0xff)
	assert.Equal(t, uint64(0x9000), p.Addr())
	assert.Equal(t, uint8(MaxPageOrder), p.Order())
}

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []Payload{
		RuntimePrint{Text: "hello"},
		RuntimeExitCurrent{},
		ProcessCreate{Name: "ping"},
		ProcessCreateReply{PID: 3, PagerCh: 4},
		ProcessAddPager{PID: 3, PagerCh: 1, Start: 0x1000, Size: 0x1000, Flags: 6},
		PagerFill{PID: 3, Addr: 0x1000},
		PagerFillReply{PAddr: 0x9000},
		ThreadSpawn{PID: 3, Arg: 42, Program: "ping-server"},
		ThreadSpawnReply{TID: 9},
		IOListenIRQ{Ch: 2, IRQ: 4},
		TimerSet{Ch: 2, Initial: 10, Interval: 5},
		TimerSetReply{Timer: 1},
		Ping{Value: 7},
		Pong{Value: 7},
		LoggerWrite{Text: "line"},
		Notification{Bits: NotifyInterrupt | NotifyTimer},
	}

	for _, p := range payloads {
		t.Run(p.MsgType().String(), func(t *testing.T) {
			var m Message
			require.NoError(t, p.Encode(&m))
			assert.Equal(t, p.MsgType(), m.Header.MsgType())

			got, err := Decode(&m)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	var m Message
	m.SetError(ErrChannelClosed)
	_, err := Decode(&m)
	assert.ErrorIs(t, err, ErrChannelClosed)

	m.Header = MustEncodeHeader(0, 0x42, 9, false, false)
	_, err = Decode(&m)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	m.Header = MustEncodeHeader(4, InterfacePager, 2, false, false)
	_, err = Decode(&m)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestEncodeRejectsOversizedStrings(t *testing.T) {
	var m Message
	long := string(make([]byte, SmallStringLenMax))
	assert.ErrorIs(t, ProcessCreate{Name: long}.Encode(&m), ErrInvalidPayload)
	assert.ErrorIs(t, RuntimePrint{Text: string(make([]byte, InlinePayloadLenMax+1))}.Encode(&m), ErrInvalidPayload)
}

func TestCopyFromClampsToInlineLen(t *testing.T) {
	var src, dst Message
	require.NoError(t, Ping{Value: 0x0102030405060708}.Encode(&src))
	src.Data[100] = 0xaa
	src.From = 5

	dst.CopyFrom(&src)
	assert.Equal(t, src.Header, dst.Header)
	assert.Equal(t, src.From, dst.From)
	assert.Equal(t, src.Data[:8], dst.Data[:8])
	assert.Zero(t, dst.Data[100])
}
