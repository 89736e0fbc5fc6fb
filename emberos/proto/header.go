package proto

import "fmt"

// Header is the 32-bit message header.
//
// Layout:
//   - bits [0..11): inline payload length
//   - bit 11: page payload present
//   - bit 12: channel payload present
//   - bits [16..32): message type (interface ID in the upper byte, message ID
//     in the lower byte), or a negative Errno for error replies
type Header uint32

const (
	inlineLenOffset = 0
	inlineLenMask   = 0x7ff
	typeOffset      = 16

	FlagPagePayload    Header = 1 << 11
	FlagChannelPayload Header = 1 << 12
)

// MaxInterfaceID keeps every message type positive so that it never collides
// with the negative Errno range stored in the same field.
const MaxInterfaceID = 0x7f

// MsgType is a message type: interface ID << 8 | message ID.
type MsgType uint16

// MakeType builds a message type from an interface ID and a message ID.
func MakeType(iface, msgID uint8) MsgType {
	return MsgType(uint16(iface)<<8 | uint16(msgID))
}

// Interface returns the interface ID.
func (t MsgType) Interface() uint8 { return uint8(t >> 8) }

// ID returns the message ID within the interface.
func (t MsgType) ID() uint8 { return uint8(t) }

// EncodeHeader packs the header fields into one word.
func EncodeHeader(inlineLen int, iface, msgID uint8, hasPage, hasChannel bool) (Header, error) {
	if inlineLen < 0 || inlineLen > InlinePayloadLenMax {
		return 0, fmt.Errorf("encode header: inline length %d exceeds %d: %w",
			inlineLen, InlinePayloadLenMax, ErrInvalidHeader)
	}
	if iface > MaxInterfaceID {
		return 0, fmt.Errorf("encode header: interface ID %#x out of range: %w", iface, ErrInvalidHeader)
	}

	h := Header(uint32(inlineLen)<<inlineLenOffset) | Header(uint32(MakeType(iface, msgID))<<typeOffset)
	if hasPage {
		h |= FlagPagePayload
	}
	if hasChannel {
		h |= FlagChannelPayload
	}
	return h, nil
}

// MustEncodeHeader is EncodeHeader for package-level constants.
func MustEncodeHeader(inlineLen int, iface, msgID uint8, hasPage, hasChannel bool) Header {
	h, err := EncodeHeader(inlineLen, iface, msgID, hasPage, hasChannel)
	if err != nil {
		panic(err)
	}
	return h
}

// ErrorToHeader encodes an error reply: no payload, the error code in the
// type field.
func ErrorToHeader(err Errno) Header {
	return Header(uint32(err) << typeOffset)
}

// Type returns the sign-extended type field. A negative value is an Errno;
// callers must check it before touching the payload.
func (h Header) Type() int32 {
	return int32(int16(uint16(h >> typeOffset)))
}

// IsError reports whether the header carries an error instead of a message.
func (h Header) IsError() bool { return h.Type() < 0 }

// Errno returns the error carried by the header, or OK.
func (h Header) Errno() Errno {
	if t := h.Type(); t < 0 {
		return Errno(t)
	}
	return OK
}

// MsgType returns the message type. Only meaningful when !IsError().
func (h Header) MsgType() MsgType { return MsgType(h >> typeOffset) }

// InlineLen returns the inline payload length.
func (h Header) InlineLen() int { return int((h >> inlineLenOffset) & inlineLenMask) }

// HasPage reports whether a page payload rides in the message.
func (h Header) HasPage() bool { return h&FlagPagePayload != 0 }

// HasChannel reports whether a channel payload rides in the message.
func (h Header) HasChannel() bool { return h&FlagChannelPayload != 0 }

func (h Header) String() string {
	if h.IsError() {
		return fmt.Sprintf("error(%s)", h.Errno())
	}
	t := h.MsgType()
	return fmt.Sprintf("%s(len=%d page=%t ch=%t)", t, h.InlineLen(), h.HasPage(), h.HasChannel())
}
