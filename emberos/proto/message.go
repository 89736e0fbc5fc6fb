package proto

import (
	"strconv"
	"unsafe"
)

const (
	// MessageSize is the fixed size of a Message in bytes.
	MessageSize = 512

	commonHeaderSize = 32

	// InlinePayloadLenMax is the largest inline payload a message can carry.
	InlinePayloadLenMax = MessageSize - commonHeaderSize

	// PageSize is the unit of page payloads and page faults.
	PageSize = 4096

	// SmallStringLenMax bounds the fixed-width string fields of typed payloads.
	SmallStringLenMax = 128
)

// CID is a channel ID in a process's channel table. Zero means "no channel".
type CID int32

func (c CID) String() string { return "@" + strconv.Itoa(int(c)) }

// Notifications is an accumulating bitmask delivered out of band.
type Notifications uint32

const (
	NotifyInterrupt Notifications = 1 << 0
	NotifyTimer     Notifications = 1 << 1
)

// Page describes a page payload or a page base: a page-aligned address with
// the order (log2 of the page count) in the low bits.
type Page uint64

const pageOrderMask = 0x1f

// MaxPageOrder bounds the order field of a Page.
const MaxPageOrder = pageOrderMask

// MakePage packs an aligned address and an order.
func MakePage(addr uint64, order uint8) Page {
	return Page(addr&^(PageSize-1) | uint64(order)&pageOrderMask)
}

// Addr returns the page-aligned address.
func (p Page) Addr() uint64 { return uint64(p) &^ (PageSize - 1) }

// Order returns log2 of the number of pages.
func (p Page) Order() uint8 { return uint8(uint64(p) & pageOrderMask) }

// NumPages returns the number of pages described.
func (p Page) NumPages() uint64 { return 1 << p.Order() }

// Len returns the size in bytes.
func (p Page) Len() uint64 { return p.NumPages() * PageSize }

// Message is the fixed-size IPC message.
//
// Offsets are part of the ABI: Header 0, From 4, Notification 8, Channel 12,
// Page 16, Data 32. Typed payloads are views over Data.
type Message struct {
	Header       Header
	From         CID
	Notification Notifications
	Channel      CID
	Page         Page
	_            [8]byte
	Data         [InlinePayloadLenMax]byte
}

// Both subtractions underflow unless the size is exactly MessageSize.
var (
	_ [MessageSize - unsafe.Sizeof(Message{})]byte
	_ [unsafe.Sizeof(Message{}) - MessageSize]byte
)

func init() {
	var m Message
	if unsafe.Offsetof(m.From) != 4 || unsafe.Offsetof(m.Notification) != 8 ||
		unsafe.Offsetof(m.Channel) != 12 || unsafe.Offsetof(m.Page) != 16 ||
		unsafe.Offsetof(m.Data) != commonHeaderSize {
		panic("proto: message layout mismatch")
	}
}

// Reset zeroes the message.
func (m *Message) Reset() { *m = Message{} }

// Payload returns the inline payload bytes, clamped to the buffer.
func (m *Message) Payload() []byte {
	n := m.Header.InlineLen()
	if n > InlinePayloadLenMax {
		n = InlinePayloadLenMax
	}
	return m.Data[:n]
}

// SetError turns the message into an error reply.
func (m *Message) SetError(err Errno) {
	m.Header = ErrorToHeader(err)
	m.Channel = 0
	m.Page = 0
}

// CopyLen returns how many bytes of the message are meaningful: the common
// header plus the inline payload.
func (m *Message) CopyLen() int {
	return commonHeaderSize + m.Header.InlineLen()
}

// CopyFrom copies the meaningful part of src into m. Bytes past the inline
// payload are left untouched.
func (m *Message) CopyFrom(src *Message) {
	n := src.Header.InlineLen()
	if n > InlinePayloadLenMax {
		n = InlinePayloadLenMax
	}
	m.Header = src.Header
	m.From = src.From
	m.Notification = src.Notification
	m.Channel = src.Channel
	m.Page = src.Page
	copy(m.Data[:n], src.Data[:n])
}
