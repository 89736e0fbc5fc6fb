package proto

import "strconv"

// Errno is a kernel ABI error code. Codes are small negative integers; OK is 0.
//
// Errno implements error so syscall wrappers can return it directly and
// callers can match it with errors.Is.
type Errno int32

const (
	OK                         Errno = 0
	ErrInvalidCID              Errno = -1
	ErrOutOfResource           Errno = -2
	ErrAlreadyReceiving        Errno = -3
	ErrInvalidHeader           Errno = -4
	ErrInvalidPayload          Errno = -5
	ErrInvalidMessage          Errno = -6
	ErrNoLongerLinked          Errno = -7
	ErrChannelClosed           Errno = -8
	ErrOutOfMemory             Errno = -9
	ErrInvalidSyscall          Errno = -10
	ErrUnacceptablePagePayload Errno = -11
	ErrInvalidNotifyOp         Errno = -12
	ErrUnimplemented           Errno = -13
	ErrUnexpectedMessage       Errno = -14
	ErrWouldBlock              Errno = -15
	ErrInvalidArg              Errno = -16
	ErrNotFound                Errno = -64
	ErrTooShort                Errno = -65
	ErrInvalidData             Errno = -66
)

func (e Errno) String() string {
	switch e {
	case OK:
		return "ok"
	case ErrInvalidCID:
		return "invalid_cid"
	case ErrOutOfResource:
		return "out_of_resource"
	case ErrAlreadyReceiving:
		return "already_receiving"
	case ErrInvalidHeader:
		return "invalid_header"
	case ErrInvalidPayload:
		return "invalid_payload"
	case ErrInvalidMessage:
		return "invalid_message"
	case ErrNoLongerLinked:
		return "no_longer_linked"
	case ErrChannelClosed:
		return "channel_closed"
	case ErrOutOfMemory:
		return "out_of_memory"
	case ErrInvalidSyscall:
		return "invalid_syscall"
	case ErrUnacceptablePagePayload:
		return "unacceptable_page_payload"
	case ErrInvalidNotifyOp:
		return "invalid_notify_op"
	case ErrUnimplemented:
		return "unimplemented"
	case ErrUnexpectedMessage:
		return "unexpected_message"
	case ErrWouldBlock:
		return "would_block"
	case ErrInvalidArg:
		return "invalid_arg"
	case ErrNotFound:
		return "not_found"
	case ErrTooShort:
		return "too_short"
	case ErrInvalidData:
		return "invalid_data"
	default:
		return "errno(" + strconv.Itoa(int(e)) + ")"
	}
}

func (e Errno) Error() string { return e.String() }

// Err returns nil for OK and e otherwise. It keeps typed-nil errors out of
// syscall return values.
func (e Errno) Err() error {
	if e == OK {
		return nil
	}
	return e
}

// Recoverable reports whether the caller may retry or fall back after the
// error. Resource exhaustion and flow control are recoverable; capability and
// protocol errors indicate misuse.
func (e Errno) Recoverable() bool {
	switch e {
	case ErrOutOfResource, ErrOutOfMemory, ErrWouldBlock:
		return true
	default:
		return false
	}
}
