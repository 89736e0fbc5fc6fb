package proto

import "fmt"

// Interface IDs. Every ID must stay at or below MaxInterfaceID.
const (
	InterfaceRuntime      uint8 = 1
	InterfaceProcess      uint8 = 2
	InterfacePager        uint8 = 3
	InterfaceThread       uint8 = 4
	InterfaceIO           uint8 = 5
	InterfaceTimer        uint8 = 6
	InterfacePing         uint8 = 7
	InterfaceLogger       uint8 = 8
	InterfaceNotification uint8 = 100
)

var (
	MsgRuntimePrint       = MakeType(InterfaceRuntime, 1)
	MsgRuntimePrintReply  = MakeType(InterfaceRuntime, 2)
	MsgRuntimeExitCurrent = MakeType(InterfaceRuntime, 3)

	MsgProcessCreate        = MakeType(InterfaceProcess, 1)
	MsgProcessCreateReply   = MakeType(InterfaceProcess, 2)
	MsgProcessAddPager      = MakeType(InterfaceProcess, 3)
	MsgProcessAddPagerReply = MakeType(InterfaceProcess, 4)

	MsgPagerFill      = MakeType(InterfacePager, 1)
	MsgPagerFillReply = MakeType(InterfacePager, 2)

	MsgThreadSpawn      = MakeType(InterfaceThread, 1)
	MsgThreadSpawnReply = MakeType(InterfaceThread, 2)

	MsgIOListenIRQ      = MakeType(InterfaceIO, 1)
	MsgIOListenIRQReply = MakeType(InterfaceIO, 2)

	MsgTimerSet      = MakeType(InterfaceTimer, 1)
	MsgTimerSetReply = MakeType(InterfaceTimer, 2)

	MsgPing = MakeType(InterfacePing, 1)
	MsgPong = MakeType(InterfacePing, 2)

	MsgLoggerWrite = MakeType(InterfaceLogger, 1)

	MsgNotification = MakeType(InterfaceNotification, 1)
)

// NotificationHeader is the header of the synthetic message a receiver gets
// when pending notifications are delivered.
var NotificationHeader = MustEncodeHeader(0, InterfaceNotification, 1, false, false)

func (t MsgType) String() string {
	switch t {
	case MsgRuntimePrint:
		return "runtime.print"
	case MsgRuntimePrintReply:
		return "runtime.print_reply"
	case MsgRuntimeExitCurrent:
		return "runtime.exit_current"
	case MsgProcessCreate:
		return "process.create"
	case MsgProcessCreateReply:
		return "process.create_reply"
	case MsgProcessAddPager:
		return "process.add_pager"
	case MsgProcessAddPagerReply:
		return "process.add_pager_reply"
	case MsgPagerFill:
		return "pager.fill"
	case MsgPagerFillReply:
		return "pager.fill_reply"
	case MsgThreadSpawn:
		return "thread.spawn"
	case MsgThreadSpawnReply:
		return "thread.spawn_reply"
	case MsgIOListenIRQ:
		return "io.listen_irq"
	case MsgIOListenIRQReply:
		return "io.listen_irq_reply"
	case MsgTimerSet:
		return "timer.set"
	case MsgTimerSetReply:
		return "timer.set_reply"
	case MsgPing:
		return "ping.ping"
	case MsgPong:
		return "ping.pong"
	case MsgLoggerWrite:
		return "logger.write"
	case MsgNotification:
		return "notification"
	default:
		return fmt.Sprintf("msg(%d.%d)", t.Interface(), t.ID())
	}
}
