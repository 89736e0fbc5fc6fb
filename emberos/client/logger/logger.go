package logger

import (
	"fmt"

	"ember/emberos/kernel"
	"ember/emberos/proto"
)

// Log sends a line to the logger service and waits until it is received.
// Lines longer than an inline payload are truncated.
func Log(ctx *kernel.Context, logCh proto.CID, line string) error {
	if len(line) > proto.InlinePayloadLenMax {
		line = line[:proto.InlinePayloadLenMax]
	}
	return ctx.Send(logCh, proto.LoggerWrite{Text: line})
}

// Logf formats and sends a line.
func Logf(ctx *kernel.Context, logCh proto.CID, format string, args ...any) error {
	return Log(ctx, logCh, fmt.Sprintf(format, args...))
}
