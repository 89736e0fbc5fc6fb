// Package client holds the pieces shared by the service client packages.
package client

import (
	"fmt"

	"ember/emberos/kernel"
	"ember/emberos/proto"
)

// Call sends req on ch and returns the reply as a T. An error reply comes
// back as its proto.Errno; a reply of another type is ErrUnexpectedMessage.
func Call[T proto.Payload](ctx *kernel.Context, ch proto.CID, req proto.Payload) (T, error) {
	var zero T
	reply, err := ctx.Call(ch, req)
	if err != nil {
		return zero, err
	}
	out, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%s: got %s: %w", req.MsgType(), reply.MsgType(), proto.ErrUnexpectedMessage)
	}
	return out, nil
}
