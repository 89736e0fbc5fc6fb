package ping

import (
	"fmt"

	"ember/emberos/client"
	"ember/emberos/kernel"
	"ember/emberos/proto"
)

// Ping sends v to the ping service and returns the echoed value.
func Ping(ctx *kernel.Context, ch proto.CID, v uint64) (uint64, error) {
	r, err := client.Call[proto.Pong](ctx, ch, proto.Ping{Value: v})
	if err != nil {
		return 0, fmt.Errorf("ping %d: %w", v, err)
	}
	return r.Value, nil
}
