package ping

import (
	"encoding/binary"
	"fmt"

	logclient "ember/emberos/client/logger"
	pingclient "ember/emberos/client/ping"
	"ember/emberos/kernel"
	"ember/emberos/proto"
)

var le = binary.LittleEndian

// ClientConfig describes the demo client.
type ClientConfig struct {
	Ping   proto.CID
	Log    proto.CID // zero disables logging
	Rounds int
	// Heap, when nonzero, is a writable demand-paged area the client keeps
	// its values in, one page per round.
	Heap uint64
	// Done receives the result once the rounds are over.
	Done func(error)
}

// Client returns a program pinging the service cfg.Rounds times. Each value
// is stored in the heap, read back and sent; the pong must echo it.
func Client(cfg ClientConfig) kernel.Program {
	return func(ctx *kernel.Context) {
		err := runClient(ctx, cfg)
		if cfg.Log != 0 {
			if err != nil {
				_ = logclient.Logf(ctx, cfg.Log, "ping-client: %v", err)
			} else {
				_ = logclient.Logf(ctx, cfg.Log, "ping-client: %d rounds ok", cfg.Rounds)
			}
		}
		if cfg.Done != nil {
			cfg.Done(err)
		}
	}
}

func runClient(ctx *kernel.Context, cfg ClientConfig) error {
	var buf [8]byte
	for i := 0; i < cfg.Rounds; i++ {
		v := uint64(i+1) * 0x9e3779b97f4a7c15
		if cfg.Heap != 0 {
			addr := cfg.Heap + uint64(i)*proto.PageSize
			le.PutUint64(buf[:], v)
			ctx.Write(addr, buf[:])
			clear(buf[:])
			ctx.Read(addr, buf[:])
			v = le.Uint64(buf[:])
		}
		got, err := pingclient.Ping(ctx, cfg.Ping, v)
		if err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
		if got != v {
			return fmt.Errorf("round %d: pong %#x, want %#x", i, got, v)
		}
	}
	return nil
}
