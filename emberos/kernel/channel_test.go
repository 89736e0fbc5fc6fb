package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/emberos/proto"
)

func TestLinkSymmetry(t *testing.T) {
	k := newTestKernel(t)
	p1 := k.process(t, "left")
	p2 := k.process(t, "right")
	a := k.open(t, p1)
	k.open(t, p2)
	b := k.open(t, p2)
	require.NotEqual(t, a, b)
	require.NoError(t, k.LinkChannels(p1, a, p2, b))

	froms := make(chan proto.CID, 2)
	errs := make(chan error, 4)

	// a -> b
	k.spawn(t, p2, "rx-b", func(ctx *Context) {
		m, err := ctx.Recv(b)
		errs <- err
		if err == nil {
			froms <- m.From
		}
		park(ctx)
	})
	k.spawn(t, p1, "tx-a", func(ctx *Context) {
		errs <- ctx.Send(a, proto.Ping{Value: 1})
		park(ctx)
	})
	assert.Equal(t, b, waitFor(t, froms))
	require.NoError(t, waitFor(t, errs))
	require.NoError(t, waitFor(t, errs))

	// b -> a
	k.spawn(t, p1, "rx-a", func(ctx *Context) {
		m, err := ctx.Recv(a)
		errs <- err
		if err == nil {
			froms <- m.From
		}
	})
	k.spawn(t, p2, "tx-b", func(ctx *Context) {
		errs <- ctx.Send(b, proto.Ping{Value: 2})
	})
	assert.Equal(t, a, waitFor(t, froms))
	require.NoError(t, waitFor(t, errs))
	require.NoError(t, waitFor(t, errs))

	chA, chB := k.channel(p1, a), k.channel(p2, b)
	require.NotNil(t, chA)
	require.NotNil(t, chB)
	assert.Equal(t, int32(2), chA.refs.Load(), "owner plus the link from b")
	assert.Equal(t, int32(2), chB.refs.Load(), "owner plus the link from a")

	require.NoError(t, k.LinkChannels(p1, a, p1, a))
	snap := k.Snapshot()
	left, _ := snap.Process(p1.PID())
	csA, _ := left.Channel(a)
	assert.Zero(t, csA.LinkedPID, "link(a, a) leaves a unlinked")
	assert.Equal(t, int32(1), chB.refs.Load())
	assert.Same(t, chA, chA.linked())
}

func TestRelinkDropsOldPeers(t *testing.T) {
	k := newKernel(t)
	p := k.process(t, "p")
	a, b, c := k.open(t, p), k.open(t, p), k.open(t, p)

	require.NoError(t, k.LinkChannels(p, a, p, b))
	require.NoError(t, k.LinkChannels(p, a, p, c))

	chA, chB, chC := k.channel(p, a), k.channel(p, b), k.channel(p, c)
	assert.Same(t, chC, chA.linked())
	assert.Same(t, chA, chC.linked())
	assert.Equal(t, int32(1), chB.refs.Load(), "b lost a's reference")
	// b still points at a until it is relinked itself.
	assert.Same(t, chA, chB.linked())
	assert.Equal(t, int32(3), chA.refs.Load())
}

func TestLinkOrderedLocking(t *testing.T) {
	k := newKernel(t)
	p := k.process(t, "p")
	a, b := k.open(t, p), k.open(t, p)
	chA, chB := k.channel(p, a), k.channel(p, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			unlock := lockPair(chA, chB)
			unlock()
		}
	}()
	for i := 0; i < 1000; i++ {
		unlock := lockPair(chB, chA)
		unlock()
	}
	waitFor(t, done)
}

func TestTransfer(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "server")
	other := k.process(t, "other")
	pub := k.open(t, p)
	priv := k.open(t, p)
	foreign := k.open(t, other)

	got := make(chan proto.CID, 1)
	errs := make(chan error, 4)
	k.spawn(t, p, "worker", func(ctx *Context) {
		errs <- ctx.Transfer(pub, priv)
		m, err := ctx.Recv(priv)
		errs <- err
		if err == nil {
			got <- m.From
		}
		park(ctx)
	})
	k.spawn(t, p, "client", func(ctx *Context) {
		errs <- ctx.Send(pub, proto.Ping{Value: 9})
		park(ctx)
	})

	assert.Equal(t, pub, waitFor(t, got))
	for i := 0; i < 3; i++ {
		assert.NoError(t, waitFor(t, errs))
	}

	chPriv := k.channel(p, priv)
	assert.Equal(t, int32(1), chPriv.inbound)
	assert.False(t, chPriv.movable(), "transfer targets stay in their process")

	k.mu.Lock()
	err := k.transfer(k.mustChannel(t, p, pub), k.mustChannel(t, other, foreign))
	k.mu.Unlock()
	assert.Equal(t, proto.ErrInvalidArg, err)

	k.mu.Lock()
	chPub := k.mustChannel(t, p, pub)
	require.Equal(t, proto.OK, k.transfer(chPub, chPub))
	k.mu.Unlock()
	assert.Zero(t, chPriv.inbound)
	assert.Equal(t, int32(1), chPriv.refs.Load())
}

// mustChannel looks a channel up with Kernel.mu held.
func (k *testKernel) mustChannel(t *testing.T, p *Process, cid proto.CID) *Channel {
	t.Helper()
	ch, ok := p.channel(cid)
	require.True(t, ok)
	return ch
}

func TestNotificationAccumulates(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "p")
	c := k.open(t, p)

	msgs := make(chan proto.Message, 1)
	errs := make(chan error, 4)
	k.spawn(t, p, "n", func(ctx *Context) {
		errs <- ctx.Notify(c, proto.NotifyInterrupt)
		errs <- ctx.Notify(c, proto.NotifyTimer)
		errs <- ctx.IPC(c, IPCRecv|IPCNoBlock)
		msgs <- *ctx.Msg()
		errs <- ctx.IPC(c, IPCRecv|IPCNoBlock)
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, waitFor(t, errs))
	}
	m := waitFor(t, msgs)
	assert.Zero(t, m.From)
	pl, err := proto.Decode(&m)
	require.NoError(t, err)
	assert.Equal(t, proto.Notification{Bits: proto.NotifyInterrupt | proto.NotifyTimer}, pl)
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrWouldBlock, "a single delivery")
}

func TestNotificationWakesReceiver(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "p")
	c := k.open(t, p)

	bits := make(chan proto.Notifications, 1)
	k.spawn(t, p, "rx", func(ctx *Context) {
		m, err := ctx.Recv(c)
		if err == nil && m.Header == proto.NotificationHeader {
			bits <- m.Notification
		}
	})
	k.spawn(t, p, "notifier", func(ctx *Context) {
		_ = ctx.Notify(c, proto.NotifyTimer)
	})
	assert.Equal(t, proto.NotifyTimer, waitFor(t, bits))
}

func TestNotificationBeforeQueuedSender(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "p")
	c := k.open(t, p)

	types := make(chan proto.MsgType, 2)
	k.spawn(t, p, "sender", func(ctx *Context) {
		_ = ctx.Send(c, proto.Ping{Value: 1})
	})
	k.spawn(t, p, "rx", func(ctx *Context) {
		_ = ctx.Notify(c, proto.NotifyInterrupt)
		for i := 0; i < 2; i++ {
			m, err := ctx.Recv(c)
			if err != nil {
				return
			}
			types <- m.Header.MsgType()
		}
	})
	assert.Equal(t, proto.MsgNotification, waitFor(t, types))
	assert.Equal(t, proto.MsgPing, waitFor(t, types))
}

// Closing the last reference frees the cid; a bad cid changes nothing.
func TestCloseChannel(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "p")
	c := k.open(t, p)
	keep := k.open(t, p)
	ch := k.channel(p, c)
	require.Equal(t, int32(1), ch.refs.Load())

	errs := make(chan error, 3)
	k.spawn(t, p, "closer", func(ctx *Context) {
		errs <- ctx.Close(c)
		errs <- ctx.Close(c)
		errs <- ctx.Close(99)
		park(ctx)
	})
	require.NoError(t, waitFor(t, errs))
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrInvalidCID)
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrInvalidCID)

	assert.True(t, ch.freed)
	assert.Zero(t, ch.refs.Load())
	assert.NotSame(t, ch, k.channel(p, c))

	kept := k.channel(p, keep)
	require.NotNil(t, kept)
	assert.Equal(t, int32(1), kept.refs.Load(), "closing one channel leaves the others alone")
}

func TestCloseAbortsBlockedThreads(t *testing.T) {
	k := newTestKernel(t)
	p := k.process(t, "p")
	c := k.open(t, p)

	errs := make(chan error, 3)
	k.spawn(t, p, "rx", func(ctx *Context) {
		_, err := ctx.Recv(c)
		errs <- err
	})
	k.spawn(t, p, "closer", func(ctx *Context) {
		errs <- ctx.Close(c)
		park(ctx)
	})
	require.NoError(t, waitFor(t, errs))
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrChannelClosed)
}

func TestClosedPeer(t *testing.T) {
	k := newTestKernel(t)
	p1 := k.process(t, "client")
	p2 := k.process(t, "server")
	a := k.open(t, p1)
	b := k.open(t, p2)
	require.NoError(t, k.LinkChannels(p1, a, p2, b))

	errs := make(chan error, 4)
	k.spawn(t, p1, "queued", func(ctx *Context) {
		errs <- ctx.Send(a, proto.Ping{})
		park(ctx)
	})
	k.spawn(t, p2, "closer", func(ctx *Context) {
		errs <- ctx.Close(b)
		park(ctx)
	})
	require.NoError(t, waitFor(t, errs))
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrChannelClosed, "queued sender aborted")

	k.spawn(t, p1, "late", func(ctx *Context) {
		errs <- ctx.Send(a, proto.Ping{})
	})
	assert.ErrorIs(t, waitFor(t, errs), proto.ErrChannelClosed, "peer gone")

	chA := k.channel(p1, a)
	require.NotNil(t, chA)
	assert.Equal(t, int32(1), chA.refs.Load(), "the closed peer dropped its link")
}

func TestConnect(t *testing.T) {
	k := newTestKernel(t)
	server := k.process(t, "server")
	listen := k.open(t, server)
	clients := []*Process{k.process(t, "c1"), k.process(t, "c2")}

	cids := make([]proto.CID, len(clients))
	for i, c := range clients {
		cid, err := k.Connect(c, server, listen)
		require.NoError(t, err)
		cids[i] = cid
	}
	_, err := k.Connect(clients[0], server, 99)
	assert.ErrorIs(t, err, proto.ErrInvalidCID)

	k.spawn(t, server, "echo", func(ctx *Context) {
		for {
			m, err := ctx.Recv(listen)
			if err != nil {
				return
			}
			from := m.From
			v := m.Data[0]
			_ = ctx.Reply(from, proto.Pong{Value: uint64(v)*10 + uint64(from)})
		}
	})

	replies := make(chan uint64, len(clients))
	for i, c := range clients {
		k.spawn(t, c, "client", func(ctx *Context) {
			reply, err := ctx.Call(cids[i], proto.Ping{Value: uint64(i + 1)})
			if err != nil {
				replies <- 0
				return
			}
			replies <- reply.(proto.Pong).Value
		})
	}
	got := []uint64{waitFor(t, replies), waitFor(t, replies)}
	// Each client's request arrives from its own server-side channel.
	ps, ok := k.Snapshot().Process(server.PID())
	require.True(t, ok)
	require.Len(t, ps.Channels, 3)
	assert.ElementsMatch(t, []uint64{
		1*10 + uint64(ps.Channels[1].CID),
		2*10 + uint64(ps.Channels[2].CID),
	}, got)
	assert.Equal(t, listen, ps.Channels[1].TransferTo)
	assert.Equal(t, listen, ps.Channels[2].TransferTo)
}
