package peer

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/trans"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// fdOf dup's the underlying fd of a *net.TCPConn and switches it to
// non-blocking mode, matching what a real Network Poller hands to a
// peer.Conn (spec.md §4.2 "the codec never blocks").
func fdOf(t *testing.T, c net.Conn) int {
	t.Helper()
	tc, ok := c.(*net.TCPConn)
	require.True(t, ok)
	f, err := tc.File()
	require.NoError(t, err)
	fd := int(f.Fd())
	require.NoError(t, syscall.SetNonblock(fd, true))
	t.Cleanup(func() { f.Close() })
	return fd
}

func dialLoopback(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return client, server
}

func waitUntil(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// echoHandler replies PONG then a DESTROY-only terminal frame, the S1
// echo scenario from spec.md §8.
type echoHandler struct{}

func (echoHandler) OnRequest(c *Conn, f *wire.Frame) {
	reply := wire.Alloc(4)
	reply.Header = wire.Header{Command: f.Header.Command, TransID: f.Header.TransID, Flags: wire.FlagReply}
	copy(reply.Payload, []byte("PONG"))
	c.Enqueue(reply)

	done := wire.Alloc(0)
	done.Header = wire.Header{Command: f.Header.Command, TransID: f.Header.TransID, Flags: wire.FlagReply | wire.FlagDestroy, Status: 0}
	c.Enqueue(done)

	wire.Release(f)
}

type handlerFunc func(*Conn, *wire.Frame)

func (h handlerFunc) OnRequest(c *Conn, f *wire.Frame) { h(c, f) }

func newTestConn(fd int, handler Handler) *Conn {
	return New(Config{
		FD:      fd,
		Handler: handler,
		Logger:  zap.NewNop(),
	})
}

func TestS1EchoRoundTrip(t *testing.T) {
	clientRaw, serverRaw := dialLoopback(t)
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := newTestConn(fdOf(t, clientRaw), nil)
	server := newTestConn(fdOf(t, serverRaw), echoHandler{})

	var calls []trans.Status
	_, err := client.Trans.Register(wire.ID{}, wire.CmdPing, func(st trans.Status) {
		calls = append(calls, st)
	})
	require.NoError(t, err)

	req := wire.Alloc(4)
	req.Header = wire.Header{Command: wire.CmdPing, TransID: 1, Flags: 0}
	copy(req.Payload, []byte("PING"))
	client.Enqueue(req)

	waitUntil(t, 2*time.Second, func() bool {
		client.OnWritable()
		server.OnReadable()
		server.OnWritable()
		client.OnReadable()
		return client.Trans.Len() == 0 && len(calls) == 2
	})

	require.False(t, calls[0].Destroy)
	if diff := pretty.Compare("PONG", string(calls[0].Frame.Payload)); diff != "" {
		t.Errorf("reply payload differs (-want +got):\n%s", diff)
	}
	require.True(t, calls[1].Destroy)
	require.Equal(t, int32(0), calls[1].Code)
}

func TestS4ReservedBitsAreDroppedNotFatal(t *testing.T) {
	clientRaw, serverRaw := dialLoopback(t)
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := newTestConn(fdOf(t, clientRaw), nil)

	var got []byte
	server := newTestConn(fdOf(t, serverRaw), handlerFunc(func(c *Conn, f *wire.Frame) {
		got = append(got, f.Payload...)
		wire.Release(f)
	}))

	bad := wire.Alloc(4)
	bad.Header = wire.Header{Command: wire.CmdPing, Flags: 1 << 40} // reserved bit set
	copy(bad.Payload, []byte("bad!"))
	client.Enqueue(bad)

	good := wire.Alloc(4)
	good.Header = wire.Header{Command: wire.CmdPing}
	copy(good.Payload, []byte("ok!!"))
	client.Enqueue(good)

	waitUntil(t, 2*time.Second, func() bool {
		client.OnWritable()
		server.OnReadable()
		return len(got) > 0
	})

	require.Equal(t, int32(0), server.NeedExit())
	if diff := pretty.Compare("ok!!", string(got)); diff != "" {
		t.Errorf("surviving payload differs (-want +got):\n%s", diff)
	}
}

func TestS5ResetMidStreamDestroysTransaction(t *testing.T) {
	clientRaw, serverRaw := dialLoopback(t)
	client := newTestConn(fdOf(t, clientRaw), nil)

	var status trans.Status
	_, err := client.Trans.Register(wire.ID{}, wire.CmdPing, func(st trans.Status) {
		status = st
	})
	require.NoError(t, err)

	serverRaw.Close() // peer closes mid-stream: next read sees EOF

	waitUntil(t, 2*time.Second, func() bool {
		client.OnReadable()
		return client.NeedExit() != 0
	})

	require.Equal(t, 0, client.Trans.Len())
	require.True(t, status.Destroy)
	require.Equal(t, int32(-int32(syscall.ECONNRESET)), status.Code)
}
