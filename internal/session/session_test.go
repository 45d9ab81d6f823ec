package session

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/peer"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// echoHandler answers every request with a single DESTROY reply. A
// CmdWrite payload is kept per object id and returned by a later CmdRead
// of the same id; every other reply echoes the request's payload back,
// enough to drive Session's one-round-trip helpers end to end without a
// real backend.
type echoHandler struct {
	stored map[wire.ID][]byte
}

func (h echoHandler) OnRequest(c *peer.Conn, f *wire.Frame) {
	payload := f.Payload
	switch f.Header.Command {
	case wire.CmdWrite:
		h.stored[f.Header.ID] = append([]byte(nil), f.Payload...)
	case wire.CmdRead:
		payload = h.stored[f.Header.ID]
	}

	reply := wire.Alloc(len(payload))
	reply.Header = wire.Header{
		ID:        f.Header.ID,
		Command:   f.Header.Command,
		TransID:   f.Header.TransID,
		BackendID: 7,
		Flags:     wire.FlagReply | wire.FlagDestroy,
	}
	copy(reply.Payload, payload)
	c.Enqueue(reply)
	wire.Release(f)
}

func dialLoopbackFDs(t *testing.T) (clientFD, serverFD int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverConn := <-accepted

	cf, err := clientConn.(*net.TCPConn).File()
	require.NoError(t, err)
	sf, err := serverConn.(*net.TCPConn).File()
	require.NoError(t, err)

	clientFD = int(cf.Fd())
	serverFD = int(sf.Fd())
	require.NoError(t, syscall.SetNonblock(clientFD, true))
	require.NoError(t, syscall.SetNonblock(serverFD, true))

	t.Cleanup(func() { cf.Close(); sf.Close() })
	return clientFD, serverFD
}

// pump drives both ends of the loopback pair until stop fires, standing
// in for a real Network Poller (component D) in these unit tests.
func pump(t *testing.T, client, server *peer.Conn, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			server.OnReadable()
			server.OnWritable()
			client.OnReadable()
			client.OnWritable()
			time.Sleep(time.Millisecond)
		}
	}()
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	clientFD, serverFD := dialLoopbackFDs(t)
	server := peer.New(peer.Config{FD: serverFD, Handler: echoHandler{stored: map[wire.ID][]byte{}}, Logger: zap.NewNop()})
	client := peer.New(peer.Config{FD: clientFD, Logger: zap.NewNop()})

	stop := make(chan struct{})
	pump(t, client, server, stop)
	t.Cleanup(func() { close(stop) })

	return New(client)
}

func TestSessionWriteThenRead(t *testing.T) {
	s := newTestSession(t)
	id := wire.ID{1, 2, 3}

	require.NoError(t, s.Write(context.Background(), time.Second, id, []byte("payload"), 0, 0))

	got, err := s.Read(context.Background(), time.Second, id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestSessionLookupReturnsBackendID(t *testing.T) {
	s := newTestSession(t)
	backendID, err := s.Lookup(context.Background(), time.Second, wire.ID{9})
	require.NoError(t, err)
	require.Equal(t, int32(7), backendID)
}

func TestSessionExecRoundTrips(t *testing.T) {
	s := newTestSession(t)
	out, err := s.Exec(context.Background(), time.Second, "ping event")
	require.NoError(t, err)
	require.Equal(t, "ping event", out)
}

func TestSessionRemove(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Remove(context.Background(), time.Second, wire.ID{5}))
}

func TestSessionAuthenticateRoundTrips(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Authenticate(context.Background(), time.Second, []byte("cookie")))
}

func TestSessionJoinRoundTrips(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Join(context.Background(), time.Second, [4]int{1, 0, 0, 0}, []string{"127.0.0.1:1025"}))
}

func TestSessionRoundTripTimesOut(t *testing.T) {
	clientFD, serverFD := dialLoopbackFDs(t)
	defer syscall.Close(serverFD)
	client := peer.New(peer.Config{FD: clientFD, Logger: zap.NewNop()})
	s := New(client)

	// No pump running on the server side, so the request is never
	// replied to and the client-side round trip must time out.
	_, err := s.Read(context.Background(), 50*time.Millisecond, wire.ID{1}, 0, 0)
	require.ErrorIs(t, err, ErrTimeout)
}
