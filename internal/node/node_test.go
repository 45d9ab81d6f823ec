package node

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/config"
	"github.com/elliptics-io/elliptics-go/internal/dispatch"
	"github.com/elliptics-io/elliptics-go/internal/peer"
	"github.com/elliptics-io/elliptics-go/internal/trans"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// roundTripCommand enqueues a single request carrying cmd/payload on
// client and returns the reply header/payload once the terminal DESTROY
// reply arrives, pumping OnWritable/OnReadable directly the same way the
// other tests in this file do (no real epoll poller involved).
func roundTripCommand(t *testing.T, client *peer.Conn, cmd wire.Command, payload []byte) (wire.Header, []byte) {
	t.Helper()

	var reply wire.Header
	var replyPayload []byte
	_, err := client.Trans.Register(wire.ID{}, cmd, func(st trans.Status) {
		if st.Frame != nil {
			reply = st.Frame.Header
			replyPayload = append([]byte(nil), st.Frame.Payload...)
		}
	})
	require.NoError(t, err)

	req := wire.Alloc(len(payload))
	copy(req.Payload, payload)
	req.Header = wire.Header{Command: cmd, TransID: 1}
	client.Enqueue(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.OnWritable()
		client.OnReadable()
		if client.Trans.Len() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, client.Trans.Len())
	return reply, replyPayload
}

// echoBackend answers every request with a single DESTROY reply carrying
// the same payload back, standing in for a real storage backend
// (spec.md §1 Non-goals: backend internals are out of scope).
type echoBackend struct{}

func (echoBackend) Handle(ctx context.Context, req *wire.Frame) ([]*wire.Frame, error) {
	reply := wire.Alloc(len(req.Payload))
	reply.Header = wire.Header{
		ID:      req.Header.ID,
		Command: req.Header.Command,
		TransID: req.Header.TransID,
		Flags:   wire.FlagReply | wire.FlagDestroy,
	}
	copy(reply.Payload, req.Payload)
	return []*wire.Frame{reply}, nil
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

// newTestNode builds a Node with a single Network Poller and an in-memory
// Recovery database, wired to echoBackend.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.NetThreadNum = 1
	cfg.ReconnectDBPath = ":memory:"

	n, err := New(cfg, Dependencies{
		Backend: echoBackend{},
		Routes:  dispatch.StaticRouteTable{Default: 0},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

// TestNodeDispatchesRequestThroughRealPoller drives a real epoll-backed
// Connection, accepted manually (bypassing Listen's net.Listen/Accept4
// path, which needs a real listening socket) through registerAccepted and
// into OnRequest, asserting the Backend's reply comes back on the wire.
func TestNodeDispatchesRequestThroughRealPoller(t *testing.T) {
	n := newTestNode(t)

	clientFD, serverFD := dialLoopbackFDs(t)

	server := peer.New(peer.Config{FD: serverFD, Handler: n, Logger: zap.NewNop()})
	n.registerAccepted(server)
	require.Equal(t, 1, n.LiveConns())

	client := peer.New(peer.Config{FD: clientFD, Logger: zap.NewNop()})

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.pollers[0].Run(stop) }()
	defer func() { close(stop); <-done }()

	var reply wire.Header
	var replyPayload []byte
	_, err := client.Trans.Register(wire.ID{}, wire.CmdPing, func(st trans.Status) {
		if st.Frame != nil {
			reply = st.Frame.Header
			replyPayload = append([]byte(nil), st.Frame.Payload...)
		}
	})
	require.NoError(t, err)

	req := wire.Alloc(5)
	req.Header = wire.Header{Command: wire.CmdPing, TransID: 1}
	copy(req.Payload, []byte("hello"))
	client.Enqueue(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.OnWritable()
		client.OnReadable()
		if client.Trans.Len() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, 0, client.Trans.Len())
	require.True(t, reply.HasFlag(wire.FlagDestroy))
	require.Equal(t, "hello", string(replyPayload))
}

func TestNodeOnRequestWithoutBackendRepliesError(t *testing.T) {
	cfg := config.Default()
	cfg.NetThreadNum = 1
	cfg.ReconnectDBPath = ":memory:"
	n, err := New(cfg, Dependencies{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer n.Shutdown()

	clientFD, serverFD := dialLoopbackFDs(t)
	server := peer.New(peer.Config{FD: serverFD, Handler: n, Logger: zap.NewNop()})
	n.registerAccepted(server)

	client := peer.New(peer.Config{FD: clientFD, Logger: zap.NewNop()})
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.pollers[0].Run(stop) }()
	defer func() { close(stop); <-done }()

	var status trans.Status
	_, err = client.Trans.Register(wire.ID{}, wire.CmdPing, func(st trans.Status) { status = st })
	require.NoError(t, err)

	req := wire.Alloc(0)
	req.Header = wire.Header{Command: wire.CmdPing, TransID: 1}
	client.Enqueue(req)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.OnWritable()
		client.OnReadable()
		if client.Trans.Len() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, int32(-38), status.Code)
}

func TestLiveConnsTracksAcceptedConnections(t *testing.T) {
	n := newTestNode(t)
	require.Equal(t, 0, n.LiveConns())

	_, serverFD := dialLoopbackFDs(t)
	server := peer.New(peer.Config{FD: serverFD, Handler: n, Logger: zap.NewNop()})
	n.registerAccepted(server)

	require.Equal(t, 1, n.LiveConns())
}

// TestLiveConnsPrunesOnReset guards against the Connection-tracking leak a
// reset must not cause: once a Connection resets, it should no longer be
// counted among the node's live Connections (spec.md §3 "the list of live
// Connections").
func TestLiveConnsPrunesOnReset(t *testing.T) {
	n := newTestNode(t)

	_, serverFD := dialLoopbackFDs(t)
	server := peer.New(peer.Config{FD: serverFD, Handler: n, Logger: zap.NewNop()})
	n.registerAccepted(server)
	require.Equal(t, 1, n.LiveConns())

	server.Reset(-104)

	require.Equal(t, 0, n.LiveConns())
}

// newTestNodeWithPoller is newTestNode plus a running Network Poller
// goroutine, for tests that need a real epoll-driven server Connection
// (AUTH/JOIN/MONITOR_STAT/ROUTE_LIST all run in OnRequest, dispatched from
// the poller).
func newTestNodeWithPoller(t *testing.T) (*Node, *peer.Conn) {
	t.Helper()
	n := newTestNode(t)
	n.Config.AuthCookie = "s3cr3t-cookie"

	clientFD, serverFD := dialLoopbackFDs(t)
	server := peer.New(peer.Config{FD: serverFD, Handler: n, Logger: zap.NewNop()})
	n.registerAccepted(server)

	client := peer.New(peer.Config{FD: clientFD, Logger: zap.NewNop()})

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.pollers[0].Run(stop) }()
	t.Cleanup(func() { close(stop); <-done })

	return n, client
}

// TestNodeAuthAcceptsMatchingCookie exercises the real CmdAuth handshake
// path end to end (wire.EncodeControl on the client side, handleAuth's
// subtle.ConstantTimeCompare on the server side).
func TestNodeAuthAcceptsMatchingCookie(t *testing.T) {
	_, client := newTestNodeWithPoller(t)

	payload, err := wire.EncodeControl(wire.AuthRequest{Cookie: []byte("s3cr3t-cookie")})
	require.NoError(t, err)

	reply, _ := roundTripCommand(t, client, wire.CmdAuth, payload)
	require.Equal(t, int32(0), reply.Status)
}

// TestNodeAuthRejectsMismatchedCookieAndResets confirms a wrong cookie is
// rejected with EPERM and the Connection is reset rather than left open.
func TestNodeAuthRejectsMismatchedCookieAndResets(t *testing.T) {
	n, client := newTestNodeWithPoller(t)

	payload, err := wire.EncodeControl(wire.AuthRequest{Cookie: []byte("wrong-cookie")})
	require.NoError(t, err)

	reply, _ := roundTripCommand(t, client, wire.CmdAuth, payload)
	require.Equal(t, int32(-1), reply.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && n.LiveConns() != 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, n.LiveConns())
}

// TestNodeJoinSetsVersionAndJoinState confirms a successful CmdJoin
// records the negotiated protocol version and join_state onto the
// server-side Connection (spec.md §3 Connection fields).
func TestNodeJoinSetsVersionAndJoinState(t *testing.T) {
	n, client := newTestNodeWithPoller(t)

	payload, err := wire.EncodeControl(wire.JoinRequest{
		Version:   [4]int{1, 2, 3, 4},
		Addresses: []string{"127.0.0.1:1025"},
	})
	require.NoError(t, err)

	reply, _ := roundTripCommand(t, client, wire.CmdJoin, payload)
	require.Equal(t, int32(0), reply.Status)

	var joined *peer.Conn
	n.mu.RLock()
	for c := range n.conns {
		joined = c
	}
	n.mu.RUnlock()
	require.NotNil(t, joined)
	require.Equal(t, peer.Version{1, 2, 3, 4}, joined.Version)
	require.Equal(t, int32(1), joined.JoinState)
}

// TestNodeMonitorStatReportsLiveState exercises wire.MonitorStat/
// EncodeControl/DecodeControl end to end through CmdMonitorStat.
func TestNodeMonitorStatReportsLiveState(t *testing.T) {
	_, client := newTestNodeWithPoller(t)

	reply, payload := roundTripCommand(t, client, wire.CmdMonitorStat, nil)
	require.Equal(t, int32(0), reply.Status)

	var stat wire.MonitorStat
	require.NoError(t, wire.DecodeControl(payload, &stat))
	require.Equal(t, int64(1), stat.ActiveConns)
}

// TestNodeRouteListReportsBackends exercises wire.RouteListEntry/
// EncodeControl/DecodeControl end to end through CmdRouteList.
func TestNodeRouteListReportsBackends(t *testing.T) {
	n, client := newTestNodeWithPoller(t)
	n.Places.Place(7) // force a backend Place to exist

	reply, payload := roundTripCommand(t, client, wire.CmdRouteList, nil)
	require.Equal(t, int32(0), reply.Status)

	var entries []wire.RouteListEntry
	require.NoError(t, wire.DecodeControl(payload, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, int32(7), entries[0].BackendID)
}
