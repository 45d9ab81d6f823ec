// Package node implements the Lifecycle/Node component (spec.md §3, §5,
// Component K): the process-wide singleton owning configuration, bind
// addresses, the Pool Manager, every Network Poller, the Backpressure
// Controller, and the monotonic node.need_exit flag.
//
// Goroutine lifecycle (starting and draining every Network Poller, the
// Acceptor, and the reconnect sweep in the right order) is coordinated
// with golang.org/x/sync/errgroup, the same dependency the teacher's own
// go.mod already requires for parallel startup — go/neo/client.go's
// errgroup.WithContext(ctx) + wg.Go(...) shape is the grounding site.
package node

import (
	"context"
	"crypto/subtle"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elliptics-io/elliptics-go/internal/backpressure"
	"github.com/elliptics-io/elliptics-go/internal/config"
	"github.com/elliptics-io/elliptics-go/internal/dispatch"
	"github.com/elliptics-io/elliptics-go/internal/metrics"
	"github.com/elliptics-io/elliptics-go/internal/peer"
	"github.com/elliptics-io/elliptics-go/internal/place"
	"github.com/elliptics-io/elliptics-go/internal/poller"
	"github.com/elliptics-io/elliptics-go/internal/recovery"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// Node is the process-wide singleton (spec.md §3 "Node").
type Node struct {
	Config config.Config

	Places   *place.Manager
	BP       *backpressure.Controller
	Dispatch *dispatch.Dispatch
	Recovery *recovery.Recovery
	Backend  dispatch.Backend

	// OnReconnect is invoked for every address-book entry whose backoff
	// has elapsed (spec.md §4.9 step 4); nil disables the reconnect
	// sweep's effect entirely (addresses still accumulate, never dialed).
	OnReconnect func(recovery.DueEntry)

	pollers  []*poller.Poller
	acceptor *poller.Acceptor

	log  *zap.Logger
	sink metrics.Sink

	needExit int32 // monotonic set-once, shared with every Poller

	mu    sync.RWMutex
	conns map[*peer.Conn]struct{} // live Connections, spec.md §3

	nextPoller int64 // round-robin counter for Register
}

// Dependencies are the caller-supplied collaborators a Node wires into its
// owned components (spec.md §1 Non-goals: the storage backend and route
// table are external collaborators, referenced only by interface).
type Dependencies struct {
	Backend dispatch.Backend
	Routes  dispatch.RouteTable
	Logger  *zap.Logger
	Sink    metrics.Sink
}

// New builds every owned component (Pool Manager, Backpressure Controller,
// Network Pollers, Recovery) but does not yet start accepting connections
// or servicing epoll — call Run for that.
func New(cfg config.Config, deps Dependencies) (*Node, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = metrics.Noop{}
	}

	places := place.New(place.Config{
		BlockingWorkers:    cfg.IOThreadNum,
		NonBlockingWorkers: cfg.NonblockingIOThreadNum,
		QueueLimit:         cfg.QueueLimit,
		Logger:             deps.Logger,
		Sink:               deps.Sink,
	})

	bp := backpressure.New(places, deps.Sink)

	d := &dispatch.Dispatch{
		Places:          places,
		Routes:          deps.Routes,
		MixStates:       cfg.Flags.MixStates,
		RandomizeStates: cfg.Flags.RandomizeStates,
	}

	dbPath := cfg.ReconnectDBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	rec, err := recovery.New(recovery.Config{
		DBPath:    dbPath,
		Logger:    deps.Logger,
		BatchSize: cfg.ReconnectBatchSize,
	})
	if err != nil {
		bp.Close()
		return nil, err
	}

	n := &Node{
		Config:   cfg,
		Places:   places,
		BP:       bp,
		Dispatch: d,
		Recovery: rec,
		Backend:  deps.Backend,
		log:      deps.Logger,
		sink:     deps.Sink,
		conns:    make(map[*peer.Conn]struct{}),
	}

	netThreads := cfg.NetThreadNum
	if netThreads <= 0 {
		netThreads = 1
	}
	for i := 0; i < netThreads; i++ {
		p, err := poller.New(poller.Config{
			Name:     placeName(i),
			Logger:   deps.Logger,
			Sink:     deps.Sink,
			BP:       bp,
			NeedExit: &n.needExit,
		})
		if err != nil {
			n.closePollers()
			bp.Close()
			rec.Close()
			return nil, err
		}
		n.pollers = append(n.pollers, p)
	}

	return n, nil
}

func placeName(i int) string {
	return "net" + strconv.Itoa(i)
}

// Listen binds the configured listen address and starts an Acceptor for
// it (spec.md §4.8, server nodes only).
func (n *Node) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(n.Config.Port)))
	if err != nil {
		return err
	}

	tl := ln.(*net.TCPListener)
	f, err := tl.File()
	if err != nil {
		ln.Close()
		return err
	}
	fd := int(f.Fd())

	acceptor, err := poller.NewAcceptor(poller.AcceptorConfig{
		ListenFD: fd,
		Logger:   n.log,
		NeedExit: &n.needExit,
		OnAccept: n.registerAccepted,
		Fatal:    func(err error) { n.Fatal(err) },
		Handler:  n,
	})
	if err != nil {
		f.Close()
		ln.Close()
		return err
	}
	n.acceptor = acceptor
	return nil
}

// registerAccepted assigns an accepted Connection to a Network Poller by
// round robin and wires the Backend Dispatch handler into it.
func (n *Node) registerAccepted(c *peer.Conn) {
	c.SetOnReset(n.onConnReset)
	n.trackConn(c)

	idx := int(atomic.AddInt64(&n.nextPoller, 1)) % len(n.pollers)
	if err := n.pollers[idx].Register(c); err != nil {
		n.log.Error("node: failed to register accepted connection", zap.Error(err))
		c.Reset(-1)
	}
}

// onConnReset is the single peer.Conn.OnReset hook registered on every
// accepted Connection: it prunes the Connection from n.conns (so
// LiveConns/n.conns reflects only the actually-live set, spec.md §3 "the
// list of live Connections") and forwards to Recovery's reconnect/backoff
// bookkeeping (component I) — combining the two concerns peer.Conn can
// only invoke one callback for.
func (n *Node) onConnReset(c *peer.Conn, code int32) {
	n.untrackConn(c)
	n.Recovery.OnConnReset(c, code)
}

func (n *Node) trackConn(c *peer.Conn) {
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) untrackConn(c *peer.Conn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

// LiveConns returns the number of Connections currently tracked
// (spec.md §3 "the list of live Connections").
func (n *Node) LiveConns() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// Fatal propagates a Fatal-class error to node.need_exit and stops every
// Poller (spec.md §7 Fatal class).
func (n *Node) Fatal(err error) {
	n.log.Error("node: fatal error, stopping", zap.Error(err))
	atomic.StoreInt32(&n.needExit, 1)
	n.BP.Notify()
}

// NeedExit reports the node-wide monotonic shutdown flag (spec.md §3, §5).
func (n *Node) NeedExit() bool {
	return atomic.LoadInt32(&n.needExit) != 0
}

// Run starts every Network Poller, the Acceptor (if Listen was called),
// and the reconnect sweep, and blocks until ctx is canceled or a Fatal
// error is observed (spec.md §5 "parallel threads... coordinated by
// node.need_exit").
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		<-ctx.Done()
		atomic.StoreInt32(&n.needExit, 1)
		n.BP.Notify()
		close(stop)
		return nil
	})

	for _, p := range n.pollers {
		p := p
		g.Go(func() error { return p.Run(stop) })
	}

	if n.acceptor != nil {
		g.Go(func() error { return n.acceptor.Run(stop) })
	}

	g.Go(func() error { return n.runReconnectSweep(stop) })

	return g.Wait()
}

// runReconnectSweep periodically asks Recovery for due reconnect attempts
// (spec.md §4.9 step 4, §6 reconnect_batch_size). Dialing the peer and
// re-registering the resulting Connection is left to the caller via
// OnReconnect, since only it knows how to turn a component J Addr back
// into a live socket with the node's auth handshake.
func (n *Node) runReconnectSweep(stop <-chan struct{}) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-t.C:
			if n.OnReconnect == nil {
				continue
			}
			due, err := n.Recovery.Sweep(time.Now())
			if err != nil {
				n.log.Error("node: reconnect sweep failed", zap.Error(err))
				continue
			}
			for _, d := range due {
				n.OnReconnect(d)
			}
		}
	}
}

// OnRequest implements peer.Handler (spec.md §4.2 step 4 "Backend
// Dispatch"): AUTH and JOIN are handshake commands the core itself
// terminates (spec.md §6 "authentication cookie ... compared
// constant-time at handshake", §3 Connection "negotiated protocol
// version"/"join_state"), and MONITOR_STAT and ROUTE_LIST are answered
// from node state; none of these four reach a backend. Everything else is
// submitted to the Work Pool Dispatch selects, replying on the same
// Connection once the backend finishes. The frame's refcount-equivalent
// keep-alive is the Connection retain taken here and released in the
// reply callback (spec.md §5 rule ii, "one [retain] per in-flight Work
// Item").
func (n *Node) OnRequest(c *peer.Conn, f *wire.Frame) {
	switch f.Header.Command {
	case wire.CmdAuth:
		n.handleAuth(c, f)
		return
	case wire.CmdJoin:
		n.handleJoin(c, f)
		return
	case wire.CmdMonitorStat:
		n.handleMonitorStat(c, f)
		return
	case wire.CmdRouteList:
		n.handleRouteList(c, f)
		return
	}

	if n.Backend == nil {
		n.log.Error("node: no backend wired, dropping request", zap.Uint32("command", uint32(f.Header.Command)))
		c.Enqueue(terminalReply(f.Header, -int32(38))) // ENOSYS
		wire.Release(f)
		return
	}

	reqHeader := f.Header
	c.Retain()
	err := n.Dispatch.Submit(context.Background(), f, n.Backend, func(frames []*wire.Frame, err error) {
		defer c.Release()
		defer wire.Release(f)
		if err != nil {
			c.Enqueue(terminalReply(reqHeader, -int32(5))) // EIO
			return
		}
		for _, rf := range frames {
			c.Enqueue(rf)
		}
	})
	if err != nil {
		c.Release()
		n.log.Error("node: dispatch submit failed", zap.Error(err))
		c.Enqueue(terminalReply(reqHeader, -int32(5))) // EIO
		wire.Release(f)
	}
}

// handleAuth decodes the CmdAuth payload and compares the presented
// cookie against the configured one in constant time (spec.md §6, §1
// Non-goals "authentication beyond a shared opaque cookie comparison" —
// the cookie comparison itself is the one piece of auth this core does
// own). A mismatch replies with EPERM and resets the Connection; a match
// replies with status 0 and leaves the Connection open for JOIN/requests.
func (n *Node) handleAuth(c *peer.Conn, f *wire.Frame) {
	var req wire.AuthRequest
	err := wire.DecodeControl(f.Payload, &req)
	ok := err == nil && subtle.ConstantTimeCompare([]byte(n.Config.AuthCookie), req.Cookie) == 1

	status := int32(0)
	if !ok {
		status = -int32(1) // EPERM
	}
	c.Enqueue(terminalReply(f.Header, status))
	wire.Release(f)

	if !ok {
		n.log.Warn("node: auth cookie mismatch, resetting connection", zap.String("peer", peerAddrString(c)))
		c.OnWritable() // flush the EPERM reply before Reset unschedules the socket
		c.Reset(-int32(1))
	}
}

// peerAddrString is nil-safe: Conns built without a PeerAddr (tests
// driving raw fds directly) must still be loggable.
func peerAddrString(c *peer.Conn) string {
	if c.PeerAddr == nil {
		return "unknown"
	}
	return c.PeerAddr.String()
}

// handleJoin decodes the CmdJoin payload and records the joining peer's
// negotiated protocol version and join_state on the Connection (spec.md
// §3 Connection fields) — safe to set directly since dispatch only ever
// runs on the single goroutine that owns c's receive-parser state
// (spec.md §5 "no lock").
func (n *Node) handleJoin(c *peer.Conn, f *wire.Frame) {
	var req wire.JoinRequest
	if err := wire.DecodeControl(f.Payload, &req); err != nil {
		c.Enqueue(terminalReply(f.Header, -int32(22))) // EINVAL
		wire.Release(f)
		return
	}

	c.Version = peer.Version(req.Version)
	c.JoinState = 1

	c.Enqueue(terminalReply(f.Header, 0))
	wire.Release(f)
}

// handleMonitorStat replies to CmdMonitorStat with a msgpack-encoded
// wire.MonitorStat snapshot of this node's live state (spec.md §6
// `-s`/`-z`/`-a`), the structured counterpart to the CLI's raw byte dump.
func (n *Node) handleMonitorStat(c *peer.Conn, f *wire.Frame) {
	stat := wire.MonitorStat{
		QueueDepth:  int64(n.Places.TotalQueued()),
		ActiveConns: int64(n.LiveConns()),
	}
	payload, err := wire.EncodeControl(stat)
	if err != nil {
		n.log.Error("node: encode monitor stat", zap.Error(err))
		c.Enqueue(terminalReply(f.Header, -int32(5))) // EIO
		wire.Release(f)
		return
	}
	c.Enqueue(controlReply(f.Header, 0, payload))
	wire.Release(f)
}

// handleRouteList replies to CmdRouteList with one wire.RouteListEntry per
// backend this node currently serves (spec.md §4.6 "ROUTE_LIST"),
// msgpack-encoded as a slice so a caller gets back the whole route table
// in one reply.
func (n *Node) handleRouteList(c *peer.Conn, f *wire.Frame) {
	ids := n.Places.BackendIDs()
	entries := make([]wire.RouteListEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, wire.RouteListEntry{
			Address:   peerAddrString(c),
			BackendID: id,
		})
	}
	payload, err := wire.EncodeControl(entries)
	if err != nil {
		n.log.Error("node: encode route list", zap.Error(err))
		c.Enqueue(terminalReply(f.Header, -int32(5))) // EIO
		wire.Release(f)
		return
	}
	c.Enqueue(controlReply(f.Header, 0, payload))
	wire.Release(f)
}

// terminalReply builds a terminal DESTROY reply carrying status, used
// for handshake replies and when a request can't even reach a backend
// (spec.md §4.2 "a reply frame always echoes the request's trans_id").
func terminalReply(req wire.Header, status int32) *wire.Frame {
	return controlReply(req, status, nil)
}

// controlReply builds a terminal DESTROY reply carrying status and an
// optional msgpack-encoded control payload (spec.md §4.2).
func controlReply(req wire.Header, status int32, payload []byte) *wire.Frame {
	reply := wire.Alloc(len(payload))
	copy(reply.Payload, payload)
	reply.Header = wire.Header{
		ID:      req.ID,
		Command: req.Command,
		TransID: req.TransID,
		TraceID: req.TraceID,
		Flags:   wire.FlagReply | wire.FlagDestroy,
		Status:  status,
		Size:    uint64(len(payload)),
	}
	return reply
}

func (n *Node) closePollers() {
	for _, p := range n.pollers {
		p.Close()
	}
}

// Shutdown stops every Poller/Acceptor, drains every Work Pool, and
// releases the Recovery database.
func (n *Node) Shutdown() {
	atomic.StoreInt32(&n.needExit, 1)
	n.BP.Notify()
	n.closePollers()
	if n.acceptor != nil {
		n.acceptor.Close()
	}
	n.Places.Shutdown()
	n.BP.Close()
	n.Recovery.Close()
}
