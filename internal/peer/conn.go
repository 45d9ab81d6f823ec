// Package peer implements the Connection (PeerState) component (spec.md
// §3, §4.2, §4.3, §4.9): one bidirectional TCP link, its receive parser
// state machine, outbound queue, transaction registry, and
// reference-counted lifetime.
//
// Adapted from the teacher's neonet.Conn/neonet.NodeLink split (owning
// refcount handle + pool-allocated packet buffers + atomic shutdown
// flags), re-targeted: instead of multiplexing logical sub-connections
// over one TCP link, Conn owns exactly one socket and runs the
// ReadingHeader -> ReadingBody -> Dispatch state machine directly against
// it, driven by a Network Poller rather than a dedicated per-link
// goroutine (SPEC_FULL.md §4.2).
package peer

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/someonegg/gocontainer/rbuf"
	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/metrics"
	"github.com/elliptics-io/elliptics-go/internal/trans"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// RecvState is the receive parser's state (spec.md §3, §4.2).
type RecvState int

const (
	ReadingHeader RecvState = iota
	ReadingBody
)

// Handler decides what happens to a fully decoded, non-reply frame
// (Backend Dispatch, component H) and is invoked from Dispatch (spec.md
// §4.2 step 4).
type Handler interface {
	OnRequest(c *Conn, f *wire.Frame)
}

// Version is the 4-int negotiated protocol version (spec.md §3).
type Version [4]int

// Conn is one bidirectional TCP link (spec.md §3 Connection/PeerState).
//
// The receive parser state and receive buffer are touched only by the
// owning poller goroutine (spec.md §5 "no lock"); the transaction
// registry and outbound queue carry their own locks.
type Conn struct {
	FD int // read==write fd for a normal peer socket (spec.md §3)

	PeerAddr  net.Addr
	LocalAddr net.Addr
	LocalIdx  int
	Version   Version
	JoinState int32

	Trans *trans.Registry

	log  *zap.Logger
	sink metrics.Sink

	handler Handler

	// ---- receive parser state: single-goroutine, no lock ----
	rxState       RecvState
	rxHeader      [wire.HeaderSize]byte
	rxOffset      int
	rxFrame       *wire.Frame // non-nil once header is parsed and size>0
	rxStartTS     time.Time
	rxPendingDrop bool // current frame violates a header invariant; read it but don't dispatch

	// rxbuf holds bytes overread past the current header/body boundary so
	// the next call doesn't need a fresh syscall.Read to see them — the
	// same "prefetched in rxbuf" buffering neonet.NodeLink.recvPkt uses
	// around its peerLink reads. rxScratch is the oversized destination a
	// single non-blocking read targets so pipelined frames can be picked
	// up in one syscall instead of one read per frame.
	rxbuf     rbuf.RingBuf
	rxScratch [4096]byte

	// ---- outbound queue: guarded by sendMu ----
	sendMu        sync.Mutex
	sendCond      *sync.Cond
	sendQueue     [][]byte // encoded frames awaiting writev
	sendOffset    int      // bytes of sendQueue[0] already written
	sendQueueSize int32    // atomic view mirrored here under sendMu
	sendHigh      int
	sendLow       int

	// ---- refcount: "held by poller" (1) + one per in-flight work item/transaction ----
	refs int32

	// needExit is sticky: 0 == healthy, non-zero is the errno-ish reset code.
	needExit int32

	// onArmWrite/onDisarmWrite/onUnschedule let the Network Poller hook
	// its epoll_ctl calls without this package importing the poller
	// (spec.md §4.3 "EPOLLOUT is armed", §4.9 step 2 "unschedule all
	// fds from epoll").
	onArmWrite    func(*Conn)
	onDisarmWrite func(*Conn)
	onUnschedule  func(*Conn)

	// onReset is invoked exactly once when the Connection transitions
	// into need_exit (spec.md §4.9), letting the owner run the
	// reconnect/recovery pipeline (component I).
	onReset   func(*Conn, int32)
	resetOnce sync.Once
}

// Config configures a new Conn.
type Config struct {
	FD            int
	PeerAddr      net.Addr
	LocalAddr     net.Addr
	LocalIdx      int
	Handler       Handler
	Logger        *zap.Logger
	Sink          metrics.Sink
	SendHigh      int // send-queue high watermark (spec.md §3)
	SendLow       int // send-queue low watermark
	OnArmWrite    func(*Conn)
	OnDisarmWrite func(*Conn)
	OnUnschedule  func(*Conn)
	OnReset       func(*Conn, int32)
}

// New creates a Conn with refcount 1 (the "held by poller" reference,
// spec.md §5 refcounting rule (i)).
func New(cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop{}
	}
	if cfg.SendHigh <= 0 {
		cfg.SendHigh = 1 << 20 // 1MiB default watermark
	}
	if cfg.SendLow <= 0 {
		cfg.SendLow = cfg.SendHigh / 4
	}

	c := &Conn{
		FD:            cfg.FD,
		PeerAddr:      cfg.PeerAddr,
		LocalAddr:     cfg.LocalAddr,
		LocalIdx:      cfg.LocalIdx,
		Trans:         trans.New(),
		log:           cfg.Logger,
		sink:          cfg.Sink,
		handler:       cfg.Handler,
		sendHigh:      cfg.SendHigh,
		sendLow:       cfg.SendLow,
		onArmWrite:    cfg.OnArmWrite,
		onDisarmWrite: cfg.OnDisarmWrite,
		onUnschedule:  cfg.OnUnschedule,
		onReset:       cfg.OnReset,
		refs:          1,
	}
	c.sendCond = sync.NewCond(&c.sendMu)
	return c
}

// Retain increments the refcount — called once per in-flight Work Item or
// Transaction that keeps this Connection alive (spec.md §5 rules ii/iii).
func (c *Conn) Retain() {
	atomic.AddInt32(&c.refs, 1)
}

// Release decrements the refcount; it never goes negative and the
// Connection is only actually freed by the garbage collector once every
// reference (Go's GC tracks this for us, so Release's job is purely
// bookkeeping/observability — spec.md §9 "Avoid a GC assumption" is about
// not relying on a GC to run the reset pipeline's *side effects*, not
// about refusing Go's own memory reclamation).
func (c *Conn) Release() int32 {
	n := atomic.AddInt32(&c.refs, -1)
	if n < 0 {
		c.log.Error("peer: refcount went negative", zap.String("peer", c.peerAddrString()))
	}
	return n
}

// RefCount returns the current reference count (spec.md §8 invariant 3).
func (c *Conn) RefCount() int32 {
	return atomic.LoadInt32(&c.refs)
}

// NeedExit returns the sticky reset code, or 0 if healthy.
func (c *Conn) NeedExit() int32 {
	return atomic.LoadInt32(&c.needExit)
}

// SetHooks wires the epoll_ctl callbacks a Network Poller uses to arm and
// disarm EPOLLOUT and to unschedule c entirely (spec.md §4.3, §4.9 step 2).
// It is separate from Config because a Poller typically only learns which
// epoll fd a Conn belongs to at Register time.
func (c *Conn) SetHooks(onArmWrite, onDisarmWrite, onUnschedule func(*Conn)) {
	c.onArmWrite = onArmWrite
	c.onDisarmWrite = onDisarmWrite
	c.onUnschedule = onUnschedule
}

// SetOnReset wires the reconnect/recovery hook (component I) invoked once
// when this Connection resets.
func (c *Conn) SetOnReset(onReset func(*Conn, int32)) {
	c.onReset = onReset
}

// peerAddrString is nil-safe: Conns created without a PeerAddr (e.g. in
// tests that drive raw fds directly) must still be loggable.
func (c *Conn) peerAddrString() string {
	if c.PeerAddr == nil {
		return "unknown"
	}
	return c.PeerAddr.String()
}
