// Package poller implements the Network Poller (spec.md §4.7): one
// epoll(7) event loop per network thread, driving many peer.Conns'
// read/write routines and gating inbound dispatch on the Backpressure
// Controller.
//
// Grounded on the raw syscall-level epoll approach shown in the pack's
// other_examples (gotcp-epoll's EP struct owning an epoll fd + fd->Conn
// map, s00inx-goserver's EpollCtl/EPOLL_CTL_MOD pattern around
// syscall.EpollEvent{Events, Fd}); no third-party epoll wrapper is used
// because none appears anywhere in the retrieved corpus — see DESIGN.md.
package poller

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/backpressure"
	"github.com/elliptics-io/elliptics-go/internal/metrics"
	"github.com/elliptics-io/elliptics-go/internal/peer"
)

// initialEventBufSize is the starting capacity of the reusable event
// buffer, which grows by doubling when epoll_wait fills it (spec.md §4.7
// "keeps a reusable event buffer that grows by doubling when it fills").
const initialEventBufSize = 64

// waitTimeout is epoll_wait's per-iteration timeout (spec.md §4.7 step 1).
const waitTimeout = 1 * time.Second

// Poller owns one epoll fd and services many Connections.
type Poller struct {
	Name string

	epfd int
	log  *zap.Logger
	sink metrics.Sink
	bp   *backpressure.Controller

	mu    sync.RWMutex
	conns map[int32]*peer.Conn // fd (the epoll token, see DESIGN.md) -> Conn

	events []syscall.EpollEvent

	needExit *int32 // shared with node.Node, spec.md §5 "driven by node.need_exit"

	rnd *lockedRand
}

// Config configures a new Poller.
type Config struct {
	Name     string
	Logger   *zap.Logger
	Sink     metrics.Sink
	BP       *backpressure.Controller
	NeedExit *int32
}

// New creates a Poller with a fresh epoll fd (spec.md §7 Fatal class:
// "epoll_create failure at startup" propagates to node.need_exit — the
// caller is expected to treat a non-nil error that way).
func New(cfg Config) (*Poller, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop{}
	}
	var zero int32
	if cfg.NeedExit == nil {
		cfg.NeedExit = &zero
	}
	return &Poller{
		Name:     cfg.Name,
		epfd:     epfd,
		log:      cfg.Logger,
		sink:     cfg.Sink,
		bp:       cfg.BP,
		conns:    make(map[int32]*peer.Conn),
		events:   make([]syscall.EpollEvent, initialEventBufSize),
		needExit: cfg.NeedExit,
		rnd:      newLockedRand(time.Now().UnixNano()),
	}, nil
}

// Register adds c's fd to this Poller's epoll set armed for EPOLLIN, and
// wires c's write-arm/disarm/unschedule hooks to this Poller's epoll_ctl
// calls (spec.md §4.3, §4.9 step 2).
func (p *Poller) Register(c *peer.Conn) error {
	c.SetHooks(p.armWrite, p.disarmWrite, p.unschedule)

	ev := &syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: int32(c.FD)}
	if err := syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, c.FD, ev); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[int32(c.FD)] = c
	p.mu.Unlock()
	return nil
}

func (p *Poller) armWrite(c *peer.Conn) {
	ev := &syscall.EpollEvent{Events: syscall.EPOLLIN | syscall.EPOLLOUT, Fd: int32(c.FD)}
	syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, c.FD, ev)
}

func (p *Poller) disarmWrite(c *peer.Conn) {
	ev := &syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: int32(c.FD)}
	syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, c.FD, ev)
}

// unschedule implements spec.md §4.9 step 2: remove c's fd from epoll and
// drop this Poller's bookkeeping entry. It does not close the fd — that
// remains the caller's responsibility per the "scoped acquisition" design
// note in spec.md §9.
func (p *Poller) unschedule(c *peer.Conn) {
	syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, c.FD, nil)

	p.mu.Lock()
	delete(p.conns, int32(c.FD))
	p.mu.Unlock()
}

// Close releases the epoll fd. The caller must have already drained or
// reset every registered Connection.
func (p *Poller) Close() error {
	return syscall.Close(p.epfd)
}

// Run executes the poller loop of spec.md §4.7 until needExit is set or
// ctx-equivalent cancellation is observed via stop.
func (p *Poller) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if *p.needExit != 0 {
			return nil
		}

		n, err := syscall.EpollWait(p.epfd, p.events, int(waitTimeout/time.Millisecond))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}

		if n == len(p.events) {
			p.events = make([]syscall.EpollEvent, len(p.events)*2)
		}

		fisherYatesShuffle(p.events[:n], p.rnd)

		processed := p.processEvents(p.events[:n])

		if processed == 0 && p.bp != nil && p.bp.Full() {
			p.bp.Block(func() bool {
				return *p.needExit != 0 || !p.bp.Full()
			})
		}
	}
}

// processEvents implements spec.md §4.7 step 3 and returns the count of
// events that resulted in a read/write/accept call (used by step 4 to
// decide whether to enter the backpressure wait).
func (p *Poller) processEvents(evs []syscall.EpollEvent) int {
	processed := 0
	for _, ev := range evs {
		p.mu.RLock()
		c, ok := p.conns[ev.Fd]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		switch {
		case ev.Events&(syscall.EPOLLHUP|syscall.EPOLLERR) != 0:
			c.Reset(-int32(syscall.ECONNRESET))
			processed++
		case ev.Events&syscall.EPOLLOUT != 0:
			c.OnWritable()
			processed++
		case ev.Events&syscall.EPOLLIN != 0:
			if p.bp != nil && p.bp.Full() {
				continue // leave EPOLLIN for the next iteration (step 2: "skip")
			}
			c.OnReadable()
			processed++
		}
	}
	return processed
}

// Len reports how many Connections are currently registered, for tests
// and metrics.
func (p *Poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
