package poller

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/peer"
	"github.com/elliptics-io/elliptics-go/internal/wireerr"
)

// Acceptor is the dedicated Network Poller for a listening fd (spec.md
// §4.8): it runs its own single-fd epoll loop, accept(2)-ing connections,
// canonicalizing IPv4-in-IPv6 peer addresses, and handing each new
// peer.Conn off via OnAccept.
type Acceptor struct {
	ListenFD int

	log  *zap.Logger
	epfd int

	// OnAccept receives every newly accepted Connection, not yet
	// registered with any Poller — the caller picks which Poller to
	// register it with (e.g. round-robin across net_thread_num
	// Pollers).
	OnAccept func(*peer.Conn)

	// Fatal receives the one errno classified as unrecoverable
	// (spec.md §4.8 "any other errno is treated as fatal and forces
	// process exit"); the Acceptor itself never calls os.Exit.
	Fatal func(error)

	// Handler is wired into every accepted peer.Conn so inbound request
	// frames reach Backend Dispatch (spec.md §4.2 step 4).
	Handler peer.Handler

	needExit *int32
}

// AcceptorConfig configures a new Acceptor.
type AcceptorConfig struct {
	ListenFD int
	Logger   *zap.Logger
	OnAccept func(*peer.Conn)
	Fatal    func(error)
	Handler  peer.Handler
	NeedExit *int32
}

// NewAcceptor wraps an already-bound, already-listening, non-blocking fd.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	ev := &syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: int32(cfg.ListenFD)}
	if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, cfg.ListenFD, ev); err != nil {
		syscall.Close(epfd)
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var zero int32
	if cfg.NeedExit == nil {
		cfg.NeedExit = &zero
	}
	return &Acceptor{
		ListenFD: cfg.ListenFD,
		log:      cfg.Logger,
		epfd:     epfd,
		OnAccept: cfg.OnAccept,
		Fatal:    cfg.Fatal,
		Handler:  cfg.Handler,
		needExit: cfg.NeedExit,
	}, nil
}

// Run loops accept(2)-ing connections until stop fires or needExit is set.
func (a *Acceptor) Run(stop <-chan struct{}) error {
	events := make([]syscall.EpollEvent, 1)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if *a.needExit != 0 {
			return nil
		}

		n, err := syscall.EpollWait(a.epfd, events, int(waitTimeout/time.Millisecond))
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		a.acceptAll()
	}
}

// acceptAll drains every pending connection on the listening fd — under
// edge-triggered or level-triggered epoll alike, looping until EAGAIN is
// the conservative, correct way to drain a listen backlog once notified.
func (a *Acceptor) acceptAll() {
	for {
		nfd, sa, err := syscall.Accept4(a.ListenFD, syscall.SOCK_NONBLOCK)
		if err != nil {
			if wireerr.IsRecoverableAcceptError(err) {
				return // non-fatal: ignored, will retry (spec.md §4.8)
			}
			a.log.Error("poller: fatal accept error", zap.Error(err))
			if a.Fatal != nil {
				a.Fatal(err)
			}
			return
		}

		peerAddr := sockaddrToNetAddr(sa)
		c := peer.New(peer.Config{
			FD:       nfd,
			PeerAddr: peerAddr,
			Logger:   a.log,
			Handler:  a.Handler,
		})
		a.log.Info("poller: accepted connection", zap.String("peer", peerAddr.String()))
		if a.OnAccept != nil {
			a.OnAccept(c)
		}
	}
}

// Close releases the acceptor's epoll fd (not the listening fd itself,
// which the caller owns).
func (a *Acceptor) Close() error {
	return syscall.Close(a.epfd)
}
