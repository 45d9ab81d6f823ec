package poller

import (
	"fmt"
	"net"
	"syscall"

	"github.com/elliptics-io/elliptics-go/internal/addr"
)

// sockaddrToNetAddr converts a raw accept(2) sockaddr into a net.Addr,
// canonicalizing IPv4-mapped IPv6 addresses to plain IPv4 (spec.md §4.8
// "the IPv4-in-IPv6 form ::ffff:a.b.c.d is rewritten to AF_INET").
func sockaddrToNetAddr(sa syscall.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *syscall.SockaddrInet4:
		ip := net.IP(s.Addr[:]).String()
		return &net.TCPAddr{IP: net.ParseIP(ip), Port: s.Port}
	case *syscall.SockaddrInet6:
		ip := net.IP(s.Addr[:])
		host := addr.CanonicalizeHost(ip.String())
		return &net.TCPAddr{IP: net.ParseIP(host), Port: s.Port}
	default:
		return unknownAddr{repr: fmt.Sprintf("%v", sa)}
	}
}

type unknownAddr struct{ repr string }

func (u unknownAddr) Network() string { return "unknown" }
func (u unknownAddr) String() string  { return u.repr }
