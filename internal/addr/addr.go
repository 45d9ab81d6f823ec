// Package addr implements the small wire-framing helper functions used
// throughout the core: address string parsing/canonicalization, object id
// hex formatting, and timestamp comparison (spec.md §6, §4.8, Component J).
package addr

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Family identifies the address family encoded in an Elliptics address
// string.
type Family int

const (
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 10
)

// Addr is a parsed "<host>:<port>:<family>" address (spec.md §6).
type Addr struct {
	Host   string
	Port   int
	Family Family
}

var ErrBadAddr = errors.New("addr: malformed address")

// Parse parses the ASCII form "<host>:<port>:<family>", splitting on the
// last two ':' separators so that IPv6 literal hosts (which themselves
// contain colons) parse correctly.
func Parse(s string) (Addr, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return Addr{}, ErrBadAddr
	}
	famStr := s[i+1:]
	rest := s[:i]

	j := strings.LastIndex(rest, ":")
	if j < 0 {
		return Addr{}, ErrBadAddr
	}
	portStr := rest[j+1:]
	host := rest[:j]

	fam, err := strconv.Atoi(famStr)
	if err != nil {
		return Addr{}, errors.Wrap(ErrBadAddr, "family")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, errors.Wrap(ErrBadAddr, "port")
	}

	host = CanonicalizeHost(host)

	return Addr{Host: host, Port: port, Family: Family(fam)}, nil
}

// String renders a back the "<host>:<port>:<family>" wire form.
func (a Addr) String() string {
	return fmt.Sprintf("%s:%d:%d", a.Host, a.Port, int(a.Family))
}

// CanonicalizeHost rewrites an IPv4-mapped IPv6 address ("::ffff:a.b.c.d")
// to plain IPv4 form, per spec.md §4.8 / §6. Any other host is returned
// unchanged.
func CanonicalizeHost(host string) string {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil && strings.Contains(host, ":") {
		return v4.String()
	}
	return host
}

// HexID formats an object id as lowercase hex, the conventional rendering
// used in logs and the CLI (spec.md §6 CLI surface).
func HexID(id [16]byte) string {
	return hex.EncodeToString(id[:])
}

// ParseHexID parses a hex-encoded object id back into its 16 raw bytes.
func ParseHexID(s string) ([16]byte, error) {
	var id [16]byte
	if len(s) != 32 {
		return id, errors.New("addr: object id must be 32 hex characters")
	}
	n, err := hex.Decode(id[:], []byte(s))
	if err != nil || n != 16 {
		return id, errors.Wrap(ErrBadAddr, "object id hex decode")
	}
	return id, nil
}

// Before reports whether a happened strictly before b. Nothing in this
// module calls it: the stall sweep compares durations directly, and the
// timer index breaks ties by list order.
func Before(a, b time.Time) bool {
	return a.Before(b)
}
