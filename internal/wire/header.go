// Package wire implements the Elliptics frame codec: parsing and
// serializing the fixed-size header that precedes every command on the
// wire, and the flag/command vocabulary that the rest of the core
// dispatches on.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// IDSize is the size in bytes of an object id (key).
const IDSize = 16

// HeaderSize is the number of bytes occupied by a Header on the wire.
//
// 16 (id) + 4 (group) + 4 (command) + 8 (flags) + 8 (trans id) +
// 8 (trace id) + 4 (backend id) + 8 (payload size) + 4 (status) = 64.
const HeaderSize = 64

// Flags, bit positions are significant for cross-implementation
// compatibility (spec ties them to the original wire format).
const (
	FlagMore          uint64 = 1 << 0 // peer may still send further reply frames
	FlagDestroy       uint64 = 1 << 1 // terminal callback invocation
	FlagNoLock        uint64 = 1 << 2 // must not wait on backend mutexes
	FlagReply         uint64 = 1 << 3 // this frame is a reply, not a fresh request
	FlagDirectBackend uint64 = 1 << 4 // cmd.BackendID names the backend verbatim
	FlagTraceBit      uint64 = 1 << 5 // tracing enabled for this transaction

	// Domain flags, not interpreted by the codec or the core dispatch
	// logic but carried end to end for the backend's benefit.
	FlagChecksum uint64 = 1 << 6
	FlagNoCache  uint64 = 1 << 7
	FlagCache    uint64 = 1 << 8
)

// KnownFlagsMask covers every flag bit the codec understands; any bit set
// outside of it is a reserved-bit contract violation (spec.md §4.1
// "BadMagic/BadVersion when reserved bits violate the contract"), which
// internal/peer treats as a MalformedFrame (spec.md §7): the single frame
// is dropped, not the Connection.
const KnownFlagsMask uint64 = FlagMore | FlagDestroy | FlagNoLock | FlagReply |
	FlagDirectBackend | FlagTraceBit | FlagChecksum | FlagNoCache | FlagCache

// Command identifies the kind of a request/reply.
type Command uint32

// Fixed set of commands that do not require a backend (spec.md §4.6 item 2).
const (
	CmdAuth            Command = 1
	CmdStatus          Command = 2
	CmdReverseLookup   Command = 3
	CmdJoin            Command = 4
	CmdRouteList       Command = 5
	CmdMonitorStat     Command = 6
	CmdBackendControl  Command = 7
	CmdBackendStatus   Command = 8
	CmdBulkReadNew     Command = 9
	CmdBulkRemoveNew   Command = 10
)

// Commands that do require routing to a backend.
const (
	CmdRead   Command = 100
	CmdWrite  Command = 101
	CmdLookup Command = 102
	CmdRemove Command = 103
	CmdExec   Command = 104

	// CmdPing is used by tests and by the S1 echo scenario; it does not
	// need a backend either but is kept separate from the fixed system
	// set above since it is not part of the documented protocol.
	CmdPing Command = 42
)

// backendless is the fixed set of commands that bypass route lookup and are
// dispatched straight to the "system" place (backend id -1).
var backendless = map[Command]bool{
	CmdAuth:           true,
	CmdStatus:         true,
	CmdReverseLookup:  true,
	CmdJoin:           true,
	CmdRouteList:      true,
	CmdMonitorStat:    true,
	CmdBackendControl: true,
	CmdBackendStatus:  true,
	CmdBulkReadNew:    true,
	CmdBulkRemoveNew:  true,
	CmdPing:           true,
}

// NeedsBackend reports whether cmd must be routed to a backend (spec.md §4.6).
func (cmd Command) NeedsBackend() bool {
	return !backendless[cmd]
}

// SystemBackendID is the id of the "system" Place used for commands that do
// not need a backend.
const SystemBackendID int32 = -1

// ID is a 16-byte object id (key).
type ID [IDSize]byte

// Header is the fixed-size frame header. All integer fields are
// little-endian on the wire (spec.md §6).
type Header struct {
	ID        ID
	Group     uint32
	Command   Command
	Flags     uint64
	TransID   uint64
	TraceID   uint64
	BackendID int32
	Size      uint64
	Status    int32
}

// errors returned by Decode.
var (
	// ErrTruncatedHeader is returned when fewer than HeaderSize bytes are
	// available to parse a header from.
	ErrTruncatedHeader = errors.New("wire: truncated header")

	// ErrBadMagic names a header whose magic violates the wire contract.
	// The codec has no magic field of its own (unlike the legacy
	// protocol it is modeled on), and DecodeHeader never returns this
	// error.
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrBadVersion names an unsupported protocol version. No code in
	// this module returns it; DecodeHeader does not check versions.
	ErrBadVersion = errors.New("wire: bad version")

	// ErrReservedBits is returned by callers (not Decode itself, which
	// never rejects a structurally valid header) when a header sets
	// flag bits outside KnownFlagsMask.
	ErrReservedBits = errors.New("wire: reserved flag bits set")
)

// DecodeHeader parses a Header from the front of buf.
//
// It fails with ErrTruncatedHeader when len(buf) < HeaderSize.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrTruncatedHeader
	}

	copy(h.ID[:], buf[0:16])
	h.Group = binary.LittleEndian.Uint32(buf[16:20])
	h.Command = Command(binary.LittleEndian.Uint32(buf[20:24]))
	h.Flags = binary.LittleEndian.Uint64(buf[24:32])
	h.TransID = binary.LittleEndian.Uint64(buf[32:40])
	h.TraceID = binary.LittleEndian.Uint64(buf[40:48])
	h.BackendID = int32(binary.LittleEndian.Uint32(buf[48:52]))
	h.Size = binary.LittleEndian.Uint64(buf[52:60])
	h.Status = int32(binary.LittleEndian.Uint32(buf[60:64]))

	return h, nil
}

// EncodeHeader serializes h into the front of buf, which must be at least
// HeaderSize bytes long.
func EncodeHeader(buf []byte, h Header) {
	copy(buf[0:16], h.ID[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Group)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Command))
	binary.LittleEndian.PutUint64(buf[24:32], h.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], h.TransID)
	binary.LittleEndian.PutUint64(buf[40:48], h.TraceID)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(h.BackendID))
	binary.LittleEndian.PutUint64(buf[52:60], h.Size)
	binary.LittleEndian.PutUint32(buf[60:64], uint32(h.Status))
}

// HasFlag reports whether all bits of flag are set in h.Flags.
func (h Header) HasFlag(flag uint64) bool {
	return h.Flags&flag == flag
}
