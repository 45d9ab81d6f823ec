package wire

import "github.com/shamaton/msgpack"

// Control-message payloads. Opaque storage commands (read/write/lookup/
// remove) carry whatever bytes the backend defines; the fixed set of
// system commands that never touch a backend (AUTH, JOIN, ROUTE_LIST,
// MONITOR_STAT, ...) instead carry a msgpack-encoded struct so the core
// itself can decode and validate them without depending on the opaque
// backend payload format.

// AuthRequest is the payload of a CmdAuth frame.
type AuthRequest struct {
	Cookie []byte `msgpack:"cookie"`
}

// JoinRequest is the payload of a CmdJoin frame: the joining node
// announces its negotiated protocol version and local addresses.
type JoinRequest struct {
	Version   [4]int   `msgpack:"version"`
	Addresses []string `msgpack:"addresses"`
}

// RouteListEntry describes one (address, backend id) pair owning a key
// range, as returned by a CmdRouteList reply.
type RouteListEntry struct {
	Address   string `msgpack:"address"`
	BackendID int32  `msgpack:"backend_id"`
	GroupID   uint32 `msgpack:"group_id"`
}

// MonitorStat is the payload of a CmdMonitorStat reply.
type MonitorStat struct {
	QueueDepth   int64 `msgpack:"queue_depth"`
	ActiveConns  int64 `msgpack:"active_conns"`
	StallCount   int64 `msgpack:"stall_count"`
	BytesInTotal int64 `msgpack:"bytes_in_total"`
}

// EncodeControl msgpack-encodes v for use as a Frame payload.
func EncodeControl(v interface{}) ([]byte, error) {
	return msgpack.Encode(v)
}

// DecodeControl msgpack-decodes payload into v.
func DecodeControl(payload []byte, v interface{}) error {
	return msgpack.Decode(payload, v)
}
