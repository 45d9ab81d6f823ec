// Package session implements the thin client-side helper layer the
// reference CLI is built on (spec.md §1, §6): each exported method drives
// exactly one request/reply round trip over a peer.Conn, using its
// trans.Registry to match the reply back to the caller synchronously.
//
// Grounded on the original ioclient.cpp's session class (example/ioclient.cpp
// in original_source/): one session wraps one node connection and exposes
// write_file/read_file/remove/lookup/stat_log/dnet_send_cmd/dnet_update_status
// as one-shot blocking calls. Unlike the original's C++ cppdef session,
// internal/session never owns retry or connection-pooling policy — those
// are explicitly left to the caller (spec.md §1 "higher-level session
// helpers are external collaborators").
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/elliptics-io/elliptics-go/internal/peer"
	"github.com/elliptics-io/elliptics-go/internal/trans"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// ErrTimeout is returned when a round trip does not complete within the
// caller's wait timeout (spec.md §6 "wait_timeout").
var ErrTimeout = errors.New("session: wait timeout exceeded")

// RemoteError reports the negative-errno status a remote node attached to
// a reply, letting callers (the CLI, spec.md §6 "exit code is the negated
// errno of the first failing operation") recover the exact code instead of
// just an opaque error string.
type RemoteError struct {
	Code int32
}

func (e *RemoteError) Error() string {
	return errors.Errorf("session: remote returned status %d", e.Code).Error()
}

// Session is a thin, one-connection request/reply helper.
type Session struct {
	Conn      *peer.Conn
	Groups    []int32
	Namespace string
	CFlags    uint64
	IOFlags   uint64
}

// New wraps an already-connected peer.Conn.
func New(c *peer.Conn) *Session {
	return &Session{Conn: c}
}

// roundTrip enqueues req and blocks until its transaction is destroyed by
// the terminal reply, is canceled, or times out — mirroring the original
// CLI's synchronous s.write_file/read_file/... calls. It returns the last
// reply frame received for the transaction.
func (s *Session) roundTrip(ctx context.Context, req *wire.Frame) (*wire.Frame, error) {
	done := make(chan trans.Status, 1)
	var last *wire.Frame
	tx, err := s.Conn.Trans.Register(req.Header.ID, req.Header.Command, func(st trans.Status) {
		if st.Frame != nil {
			last = st.Frame
		}
		if st.Destroy {
			st.Frame = last
			done <- st
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "session: register transaction")
	}

	req.Header.TransID = tx.ID
	s.Conn.Enqueue(req)

	select {
	case st := <-done:
		if st.Code != 0 {
			return nil, &RemoteError{Code: st.Code}
		}
		return st.Frame, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Session) newHeader(cmd wire.Command, id wire.ID, size uint64) wire.Header {
	flags := uint64(0)
	if s.Conn != nil {
		_ = flags // reserved for future per-request flag composition
	}
	return wire.Header{
		ID:      id,
		Command: cmd,
		Flags:   s.IOFlags,
		Size:    size,
	}
}

// Write performs a single write_file round trip (spec.md §6 `-W`):
// id identifies the object and data is the payload. The whole of data is
// always sent; offset and size are accepted but not carried in the
// request.
func (s *Session) Write(ctx context.Context, timeout time.Duration, id wire.ID, data []byte, offset, size uint64) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(len(data))
	copy(f.Payload, data)
	f.Header = s.newHeader(wire.CmdWrite, id, uint64(len(data)))
	f.Header.BackendID = 0

	_, err := s.roundTrip(ctx, f)
	return err
}

// Read performs a single read_file round trip (spec.md §6 `-R`/`-D`),
// returning the reply's payload. offset and size are accepted but not
// carried in the request.
func (s *Session) Read(ctx context.Context, timeout time.Duration, id wire.ID, offset, size uint64) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdRead, id, 0)

	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), reply.Payload...)
	wire.Release(reply)
	return out, nil
}

// Lookup performs a single lookup round trip (spec.md §6 `-L`), returning
// which backend currently hosts id.
func (s *Session) Lookup(ctx context.Context, timeout time.Duration, id wire.ID) (int32, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdLookup, id, 0)

	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return 0, err
	}
	backendID := reply.Header.BackendID
	wire.Release(reply)
	return backendID, nil
}

// Remove performs a single remove round trip (spec.md §6 `-u`).
func (s *Session) Remove(ctx context.Context, timeout time.Duration, id wire.ID) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdRemove, id, 0)

	_, err := s.roundTrip(ctx, f)
	return err
}

// Exec sends a remote command/event string (spec.md §6 `-c`) and returns
// whatever the backend echoed back, grounded on ioclient.cpp's
// dnet_send_cmd/sph "event src-block" exchange.
func (s *Session) Exec(ctx context.Context, timeout time.Duration, cmd string) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(len(cmd))
	copy(f.Payload, cmd)
	f.Header = s.newHeader(wire.CmdExec, wire.ID{}, uint64(len(cmd)))

	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return "", err
	}
	out := string(reply.Payload)
	wire.Release(reply)
	return out, nil
}

// UpdateStatus requests the node transition to the given status flags
// (spec.md §6 `-U`): 1 asks the node to exit, 2 asks it to go read-only.
func (s *Session) UpdateStatus(ctx context.Context, timeout time.Duration, statusFlags int32) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdStatus, wire.ID{}, 0)
	f.Header.Status = statusFlags

	_, err := s.roundTrip(ctx, f)
	return err
}

// MonitorStat requests node statistics (spec.md §6 `-s`/`-z`/`-a`).
func (s *Session) MonitorStat(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdMonitorStat, wire.ID{}, 0)

	reply, err := s.roundTrip(ctx, f)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), reply.Payload...)
	wire.Release(reply)
	return out, nil
}

// Authenticate performs the CmdAuth handshake (spec.md §6 "authentication
// cookie ... compared constant-time at handshake"): it sends cookie
// msgpack-encoded as a wire.AuthRequest and returns an error (typically a
// *RemoteError wrapping EPERM) if the remote rejects it.
func (s *Session) Authenticate(ctx context.Context, timeout time.Duration, cookie []byte) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	payload, err := wire.EncodeControl(wire.AuthRequest{Cookie: cookie})
	if err != nil {
		return errors.Wrap(err, "session: encode auth request")
	}

	f := wire.Alloc(len(payload))
	copy(f.Payload, payload)
	f.Header = s.newHeader(wire.CmdAuth, wire.ID{}, uint64(len(payload)))

	_, err = s.roundTrip(ctx, f)
	return err
}

// Join performs the CmdJoin handshake (spec.md §3 Connection "negotiated
// protocol version", "join_state"), announcing this session's protocol
// version and local addresses.
func (s *Session) Join(ctx context.Context, timeout time.Duration, version [4]int, addresses []string) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	payload, err := wire.EncodeControl(wire.JoinRequest{Version: version, Addresses: addresses})
	if err != nil {
		return errors.Wrap(err, "session: encode join request")
	}

	f := wire.Alloc(len(payload))
	copy(f.Payload, payload)
	f.Header = s.newHeader(wire.CmdJoin, wire.ID{}, uint64(len(payload)))

	_, err = s.roundTrip(ctx, f)
	return err
}

// StartDefrag requests the backend begin defragmentation (spec.md §6 `-d`).
func (s *Session) StartDefrag(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	f := wire.Alloc(0)
	f.Header = s.newHeader(wire.CmdBackendControl, wire.ID{}, 0)
	f.Header.Flags |= s.CFlags

	_, err := s.roundTrip(ctx, f)
	return err
}
