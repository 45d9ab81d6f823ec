// Package trans implements the Transaction Registry (spec.md §4.4): the
// per-Connection map of outstanding requests awaiting replies, with
// timeout/stall tracking.
//
// Grounded on the teacher's connTab map[uint32]*Conn pattern in
// neonet.NodeLink, generalized from "one entry per sub-connection" to
// "one entry per outstanding transaction".
package trans

import (
	"time"

	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// Status carries the final outcome delivered with the DESTROY sentinel.
type Status struct {
	// Code is a negative-errno-style status; 0 means success.
	Code int32
	// Frame is the reply frame that triggered this callback invocation,
	// nil for the synthetic DESTROY-only invocation (spec.md §4.4 "call
	// callback with the frame and then once more with a destroy
	// sentinel").
	Frame *wire.Frame
	// Destroy is set on the terminal invocation (spec.md §6 DESTROY
	// flag: "this is the terminal callback").
	Destroy bool
}

// Callback is invoked once per reply frame, then exactly once more with
// Destroy=true (spec.md §7 "Callbacks are invoked exactly once per reply
// frame plus exactly once with the destroy sentinel").
//
// The registry never calls Callback while holding its own lock (see
// CallbackOutbox in registry.go) so implementations may safely re-enter
// the registry/Connection.
type Callback func(Status)

// Transaction is a single outstanding request awaiting reply frames.
type Transaction struct {
	ID      uint64
	Key     wire.ID
	Command wire.Command

	callback Callback

	CreatedAt time.Time
	// LastActivity is read/written only while the owning Registry's
	// lock is held; it orders the timer index (spec.md §4.4).
	LastActivity time.Time

	// more is true while the peer may still send additional reply
	// frames (the MORE flag); cleared once the terminal reply arrives.
	more bool

	// seq records the insertion order (equal to ID). It is not read:
	// last-activity ties are broken FIFO-by-insertion by the order of the
	// Registry's timer list (spec.md §4.4 "Tie-break rule for identical
	// timestamps: FIFO of insertion").
	seq uint64
}
