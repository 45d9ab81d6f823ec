// Package dispatch implements Backend Dispatch (spec.md §4.6): given a
// decoded request, compute its backend id and push it to the right Place.
package dispatch

import (
	"context"

	"github.com/elliptics-io/elliptics-go/internal/place"
	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// Backend is the opaque storage backend collaborator (spec.md §1
// Non-goals: the storage backend itself is out of scope, referenced only
// by this interface).
type Backend interface {
	Handle(ctx context.Context, req *wire.Frame) ([]*wire.Frame, error)
}

// RouteTable is the DHT-style route lookup hook (spec.md §1, §4.6 item 3).
// Only its lookup matters to the core; how it is populated is out of
// scope.
type RouteTable interface {
	// Lookup returns the backend id owning id's key range, or ok=false
	// if no route is known (the caller then falls back to -1).
	//
	// mixStates/randomizeStates correspond to the MIX_STATES and
	// RANDOMIZE_STATES configuration flags (spec.md §9 Open Questions):
	// mixStates first narrows the candidate set to read-eligible
	// replicas, then randomizeStates picks among that set. Composing
	// them in the other order would make MIX_STATES a no-op whenever
	// RANDOMIZE_STATES is also set, which is why this order is fixed
	// here rather than left to each RouteTable implementation.
	Lookup(id wire.ID, mixStates, randomizeStates bool) (backendID int32, ok bool)
}

// StaticRouteTable is a trivial in-memory RouteTable, letting the core run
// standalone without a real DHT; production deployments supply their own.
type StaticRouteTable struct {
	// Default is returned for every key. Zero value routes everything
	// to backend 0.
	Default int32
}

func (t StaticRouteTable) Lookup(wire.ID, bool, bool) (int32, bool) {
	return t.Default, true
}

// Dispatch computes a backend id for req and pushes it to the
// appropriate Place/pool.
type Dispatch struct {
	Places      *place.Manager
	Routes      RouteTable
	MixStates   bool
	RandomizeStates bool
}

// BackendIDFor computes the backend id for req per spec.md §4.6:
//  1. DIRECT_BACKEND flag set -> use req.Header.BackendID verbatim.
//  2. command does not need a backend -> -1.
//  3. else ask the route table; absent -> -1.
func (d *Dispatch) BackendIDFor(req *wire.Frame) int32 {
	h := req.Header
	if h.HasFlag(wire.FlagDirectBackend) {
		return h.BackendID
	}
	if !h.Command.NeedsBackend() {
		return wire.SystemBackendID
	}
	if d.Routes == nil {
		return wire.SystemBackendID
	}
	id, ok := d.Routes.Lookup(h.ID, d.MixStates, d.RandomizeStates)
	if !ok {
		return wire.SystemBackendID
	}
	return id
}

// Item adapts a decoded frame + its eventual handler callback into a
// workpool.Item.
type Item struct {
	Frame   *wire.Frame
	Backend Backend
	Ctx     context.Context
	Reply   func(frames []*wire.Frame, err error)
}

func (it *Item) Run() {
	frames, err := it.Backend.Handle(it.Ctx, it.Frame)
	it.Reply(frames, err)
}

// Submit stamps the computed backend id into req's header and pushes it
// to the right pool (spec.md §4.6 "stamp cmd.backend_id into the
// in-flight header; push").
func (d *Dispatch) Submit(ctx context.Context, req *wire.Frame, backend Backend, reply func([]*wire.Frame, error)) error {
	backendID := d.BackendIDFor(req)
	req.Header.BackendID = backendID

	pl := d.Places.Place(backendID)
	pool := pl.Pool(req.Header.HasFlag(wire.FlagNoLock))

	item := &Item{Frame: req, Backend: backend, Ctx: ctx, Reply: reply}
	return pool.Submit(item)
}
