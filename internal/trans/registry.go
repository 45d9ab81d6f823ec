package trans

import (
	"container/list"
	"sync"
	"time"

	"github.com/elliptics-io/elliptics-go/internal/wire"
)

// Registry holds one Connection's outstanding transactions: the primary
// trans_id -> *Transaction index and the last_activity-ordered timer
// index (spec.md §4.4).
//
// The timer index is kept as a doubly linked list that every activity
// update moves to the tail — walking from the head therefore always
// visits the least-recently-active Transaction first, and since moves
// happen strictly in call order, equal timestamps are naturally broken
// FIFO by insertion (spec.md §4.4 tie-break rule).
type Registry struct {
	mu sync.Mutex

	byID  map[uint64]*list.Element // trans_id -> element (Element.Value is *entry)
	timer *list.List               // ascending by last_activity

	nextID   uint64
	needExit bool

	// stallCount is the Connection-wide counter spec.md §4.4 describes:
	// "for each Transaction whose now-last_activity>check_timeout,
	// increment the Connection's stall counter" — one counter shared by
	// every Transaction on this Connection, not one per transaction id
	// (ground-truth original_source/library/elliptics.h's struct
	// dnet_net_state carries a single `int stall`, not a per-transaction
	// map).
	stallCount int
}

type entry struct {
	tx *Transaction
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[uint64]*list.Element),
		timer: list.New(),
	}
}

// ErrNeedExit is returned by Register once the owning Connection has
// entered need_exit.
type ErrNeedExit struct{}

func (ErrNeedExit) Error() string { return "trans: connection is in need_exit" }

// SetNeedExit marks the registry closed for new registrations (spec.md
// §4.9 step 1 "no new events are scheduled").
func (r *Registry) SetNeedExit() {
	r.mu.Lock()
	r.needExit = true
	r.mu.Unlock()
}

// Register assigns a fresh monotonically increasing transaction id,
// inserts the Transaction into both indexes, and returns it.
func (r *Registry) Register(key wire.ID, cmd wire.Command, cb Callback) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.needExit {
		return nil, ErrNeedExit{}
	}

	r.nextID++
	id := r.nextID
	now := time.Now()

	tx := &Transaction{
		ID:           id,
		Key:          key,
		Command:      cmd,
		callback:     cb,
		CreatedAt:    now,
		LastActivity: now,
		more:         true,
		seq:          id,
	}

	el := r.timer.PushBack(&entry{tx: tx})
	r.byID[id] = el

	return tx, nil
}

// outboxEntry is one queued callback invocation, collected under the lock
// and run after it is released (spec.md §9 "Implicit callbacks" design
// note: "the poller under the lock only unlinks the Transaction and
// appends the frame + callback to a local vector, releases the lock,
// then invokes callbacks").
type outboxEntry struct {
	cb     Callback
	status Status
}

// CallbackOutbox accumulates callback invocations to run outside a lock.
type CallbackOutbox struct {
	entries []outboxEntry
}

func (o *CallbackOutbox) add(cb Callback, st Status) {
	o.entries = append(o.entries, outboxEntry{cb: cb, status: st})
}

// Run invokes every queued callback, in order. The caller must not hold
// any Registry/Connection lock while calling Run.
func (o *CallbackOutbox) Run() {
	for _, e := range o.entries {
		e.cb(e.status)
	}
}

// MatchReply looks up the transaction named by h.TransID.
//
// If absent, it reports matched=false and the caller should log+drop the
// frame (spec.md §4.4 "If absent, log and drop").
//
// If present and MORE is set on h, the Transaction's LastActivity is
// bumped and it stays registered; if MORE is clear, it is the terminal
// reply: the Transaction is removed from both indexes and two callback
// invocations are queued onto out (the reply, then DESTROY), per spec.md
// §4.4 and §8 invariant 2.
func (r *Registry) MatchReply(h wire.Header, frame *wire.Frame, out *CallbackOutbox) (matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.byID[h.TransID]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	tx := e.tx

	tx.LastActivity = time.Now()

	if h.HasFlag(wire.FlagMore) {
		r.timer.MoveToBack(el)
		out.add(tx.callback, Status{Frame: frame, Code: h.Status})
		return true
	}

	// terminal reply: remove from both indexes first (breaks the
	// Connection<->Transaction<->Callback reference cycle, spec.md §9)
	r.timer.Remove(el)
	delete(r.byID, h.TransID)
	tx.more = false

	out.add(tx.callback, Status{Frame: frame, Code: h.Status})
	out.add(tx.callback, Status{Code: h.Status, Destroy: true})
	return true
}

// StallSweep walks the timer index ascending; for each Transaction whose
// now-LastActivity exceeds checkTimeout, the single Connection-wide stall
// counter is incremented (spec.md §4.4: "for each Transaction ...
// increment the Connection's stall counter" — one counter per Connection,
// not one per transaction, matching the original's single `int stall` on
// struct dnet_net_state). Once that counter exceeds stallLimit, the whole
// Connection is reset: every outstanding transaction is drained with
// errcode as the sentinel status (spec.md §4.4, §7 Timeout ==
// ConnectionReset(ETIMEDOUT)).
//
// StallSweep itself only drains the registry; it does not reset the
// Connection. No code in this module calls StallSweep (peer.Conn does
// not run a periodic sweep), so stalled transactions are only drained
// by an explicit call or by Reset.
func (r *Registry) StallSweep(now time.Time, checkTimeout time.Duration, stallLimit int, errcode int32, out *CallbackOutbox) (tripped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for el := r.timer.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.tx.LastActivity) <= checkTimeout {
			break // ascending order: nothing further is stalled
		}

		next := el.Next()
		r.stallCount++
		el = next
	}

	if r.stallCount > stallLimit {
		tripped = true
		// Connection reset: drain every outstanding transaction with
		// the timeout sentinel (spec.md §4.9 step 3).
		r.drainLocked(errcode, out)
	}

	return tripped
}

// Reset drains every outstanding transaction (used on I/O error as well
// as a tripped stall sweep), invoking each callback with the DESTROY
// sentinel carrying the reset code (spec.md §4.9 step 3, §8 invariant 1).
func (r *Registry) Reset(errcode int32, out *CallbackOutbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.needExit = true
	r.drainLocked(errcode, out)
}

func (r *Registry) drainLocked(errcode int32, out *CallbackOutbox) {
	for el := r.timer.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out.add(e.tx.callback, Status{Code: errcode, Destroy: true})
	}
	r.timer.Init()
	r.byID = make(map[uint64]*list.Element)
	r.stallCount = 0
}

// Len returns the number of outstanding transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
