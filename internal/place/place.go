// Package place implements the Pool Manager component (spec.md §4.6): a
// named pair of Work Pools (blocking + non-blocking) per backend, keyed by
// backend id. Backend id -1 is the "system" place used for commands that
// do not need a backend.
package place

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/metrics"
	"github.com/elliptics-io/elliptics-go/internal/wire"
	"github.com/elliptics-io/elliptics-go/internal/workpool"
)

// Place is a per-backend pair of Work Pools.
type Place struct {
	BackendID  int32
	Blocking   *workpool.Pool
	NonBlocking *workpool.Pool
}

// Pool selects the blocking or non-blocking pool by the frame's NOLOCK
// flag (spec.md §4.6).
func (p *Place) Pool(noLock bool) *workpool.Pool {
	if noLock {
		return p.NonBlocking
	}
	return p.Blocking
}

// Manager owns one Place per backend id, creating them lazily.
type Manager struct {
	mu     sync.RWMutex
	places map[int32]*Place

	blockingWorkers    int
	nonBlockingWorkers int
	queueLimit         int

	log  *zap.Logger
	sink metrics.Sink
}

// Config configures a Manager's lazily-created Places.
type Config struct {
	BlockingWorkers    int
	NonBlockingWorkers int
	QueueLimit         int
	Logger             *zap.Logger
	Sink               metrics.Sink
}

// New creates an empty Manager; the "system" Place (id -1) is created
// eagerly since every node needs it regardless of which backends it owns.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop{}
	}
	m := &Manager{
		places:             make(map[int32]*Place),
		blockingWorkers:    cfg.BlockingWorkers,
		nonBlockingWorkers: cfg.NonBlockingWorkers,
		queueLimit:         cfg.QueueLimit,
		log:                cfg.Logger,
		sink:               cfg.Sink,
	}
	m.place(wire.SystemBackendID)
	return m
}

// Place returns (creating if necessary) the Place for backendID.
func (m *Manager) Place(backendID int32) *Place {
	return m.place(backendID)
}

func (m *Manager) place(backendID int32) *Place {
	m.mu.RLock()
	p, ok := m.places[backendID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.places[backendID]; ok {
		return p
	}

	p = &Place{
		BackendID: backendID,
		Blocking: workpool.New(workpool.Config{
			Name:       placeName(backendID, "blocking"),
			Discipline: workpool.Blocking,
			Workers:    m.blockingWorkers,
			QueueLimit: m.queueLimit,
			Logger:     m.log,
			Sink:       m.sink,
		}),
		NonBlocking: workpool.New(workpool.Config{
			Name:       placeName(backendID, "nonblocking"),
			Discipline: workpool.NonBlocking,
			Workers:    m.nonBlockingWorkers,
			QueueLimit: m.queueLimit,
			Logger:     m.log,
			Sink:       m.sink,
		}),
	}
	m.places[backendID] = p
	return p
}

// TotalQueued sums the queue depth across every Place's pools — the
// numerator the Backpressure Controller needs (spec.md §4.7).
func (m *Manager) TotalQueued() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, p := range m.places {
		total += p.Blocking.Len() + p.NonBlocking.Len()
	}
	return total
}

// TotalWorkers sums the worker count across every Place's pools — the
// denominator the Backpressure Controller needs (spec.md §4.7).
func (m *Manager) TotalWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, p := range m.places {
		total += p.Blocking.Workers() + p.NonBlocking.Workers()
	}
	return total
}

// BackendIDs returns the id of every backend Place created so far,
// excluding the system Place (spec.md §4.6 "ROUTE_LIST" wants the set of
// backends this node actually serves, not the system place).
func (m *Manager) BackendIDs() []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int32, 0, len(m.places))
	for id := range m.places {
		if id == wire.SystemBackendID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Shutdown drains and stops every Place's pools.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.places {
		p.Blocking.Shutdown()
		p.NonBlocking.Shutdown()
	}
}

func placeName(backendID int32, kind string) string {
	if backendID == wire.SystemBackendID {
		return "system." + kind
	}
	return "backend." + strconv.Itoa(int(backendID)) + "." + kind
}
