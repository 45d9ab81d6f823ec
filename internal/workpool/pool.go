// Package workpool implements the Work Pool component (spec.md §4.5): a
// set of worker threads sharing a bounded queue under one of three
// scheduling disciplines (Blocking, NonBlocking, LIFO).
//
// Shape is grounded on the storage-node example's
// internal/util/workerpool.WorkerPool (sync.WaitGroup, zap lifecycle
// logging, panic-safe task execution); the queue is a mutex/cond-guarded
// slice (a FIFO slice, or a stack for LIFO) with a needExit flag instead
// of a channel and stopChan, so that LIFO can be expressed.
package workpool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/metrics"
)

// Discipline selects the scheduling policy of a Pool (spec.md §4.5).
type Discipline int

const (
	// Blocking is classic single-queue FIFO; workers block on a condvar
	// when the queue is empty.
	Blocking Discipline = iota
	// NonBlocking is the same FIFO queue structure, used for NOLOCK
	// commands so they never wait behind a backend mutex held by a
	// Blocking-pool worker.
	NonBlocking
	// LIFO pops the most recently pushed item first, for cache
	// locality on bursty short commands. Per spec.md §9 Open Questions,
	// LIFO gives NO cross-pop ordering guarantee even within one
	// Connection.
	LIFO
)

// Item is anything a Pool can execute. In the full core this is
// *dispatch.Item (a decoded inbound frame); the pool itself is agnostic.
type Item interface {
	// Run executes the item. The pool recovers panics around Run so a
	// single bad item cannot kill a worker goroutine.
	Run()
}

// ErrPoolFull is returned by Submit when QueueLimit > 0 and the queue is
// saturated — surfaced to the caller as an Overload error (spec.md §7),
// never a connection reset.
type ErrPoolFull struct{ Pool string }

func (e *ErrPoolFull) Error() string { return "workpool: pool " + e.Pool + " is full" }

// Pool is a set of worker goroutines sharing one queue and discipline.
type Pool struct {
	Name       string
	discipline Discipline
	queueLimit int // 0 == unbounded: Submit never blocks or rejects

	log   *zap.Logger
	sink  metrics.Sink

	mu       sync.Mutex
	cond     *sync.Cond
	fifo     []Item // used by Blocking/NonBlocking (index 0 = head)
	stack    []Item // used by LIFO (last element = top)
	needExit bool

	wg      sync.WaitGroup
	workers int
}

// Config configures a new Pool.
type Config struct {
	Name       string
	Discipline Discipline
	Workers    int
	QueueLimit int
	Logger     *zap.Logger
	Sink       metrics.Sink
}

// New creates and starts a Pool with cfg.Workers workers.
func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop{}
	}
	p := &Pool{
		Name:       cfg.Name,
		discipline: cfg.Discipline,
		queueLimit: cfg.QueueLimit,
		log:        cfg.Logger,
		sink:       cfg.Sink,
	}
	p.cond = sync.NewCond(&p.mu)
	p.Grow(cfg.Workers)
	return p
}

// Grow adds n additional workers at runtime (spec.md §4.5 "Pool growth is
// dynamic").
func (p *Pool) Grow(n int) {
	p.mu.Lock()
	p.workers += n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info("workpool grown", zap.String("pool", p.Name), zap.Int("by", n))
}

// Shutdown marks the pool as no longer operational and waits for all
// workers to drain (spec.md §4.5 "shrinking is done by setting
// pool.need_exit and joining").
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.needExit = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Len returns the current queue depth, used by the Backpressure
// Controller's total_queued accounting.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fifo) + len(p.stack)
}

// Workers returns the current worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Submit enqueues item under the pool's discipline. If QueueLimit > 0 and
// the queue is already at capacity, it returns *ErrPoolFull immediately
// instead of blocking (spec.md §4.5 queue_limit semantics).
func (p *Pool) Submit(item Item) error {
	p.mu.Lock()
	if p.needExit {
		p.mu.Unlock()
		return &ErrPoolFull{Pool: p.Name} // no new work is scheduled post need_exit
	}

	depth := len(p.fifo) + len(p.stack)
	if p.queueLimit > 0 && depth >= p.queueLimit {
		p.mu.Unlock()
		return &ErrPoolFull{Pool: p.Name}
	}

	switch p.discipline {
	case LIFO:
		p.stack = append(p.stack, item)
	default:
		p.fifo = append(p.fifo, item)
	}
	newDepth := depth + 1
	p.mu.Unlock()

	p.sink.QueueDepth(p.Name, newDepth)
	p.cond.Signal()
	return nil
}

// worker is the main loop of one pool goroutine.
func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		item, ok := p.dequeue()
		if !ok {
			return
		}
		p.run(item)
	}
}

// dequeue blocks until an item is available or the pool is shutting down.
func (p *Pool) dequeue() (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.fifo) == 0 && len(p.stack) == 0 {
		if p.needExit {
			return nil, false
		}
		p.cond.Wait()
	}

	var item Item
	switch p.discipline {
	case LIFO:
		item = p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
	default:
		item = p.fifo[0]
		p.fifo = p.fifo[1:]
	}

	p.sink.QueueDepth(p.Name, len(p.fifo)+len(p.stack))
	return item, true
}

func (p *Pool) run(item Item) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("workpool item panicked",
				zap.String("pool", p.Name), zap.Any("recover", r))
		}
		p.sink.RequestDuration(p.Name, time.Since(start))
	}()
	item.Run()
}
