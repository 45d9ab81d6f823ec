// Package backpressure implements the Backpressure Controller (spec.md
// §4.7): a global gate that suspends EPOLLIN processing across every
// Network Poller once worker queues saturate, letting EPOLLOUT (reply
// traffic) continue to drain.
package backpressure

import (
	"sync"
	"time"

	"github.com/elliptics-io/elliptics-go/internal/metrics"
)

// Ratio is the queued-work-to-worker ratio above which the controller
// reports "full" (spec.md §4.7: total_queued ≤ 1000 × total_worker_threads
// is "not full").
const Ratio = 1000

// Accounting is anything that can report the current total queued work
// items and total worker threads across every Place — satisfied by
// *place.Manager.
type Accounting interface {
	TotalQueued() int
	TotalWorkers() int
}

// Controller is the global backpressure gate.
type Controller struct {
	places Accounting
	sink   metrics.Sink

	mu       sync.Mutex
	cond     *sync.Cond
	blocked  bool
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Controller reading queue/worker totals from places. It
// starts a 1s background ticker that rechecks every blocked waiter's wake
// condition, emulating the "wait on the condvar with a 1 s timeout" rule
// of spec.md §4.7 step 4 (sync.Cond has no built-in timed wait).
func New(places Accounting, sink metrics.Sink) *Controller {
	if sink == nil {
		sink = metrics.Noop{}
	}
	c := &Controller{places: places, sink: sink, stop: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.tick()
	return c
}

func (c *Controller) tick() {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Notify()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background ticker.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Full reports whether the global queue-to-worker ratio currently exceeds
// Ratio (spec.md §4.7 / §8 invariant 6).
func (c *Controller) Full() bool {
	workers := c.places.TotalWorkers()
	if workers == 0 {
		return false
	}
	return c.places.TotalQueued() > Ratio*workers
}

// Block marks the controller as blocked and waits on cond. Callers pass a
// wake function that is checked each time the condvar is signalled or the
// internal 1s timeout fires (spec.md §4.7 step 4); Block returns as soon
// as wake reports true.
func (c *Controller) Block(wake func() bool) {
	c.mu.Lock()
	c.blocked = true
	c.sink.Backpressure(true)
	for !wake() {
		c.cond.Wait()
	}
	c.blocked = false
	c.sink.Backpressure(false)
	c.mu.Unlock()
}

// Blocked reports whether the controller currently has at least one
// Network Poller parked in Block.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Notify wakes any poller waiting in Block — called whenever queue depth
// drops or a socket becomes writable (spec.md §4.7 step 4).
func (c *Controller) Notify() {
	c.cond.Broadcast()
}
