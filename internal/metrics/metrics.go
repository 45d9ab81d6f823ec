// Package metrics defines the statistics-sink interface the core calls
// into (spec.md §1 lists the monitoring/statistics sink as an external
// collaborator, referenced only by interface) and a concrete Prometheus
// implementation, grounded on the storage-node example's
// internal/metrics/prometheus.go.
package metrics

import "time"

// Sink is the interface the Network Poller, Work Pool, and Backpressure
// Controller report into. A nil-safe Noop implementation is used when no
// sink is configured.
type Sink interface {
	QueueDepth(pool string, depth int)
	AcceptTotal()
	BytesIn(n int)
	BytesOut(n int)
	StallCount(conn string, count int)
	Backpressure(blocked bool)
	RequestDuration(pool string, d time.Duration)
}

// Noop discards everything; it is the default Sink when none is wired in.
type Noop struct{}

func (Noop) QueueDepth(string, int)            {}
func (Noop) AcceptTotal()                      {}
func (Noop) BytesIn(int)                       {}
func (Noop) BytesOut(int)                      {}
func (Noop) StallCount(string, int)            {}
func (Noop) Backpressure(bool)                 {}
func (Noop) RequestDuration(string, time.Duration) {}
