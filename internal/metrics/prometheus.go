package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is the concrete Sink used in production, following the
// promauto registration style in the storage-node example's
// internal/metrics/prometheus.go.
type Prometheus struct {
	queueDepth   *prometheus.GaugeVec
	acceptTotal  prometheus.Counter
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
	stallCount   *prometheus.GaugeVec
	blocked      prometheus.Gauge
	reqDuration  *prometheus.HistogramVec
}

// NewPrometheus registers and returns a Prometheus sink on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elliptics_pool_queue_depth",
			Help: "Current depth of a work pool queue.",
		}, []string{"pool"}),
		acceptTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "elliptics_accept_total",
			Help: "Total accepted connections.",
		}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "elliptics_bytes_in_total",
			Help: "Total bytes read from peers.",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "elliptics_bytes_out_total",
			Help: "Total bytes written to peers.",
		}),
		stallCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elliptics_conn_stall_count",
			Help: "Current stall counter for a connection.",
		}, []string{"conn"}),
		blocked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elliptics_backpressure_blocked",
			Help: "1 when the backpressure controller is blocking inbound dispatch.",
		}),
		reqDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "elliptics_request_duration_seconds",
			Help: "Time a request spent queued + executing in a work pool.",
		}, []string{"pool"}),
	}
}

func (p *Prometheus) QueueDepth(pool string, depth int) {
	p.queueDepth.WithLabelValues(pool).Set(float64(depth))
}

func (p *Prometheus) AcceptTotal() { p.acceptTotal.Inc() }

func (p *Prometheus) BytesIn(n int)  { p.bytesIn.Add(float64(n)) }
func (p *Prometheus) BytesOut(n int) { p.bytesOut.Add(float64(n)) }

func (p *Prometheus) StallCount(conn string, count int) {
	p.stallCount.WithLabelValues(conn).Set(float64(count))
}

func (p *Prometheus) Backpressure(blocked bool) {
	if blocked {
		p.blocked.Set(1)
	} else {
		p.blocked.Set(0)
	}
}

func (p *Prometheus) RequestDuration(pool string, d time.Duration) {
	p.reqDuration.WithLabelValues(pool).Observe(d.Seconds())
}
