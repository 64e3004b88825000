// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rch_workers_total",
			Help: "Total number of registered workers by health status.",
		},
		[]string{"status"},
	)

	SlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rch_slots_in_use",
			Help: "Reserved slots per worker.",
		},
		[]string{"worker_id"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rch_circuit_state",
			Help: "Circuit breaker state per worker (0=closed, 1=half_open, 2=open).",
		},
		[]string{"worker_id"},
	)

	ClassifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rch_classify_duration_seconds",
			Help:    "Command classification latency by decision.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"decision"},
	)

	ClassifyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rch_classify_decisions_total",
			Help: "Total classification decisions by decision and tier.",
		},
		[]string{"decision", "tier"},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rch_builds_total",
			Help: "Total completed builds by outcome.",
		},
		[]string{"outcome"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rch_build_duration_seconds",
			Help:    "Remote build duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
		[]string{"worker_id"},
	)

	BytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rch_bytes_transferred_total",
			Help: "Bytes transferred during sync/retrieve by direction.",
		},
		[]string{"direction"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rch_queue_depth",
			Help: "Current number of waiters parked in the build queue.",
		},
	)

	QueueTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rch_queue_timeouts_total",
			Help: "Total waiters that expired before a slot became available.",
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rch_probes_total",
			Help: "Total health probes by outcome.",
		},
		[]string{"worker_id", "outcome"},
	)

	FailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rch_fail_open_total",
			Help: "Total fail-open (allow_local) decisions by reason.",
		},
		[]string{"reason"},
	)

	QueueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rch_queue_wait_duration_seconds",
			Help:    "Time a dispatched waiter spent parked in the build queue.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.4min
		},
	)

	WorkerSpeedScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rch_worker_speed_score",
			Help: "Telemetry-derived speed score per worker (0-100).",
		},
		[]string{"worker_id"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		SlotsInUse,
		CircuitState,
		ClassifyDuration,
		ClassifyDecisionsTotal,
		BuildsTotal,
		BuildDuration,
		BytesTransferred,
		QueueDepth,
		QueueTimeoutsTotal,
		ProbesTotal,
		FailOpenTotal,
		QueueWaitDuration,
		WorkerSpeedScore,
	)
}

// Timer measures an elapsed duration for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	d := time.Since(t.start)
	o.Observe(d.Seconds())
	return d
}

// Handler returns the HTTP handler serving text-format metrics for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WriteText renders the registry in text exposition format to w, for
// transports (the control socket) that aren't already serving Handler
// over net/http.
func WriteText(w io.Writer) error {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	_, err := io.Copy(w, rec.Body)
	return err
}
