// Package metrics records agent transfer activity as Prometheus metrics and
// keeps an HDR histogram of transfer latency for in-process summaries.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adamwoolhether/agenthttp/internal/agent"
)

const (
	histMin     = 1                       // 1µs
	histMax     = int64(time.Hour / 1000) // 1h in µs
	histSigFigs = 3
)

// Collector is an agent observer. It is safe for concurrent use.
type Collector struct {
	submitted prometheus.Counter
	finished  *prometheus.CounterVec
	active    prometheus.Gauge
	duration  prometheus.Histogram
	phases    *prometheus.HistogramVec

	mu        sync.Mutex
	latency   *hdrhistogram.Histogram
	count     int64
	errors    int64
	cancelled int64
	inFlight  int
}

var _ agent.Observer = (*Collector)(nil)

// New creates a collector registering its metrics with reg. A nil reg
// keeps the metrics unregistered.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agenthttp_transfers_submitted_total",
			Help: "Total number of transfers submitted to the agent",
		}),
		finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenthttp_transfers_finished_total",
				Help: "Total number of transfers finished, by result",
			},
			[]string{"result"},
		),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agenthttp_transfers_active",
			Help: "Number of transfers registered with the engine",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agenthttp_transfer_duration_seconds",
			Help:    "Time from registration to completion",
			Buckets: prometheus.DefBuckets,
		}),
		phases: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agenthttp_transfer_phase_seconds",
				Help:    "Time spent in each connection phase",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"phase"},
		),
		latency: hdrhistogram.New(histMin, histMax, histSigFigs),
	}
}

// Submitted implements agent.Observer.
func (c *Collector) Submitted() {
	c.submitted.Inc()
}

// Started implements agent.Observer.
func (c *Collector) Started(active int) {
	c.active.Set(float64(active))

	c.mu.Lock()
	c.inFlight = active
	c.mu.Unlock()
}

// Finished implements agent.Observer.
func (c *Collector) Finished(o agent.Outcome) {
	result := "ok"
	switch {
	case o.Cancelled:
		result = "cancelled"
	case o.Err != nil:
		result = "error"
	}

	c.finished.WithLabelValues(result).Inc()
	c.active.Set(float64(o.Active))

	if o.Duration > 0 {
		c.duration.Observe(o.Duration.Seconds())
	}
	for phase, d := range map[string]time.Duration{
		"dns":        o.Timing.DNS,
		"connect":    o.Timing.Connect,
		"tls":        o.Timing.TLS,
		"first_byte": o.Timing.FirstByte,
	} {
		if d > 0 {
			c.phases.WithLabelValues(phase).Observe(d.Seconds())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.inFlight = o.Active
	switch result {
	case "cancelled":
		c.cancelled++
	case "error":
		c.errors++
	}
	if o.Duration > 0 {
		// RecordValue only fails for values out of range; clamp instead.
		_ = c.latency.RecordValue(min(max(o.Duration.Microseconds(), histMin), histMax))
	}
}

// Snapshot summarises the transfers finished so far.
type Snapshot struct {
	Finished  int64
	Errors    int64
	Cancelled int64
	Active    int

	Min  time.Duration
	Mean time.Duration
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Snapshot returns the current summary.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Finished:  c.count,
		Errors:    c.errors,
		Cancelled: c.cancelled,
		Active:    c.inFlight,
	}
	if c.latency.TotalCount() == 0 {
		return s
	}

	s.Min = micros(c.latency.Min())
	s.Mean = time.Duration(c.latency.Mean() * float64(time.Microsecond))
	s.P50 = micros(c.latency.ValueAtQuantile(50))
	s.P90 = micros(c.latency.ValueAtQuantile(90))
	s.P99 = micros(c.latency.ValueAtQuantile(99))
	s.Max = micros(c.latency.Max())

	return s
}

// Reset clears the latency histogram and counts. Prometheus metrics keep
// their totals.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latency.Reset()
	c.count, c.errors, c.cancelled = 0, 0, 0
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
