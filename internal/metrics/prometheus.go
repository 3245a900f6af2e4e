// Package metrics adapts pool and dispatch telemetry onto Prometheus
// collectors. Registration is opt-in; the client runs with NopStats
// unless a registry is supplied.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ternhq/tern/internal/core/ports"
)

const namespace = "tern"

// Collector implements ports.StatsCollector over Prometheus metrics.
type Collector struct {
	acquires        *prometheus.CounterVec
	acquireWait     *prometheus.HistogramVec
	acquireTimeouts *prometheus.CounterVec
	connsOpened     *prometheus.CounterVec
	connsClosed     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	redirects       *prometheus.CounterVec
	requests        *prometheus.HistogramVec
	keepalivePings  *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquires_total",
			Help: "Connection acquisitions, split by idle hit vs new dial.",
		}, []string{"origin", "source"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_wait_seconds",
			Help:    "Time spent waiting for a connection.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"origin"}),
		acquireTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquire_timeouts_total",
			Help: "Acquisitions abandoned at the waiter deadline.",
		}, []string{"origin"}),
		connsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections_opened_total",
			Help: "Connections opened, by negotiated protocol.",
		}, []string{"origin", "protocol"}),
		connsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections_closed_total",
			Help: "Connections closed, by reason.",
		}, []string{"origin", "reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "retries_total",
			Help: "Retries taken, by decision-table class.",
		}, []string{"origin", "class"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "redirects_total",
			Help: "Redirect hops followed.",
		}, []string{"origin"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "request_duration_seconds",
			Help:    "End-to-end request latency to first response head.",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin", "status"}),
		keepalivePings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "keepalive_pings_total",
			Help: "Keepalive pings sent on idle multiplexed connections.",
		}, []string{"origin", "outcome"}),
	}

	for _, m := range []prometheus.Collector{
		c.acquires, c.acquireWait, c.acquireTimeouts, c.connsOpened,
		c.connsClosed, c.retries, c.redirects, c.requests, c.keepalivePings,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var _ ports.StatsCollector = (*Collector)(nil)

func (c *Collector) RecordAcquire(origin string, idleHit bool, wait time.Duration) {
	source := "dial"
	if idleHit {
		source = "idle"
	}
	c.acquires.WithLabelValues(origin, source).Inc()
	c.acquireWait.WithLabelValues(origin).Observe(wait.Seconds())
}

func (c *Collector) RecordAcquireTimeout(origin string) {
	c.acquireTimeouts.WithLabelValues(origin).Inc()
}

func (c *Collector) RecordConnOpened(origin, protocol string) {
	c.connsOpened.WithLabelValues(origin, protocol).Inc()
}

func (c *Collector) RecordConnClosed(origin, reason string) {
	c.connsClosed.WithLabelValues(origin, reason).Inc()
}

func (c *Collector) RecordRetry(origin, class string) {
	c.retries.WithLabelValues(origin, class).Inc()
}

func (c *Collector) RecordRedirect(origin string) {
	c.redirects.WithLabelValues(origin).Inc()
}

func (c *Collector) RecordRequest(origin string, status int, latency time.Duration) {
	c.requests.WithLabelValues(origin, statusLabel(status)).Observe(latency.Seconds())
}

func (c *Collector) RecordKeepalivePing(origin string, ok bool) {
	outcome := "timeout"
	if ok {
		outcome = "ok"
	}
	c.keepalivePings.WithLabelValues(origin, outcome).Inc()
}

// statusLabel buckets statuses by class to bound cardinality.
func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
