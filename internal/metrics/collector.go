// Package metrics exposes dialect pool state and HTTP traffic to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/koustreak/pgdialect/internal/dialect"
)

// StateSource is anything that reports a dialect state snapshot.
type StateSource interface {
	ID() string
	State() dialect.State
}

// PoolCollector reads the state of every registered source at scrape time.
type PoolCollector struct {
	sources []StateSource

	connections *prometheus.Desc
	inUse       *prometheus.Desc
	pending     *prometheus.Desc
}

// NewPoolCollector returns a collector over sources. Register it with a
// prometheus.Registerer.
func NewPoolCollector(namespace string, sources ...StateSource) *PoolCollector {
	labels := []string{"pool_id"}
	return &PoolCollector{
		sources: sources,
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "connections"),
			"Number of open pool connections",
			labels, nil,
		),
		inUse: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "connections_in_use"),
			"Number of pool connections checked out",
			labels, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "pending_statements"),
			"Number of executed statements awaiting commit or rollback",
			labels, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.inUse
	ch <- c.pending
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		st := src.State()
		id := src.ID()
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(st.Connection.Count), id)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.Connection.InUse), id)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Pending), id)
	}
}

// HTTPMetrics records requests served by the pgdialect binary.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates the request metrics and registers them with reg.
func NewHTTPMetrics(namespace string, reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration)
	return m
}

// RecordRequest records one served request.
func (m *HTTPMetrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
