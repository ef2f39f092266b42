// Package metrics holds the Prometheus instruments for sockd.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the server.
type Collector struct {
	Registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	wsActive         prometheus.Gauge
	wsMessagesTotal  *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	connsAccepted    prometheus.Counter
	connsRejected    *prometheus.CounterVec
	pgQueriesTotal   *prometheus.CounterVec
	pgQueryDuration  prometheus.Histogram
	pgHealthy        prometheus.Gauge
}

// New creates and registers all metrics on a private registry. Each call
// creates an independent registry, so tests and reloads never conflict.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_requests_total",
				Help: "HTTP requests served, by route, method, and status",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sockd_request_duration_seconds",
				Help:    "Handler latency in seconds, by route",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
			},
			[]string{"route"},
		),
		wsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sockd_websocket_connections_active",
				Help: "Open WebSocket connections",
			},
		),
		wsMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_websocket_messages_total",
				Help: "WebSocket messages, by direction",
			},
			[]string{"direction"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_rate_limited_total",
				Help: "Requests rejected by the sliding-window limiter, by route",
			},
			[]string{"route"},
		),
		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_cache_hits_total",
				Help: "Result-cache hits, by route and strategy",
			},
			[]string{"route", "strategy"},
		),
		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_cache_misses_total",
				Help: "Result-cache misses, by route and strategy",
			},
			[]string{"route", "strategy"},
		),
		connsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sockd_connections_accepted_total",
				Help: "TCP connections accepted by the request engine",
			},
		),
		connsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_connections_rejected_total",
				Help: "TCP connections dropped before dispatch, by reason",
			},
			[]string{"reason"},
		),
		pgQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockd_pg_queries_total",
				Help: "Queries issued by the PostgreSQL driver, by outcome",
			},
			[]string{"status"},
		),
		pgQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sockd_pg_query_duration_seconds",
				Help:    "PostgreSQL simple-query latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		pgHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sockd_pg_healthy",
				Help: "Whether the configured PostgreSQL backend is reachable (1=healthy)",
			},
		),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.wsActive,
		c.wsMessagesTotal,
		c.rateLimitedTotal,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.connsAccepted,
		c.connsRejected,
		c.pgQueriesTotal,
		c.pgQueryDuration,
		c.pgHealthy,
	)
	return c
}

// RequestServed records one completed HTTP exchange.
func (c *Collector) RequestServed(route, method string, status int, dur time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// WSOpened marks a WebSocket connection as open.
func (c *Collector) WSOpened() { c.wsActive.Inc() }

// WSClosed marks a WebSocket connection as closed.
func (c *Collector) WSClosed() { c.wsActive.Dec() }

// WSMessage counts one message in the given direction ("in" or "out").
func (c *Collector) WSMessage(direction string) {
	c.wsMessagesTotal.WithLabelValues(direction).Inc()
}

// RateLimited counts a rejection by the sliding-window limiter.
func (c *Collector) RateLimited(route string) {
	c.rateLimitedTotal.WithLabelValues(route).Inc()
}

// CacheHit counts a result-cache hit.
func (c *Collector) CacheHit(route, strategy string) {
	c.cacheHitsTotal.WithLabelValues(route, strategy).Inc()
}

// CacheMiss counts a result-cache miss.
func (c *Collector) CacheMiss(route, strategy string) {
	c.cacheMissesTotal.WithLabelValues(route, strategy).Inc()
}

// ConnAccepted counts an accepted TCP connection.
func (c *Collector) ConnAccepted() { c.connsAccepted.Inc() }

// ConnRejected counts a connection dropped before dispatch.
func (c *Collector) ConnRejected(reason string) {
	c.connsRejected.WithLabelValues(reason).Inc()
}

// PGQuery records one driver query with its outcome.
func (c *Collector) PGQuery(status string, dur time.Duration) {
	c.pgQueriesTotal.WithLabelValues(status).Inc()
	c.pgQueryDuration.Observe(dur.Seconds())
}

// SetPGHealthy publishes the health checker's verdict.
func (c *Collector) SetPGHealthy(healthy bool) {
	if healthy {
		c.pgHealthy.Set(1)
	} else {
		c.pgHealthy.Set(0)
	}
}
