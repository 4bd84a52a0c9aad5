package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting engine metrics.
//
// Built on Prometheus, it tracks:
//   - Event flow through the dispatcher by type and priority
//   - Per-recipient delivery outcomes
//   - Active streaming connections by transport (sse|websocket)
//   - Rate limiting and queue-overflow drops
//   - HTTP API latency
//   - Journal write outcomes
//
// A small set of atomic counters shadows the Prometheus counters so the
// stats endpoint can serve a JSON snapshot without scraping the registry.
type Metrics struct {
	// EventCounter counts dispatched events.
	// Labels: event_type, priority
	EventCounter *prometheus.CounterVec

	// DeliveryCounter counts per-recipient delivery outcomes.
	// Labels: transport (sse|websocket), status (delivered|failed)
	DeliveryCounter *prometheus.CounterVec

	// DispatchDuration measures end-to-end dispatch fan-out latency.
	// Labels: event_type
	// Buckets: 0.0001s .. 1s
	DispatchDuration *prometheus.HistogramVec

	// ActiveConnections is a gauge of live streaming connections.
	// Labels: transport (sse|websocket)
	ActiveConnections *prometheus.GaugeVec

	// DroppedCounter counts events the engine gave up on.
	// Labels: reason (expired|queue_full|no_connection)
	DroppedCounter *prometheus.CounterVec

	// RateLimitedCounter counts publishes rejected by the per-channel limiter.
	// Labels: channel_type
	RateLimitedCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// JournalCounter counts event journal writes.
	// Labels: status (written|dropped|error)
	JournalCounter *prometheus.CounterVec

	dispatched  atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
	rateLimited atomic.Int64
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// A nil registerer falls back to the default registry. Call once per
// registry; duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_events_total",
				Help: "Total number of events dispatched by type and priority",
			},
			[]string{"event_type", "priority"},
		),

		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_deliveries_total",
				Help: "Total per-recipient delivery outcomes by transport and status",
			},
			[]string{"transport", "status"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyweave_dispatch_duration_seconds",
				Help:    "Duration of event dispatch fan-out in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"event_type"},
		),

		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storyweave_active_connections",
				Help: "Current number of live streaming connections by transport",
			},
			[]string{"transport"},
		),

		DroppedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_dropped_events_total",
				Help: "Total number of events dropped by reason",
			},
			[]string{"reason"},
		),

		RateLimitedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_rate_limited_total",
				Help: "Total number of publishes rejected by the channel rate limiter",
			},
			[]string{"channel_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyweave_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		JournalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyweave_journal_writes_total",
				Help: "Total number of event journal writes by status",
			},
			[]string{"status"},
		),
	}
}

// EventDispatched records one dispatched event.
func (m *Metrics) EventDispatched(eventType, priority string, durationSeconds float64) {
	m.EventCounter.WithLabelValues(eventType, priority).Inc()
	m.DispatchDuration.WithLabelValues(eventType).Observe(durationSeconds)
	m.dispatched.Add(1)
}

// EventDelivered records one successful per-recipient delivery.
func (m *Metrics) EventDelivered(transport string) {
	m.DeliveryCounter.WithLabelValues(transport, "delivered").Inc()
	m.delivered.Add(1)
}

// EventDeliveryFailed records one failed per-recipient delivery.
func (m *Metrics) EventDeliveryFailed(transport string) {
	m.DeliveryCounter.WithLabelValues(transport, "failed").Inc()
	m.failed.Add(1)
}

// EventDropped records an event the engine gave up on.
func (m *Metrics) EventDropped(reason string) {
	m.DroppedCounter.WithLabelValues(reason).Inc()
	m.dropped.Add(1)
}

// RateLimited records a publish rejected by the channel limiter.
func (m *Metrics) RateLimited(channelType string) {
	m.RateLimitedCounter.WithLabelValues(channelType).Inc()
	m.rateLimited.Add(1)
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	m.ActiveConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	m.ActiveConnections.WithLabelValues(transport).Dec()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// JournalWrite records an event journal write outcome.
func (m *Metrics) JournalWrite(status string) {
	m.JournalCounter.WithLabelValues(status).Inc()
}

// Counters returns the cumulative dispatch counters for the stats snapshot:
// dispatched, delivered, failed, dropped, rate-limited.
func (m *Metrics) Counters() (dispatched, delivered, failed, dropped, rateLimited int64) {
	return m.dispatched.Load(), m.delivered.Load(), m.failed.Load(), m.dropped.Load(), m.rateLimited.Load()
}
