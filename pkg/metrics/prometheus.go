package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Join results
const (
	JoinAdmitted      = "admitted"
	JoinRejectedFull  = "rejected_full"
	JoinRejectedEnded = "rejected_ended"
	JoinAlreadyJoined = "already_joined"
)

// Metrics holds all Prometheus metrics for the application.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Session Metrics
	callsStartedTotal  *prometheus.CounterVec
	callsFailedTotal   *prometheus.CounterVec
	joinsTotal         *prometheus.CounterVec
	compensationsTotal *prometheus.CounterVec
	sessionsActive     prometheus.Gauge

	// Media Provider Metrics
	mediaRequestsTotal   *prometheus.CounterVec
	mediaRequestDuration *prometheus.HistogramVec
	circuitBreakerState  *prometheus.GaugeVec

	// Call State Metrics
	stateTransitionsTotal *prometheus.CounterVec

	// Redis Metrics
	redisDegradedMode prometheus.Gauge
	redisHealthChecks *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		callsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_started_total",
				Help:        "Total number of sessions started",
				ConstLabels: labels,
			},
			[]string{"session_type"},
		),
		callsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed session operations by stage",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),
		joinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "joins_total",
				Help:        "Join attempts by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		compensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "compensations_total",
				Help:        "Compensating media room deletions by failed stage",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "sessions_active",
				Help:        "Sessions started and not yet ended by this process",
				ConstLabels: labels,
			},
		),

		mediaRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "media_provider_requests_total",
				Help:        "Total number of media provider requests",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		mediaRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "media_provider_duration_seconds",
				Help:        "Media provider request latency in seconds, retries included",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"name"},
		),

		stateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_state_transitions_total",
				Help:        "Call state transition attempts by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		redisDegradedMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.callsStartedTotal,
		m.callsFailedTotal,
		m.joinsTotal,
		m.compensationsTotal,
		m.sessionsActive,
		m.mediaRequestsTotal,
		m.mediaRequestDuration,
		m.circuitBreakerState,
		m.stateTransitionsTotal,
		m.redisDegradedMode,
		m.redisHealthChecks,
	)

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTP Metrics

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Session Metrics

// RecordCallStarted counts a started session and raises the active gauge
func (m *Metrics) RecordCallStarted(sessionType string) {
	if m == nil {
		return
	}
	m.callsStartedTotal.WithLabelValues(sessionType).Inc()
	m.sessionsActive.Inc()
}

// RecordCallEnded lowers the active gauge
func (m *Metrics) RecordCallEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) RecordCallFailure(stage string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordJoin(result string) {
	if m == nil {
		return
	}
	m.joinsTotal.WithLabelValues(result).Inc()
}

// RecordCompensation counts a compensating room deletion triggered by a failure at stage
func (m *Metrics) RecordCompensation(stage string) {
	if m == nil {
		return
	}
	m.compensationsTotal.WithLabelValues(stage).Inc()
}

// Media Provider Metrics

func (m *Metrics) RecordMediaRequest(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mediaRequestsTotal.WithLabelValues(operation, status).Inc()
	m.mediaRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(name).Set(state)
}

// Call State Metrics

func (m *Metrics) RecordStateTransition(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.stateTransitionsTotal.WithLabelValues("accepted").Inc()
		return
	}
	m.stateTransitionsTotal.WithLabelValues("rejected").Inc()
}

// Redis Metrics

func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegradedMode.Set(1)
		return
	}
	m.redisDegradedMode.Set(0)
}

func (m *Metrics) RecordRedisHealthCheck(success bool) {
	if m == nil {
		return
	}
	m.redisHealthChecks.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
