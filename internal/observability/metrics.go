package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Metrics collects Prometheus metrics for the dispatch core and the HTTP
// surface. A nil *Metrics is valid and records nothing, so components can
// carry an optional metrics handle without nil checks at every call site.
type Metrics struct {
	// TriggerCounter counts inbound triggers.
	// Labels: platform, source (user|injected)
	TriggerCounter *prometheus.CounterVec

	// InterruptCounter counts preemptive interrupts of in-flight turns.
	// Labels: platform
	InterruptCounter *prometheus.CounterVec

	// TurnDuration measures completed turn duration in seconds.
	// Labels: platform, status (success|error)
	TurnDuration *prometheus.HistogramVec

	// ActiveSessions gauges live session actors.
	// Labels: platform
	ActiveSessions *prometheus.GaugeVec

	// ErrorCounter counts errors by component and type.
	// Labels: component (actor|dispatcher|taskapi|store), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestCounter counts task API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TriggerCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_triggers_total",
			Help: "Inbound triggers by platform and source.",
		}, []string{"platform", "source"}),
		InterruptCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_interrupts_total",
			Help: "Preemptive interrupts of in-flight turns.",
		}, []string{"platform"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_turn_duration_seconds",
			Help:    "Completed agent turn duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"platform", "status"}),
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switchboard_active_sessions",
			Help: "Live session actors.",
		}, []string{"platform"}),
		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_errors_total",
			Help: "Errors by component and type.",
		}, []string{"component", "error_type"}),
		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Task API requests.",
		}, []string{"method", "path", "status_code"}),
	}
}

// RecordTrigger counts one inbound trigger.
func (m *Metrics) RecordTrigger(platform models.Platform, source models.TriggerSource) {
	if m == nil {
		return
	}
	m.TriggerCounter.WithLabelValues(string(platform), string(source)).Inc()
}

// RecordInterrupt counts one preemptive interrupt.
func (m *Metrics) RecordInterrupt(platform models.Platform) {
	if m == nil {
		return
	}
	m.InterruptCounter.WithLabelValues(string(platform)).Inc()
}

// RecordTurn records a completed turn and its duration.
func (m *Metrics) RecordTurn(platform models.Platform, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(string(platform), status).Observe(elapsed.Seconds())
}

// SetActiveSessions updates the live-session gauge for a platform.
func (m *Metrics) SetActiveSessions(platform models.Platform, n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(string(platform)).Set(float64(n))
}

// RecordError counts one error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest counts one task API request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
}
