package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for opgate. A nil *Metrics, or one
// created with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	operations *prometheus.CounterVec
	outcomes   *prometheus.CounterVec

	confirmations    *prometheus.CounterVec
	confirmationWait prometheus.Histogram
	awaitingApproval prometheus.Gauge

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	escalations    *prometheus.CounterVec
	policyDenials  *prometheus.CounterVec
	sessionEntries prometheus.Counter

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of submitted operations by classification",
			},
			[]string{"provider", "classification"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Total number of terminal operation outcomes",
			},
			[]string{"kind"},
		),

		confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmations_total",
				Help:      "Total number of confirmation requests reaching a terminal status",
			},
			[]string{"status"},
		),
		confirmationWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confirmation_wait_seconds",
				Help:      "Time spent awaiting an approval decision",
				Buckets:   buckets,
			},
		),
		awaitingApproval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "awaiting_approval",
				Help:      "Confirmation requests currently awaiting approval",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider adapter calls",
			},
			[]string{"provider", "verb"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "verb"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider adapter errors by code",
			},
			[]string{"provider", "code"},
		),

		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalation ticket transitions by status",
			},
			[]string{"status"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of guardrail policy denials",
			},
			[]string{"policy"},
		),
		sessionEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_entries_total",
				Help:      "Total number of entries appended to session logs",
			},
		),
	}

	registry.MustRegister(
		m.operations,
		m.outcomes,
		m.confirmations,
		m.confirmationWait,
		m.awaitingApproval,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.escalations,
		m.policyDenials,
		m.sessionEntries,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperation counts a classified operation.
func (m *Metrics) RecordOperation(provider, classification string) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(provider, classification).Inc()
}

// RecordOutcome counts a terminal outcome.
func (m *Metrics) RecordOutcome(kind string) {
	if !m.enabled() {
		return
	}
	m.outcomes.WithLabelValues(kind).Inc()
}

// RecordConfirmationTransition tracks the awaiting gauge and terminal statuses.
// waited is the time spent in awaiting_approval when leaving it.
func (m *Metrics) RecordConfirmationTransition(from, to string, terminal bool, waited time.Duration) {
	if !m.enabled() {
		return
	}
	if to == "awaiting_approval" {
		m.awaitingApproval.Inc()
	}
	if from == "awaiting_approval" {
		m.awaitingApproval.Dec()
		m.confirmationWait.Observe(waited.Seconds())
	}
	if terminal {
		m.confirmations.WithLabelValues(to).Inc()
	}
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, verb string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, verb).Inc()
	m.providerDuration.WithLabelValues(provider, verb).Observe(duration.Seconds())
}

// RecordProviderError records a provider error by adapter code.
func (m *Metrics) RecordProviderError(provider, code string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(provider, code).Inc()
}

// RecordEscalation counts a ticket transition.
func (m *Metrics) RecordEscalation(status string) {
	if !m.enabled() {
		return
	}
	m.escalations.WithLabelValues(status).Inc()
}

// RecordPolicyDenial counts a blocking violation of policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if !m.enabled() {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// RecordSessionEntry counts an appended session entry.
func (m *Metrics) RecordSessionEntry() {
	if !m.enabled() {
		return
	}
	m.sessionEntries.Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", m.config.Path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
