package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opgate/opgate/pkg/engine"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing logger.
func NewTelemetryWithLogger(cfg *Config, zlog zerolog.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, NewLoggerFrom(zlog))
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Discard returns telemetry that records nothing.
func Discard() *Telemetry {
	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	return &Telemetry{
		Logger:  NewLoggerFrom(zerolog.Nop()),
		Tracer:  &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName), config: cfg.Tracing},
		Metrics: &Metrics{},
		Events:  &EventPublisher{},
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the event publisher, the tracer and the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// RecordProviderOperation runs fn inside a provider span and records call
// metrics. Failures are counted by adapter code.
func (t *Telemetry) RecordProviderOperation(ctx context.Context, provider, verb string, fn func(ctx context.Context) error) error {
	ctx, span := t.Tracer.StartProviderSpan(ctx, provider, verb)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordProviderCall(provider, verb, timer.Duration())
	if err != nil {
		code := engine.AdapterCode(err)
		if code == "" {
			code = engine.ErrCodeTransient
		}
		t.Metrics.RecordProviderError(provider, code)
		span.SetAttributes(AttrErrorCode.String(code))
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
