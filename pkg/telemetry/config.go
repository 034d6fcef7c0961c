package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for opgate.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `koanf:"service_name" yaml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `koanf:"service_version" yaml:"service_version"`

	// Environment specifies the deployment environment (dev, staging, production).
	Environment string `koanf:"environment" yaml:"environment"`

	Logging LoggingConfig `koanf:"logging" yaml:"logging"`
	Tracing TracingConfig `koanf:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Events  EventsConfig  `koanf:"events" yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `koanf:"level" yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `koanf:"format" yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `koanf:"output" yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `koanf:"caller" yaml:"caller"`

	// TimeFormat specifies the timestamp format (unix, rfc3339).
	TimeFormat string `koanf:"time_format" yaml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `koanf:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `koanf:"sampling_rate" yaml:"sampling_rate"`

	MaxExportBatchSize int           `koanf:"max_export_batch_size" yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `koanf:"export_timeout" yaml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `koanf:"headers" yaml:"headers,omitempty"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `koanf:"insecure" yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `koanf:"listen_address" yaml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `koanf:"path" yaml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `koanf:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64 `koanf:"buckets" yaml:"buckets,omitempty"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `koanf:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often buffered events are delivered.
	FlushInterval time.Duration `koanf:"flush_interval" yaml:"flush_interval"`

	// MaxBatchSize delivers a batch early once it holds this many events.
	MaxBatchSize int `koanf:"max_batch_size" yaml:"max_batch_size"`

	// EnableAsync enables asynchronous event publishing.
	EnableAsync bool `koanf:"async" yaml:"async"`
}

// DefaultConfig returns the telemetry configuration used by the CLI. Logs go to
// stderr so command output on stdout stays clean; tracing and the metrics
// endpoint are off until configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "opgate",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "opgate",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    256,
			FlushInterval: time.Second,
			MaxBatchSize:  32,
			EnableAsync:   true,
		},
	}
}

// ProductionConfig returns a production-oriented configuration.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter needs an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
