// Package telemetry provides observability for opgate: structured logging
// (zerolog), tracing (OpenTelemetry), metrics (Prometheus) and an event
// publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Metrics.StartMetricsServer(tel.Logger.Zerolog()); err != nil {
//	    return err
//	}
//
// # Logging
//
// Components take a zerolog.Logger and derive their own:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "gate").Logger()
//
// The wrapper adds helpers for the identifiers every log line should carry:
//
//	tel.Logger.WithSessionID(s.ID()).WithOperationID(op.ID).Info("Operation dispatched")
//
// Parameter values are logged through engine.Operation.RedactedParams, never raw.
//
// # Tracing
//
// Spans:
//
//	operation.submit     one per submitted operation
//	confirmation.await   the confirmation gate
//	provider.<verb>      one adapter call
//	escalation.raise     opening a ticket
//
// Exporters: stdout (pretty printed), otlp (gRPC) and none.
//
// # Metrics
//
// All metrics live in the opgate namespace:
//
//	operations_total{provider,classification}
//	outcomes_total{kind}
//	confirmations_total{status}
//	confirmation_wait_seconds
//	awaiting_approval
//	provider_calls_total{provider,verb}
//	provider_call_duration_seconds{provider,verb}
//	provider_errors_total{provider,code}
//	escalations_total{status}
//	policy_denials_total{policy}
//	session_entries_total
//
// A nil or disabled Metrics records nothing, so callers never need to check.
//
// # Events
//
// The publisher buffers events and delivers them in order from one goroutine.
// The CLI subscribes to escalation.opened to tell the user who must act.
package telemetry
