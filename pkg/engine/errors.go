package engine

import (
	"errors"
	"fmt"
)

// ErrorKind represents the classification of an error in the authorization pipeline.
type ErrorKind string

const (
	// ErrorKindClassificationUnknown indicates the operation could not be classified.
	// It is routed to escalation and never treated as safe.
	ErrorKindClassificationUnknown ErrorKind = "classification_unknown"

	// ErrorKindPolicyDenied indicates a guardrail policy blocked the operation.
	ErrorKindPolicyDenied ErrorKind = "policy_denied"

	// ErrorKindConfirmationDenied indicates the approver denied the request,
	// or the request could not reach approval (dry-run, cancellation, busy target).
	ErrorKindConfirmationDenied ErrorKind = "confirmation_denied"

	// ErrorKindConfirmationExpired indicates no decision arrived before the timeout.
	ErrorKindConfirmationExpired ErrorKind = "confirmation_expired"

	// ErrorKindEscalationRequired indicates the operation was handed off to an operator.
	ErrorKindEscalationRequired ErrorKind = "escalation_required"

	// ErrorKindEscalationRejected indicates an operator rejected the escalation ticket.
	ErrorKindEscalationRejected ErrorKind = "escalation_rejected"

	// ErrorKindAdapter indicates the provider adapter failed. Code carries the adapter code.
	ErrorKindAdapter ErrorKind = "adapter"

	// ErrorKindUnauthorized indicates the role lacks authority for the transition.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindInvalidTransition indicates an illegal state machine transition.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindInvalidRequest indicates malformed input.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
)

// Adapter error codes.
const (
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeThrottled        = "THROTTLED"
	ErrCodeTransient        = "TRANSIENT"
	ErrCodeUnsupported      = "UNSUPPORTED"
)

// AdapterCodes returns every adapter error code.
func AdapterCodes() []string {
	return []string{ErrCodePermissionDenied, ErrCodeNotFound, ErrCodeThrottled, ErrCodeTransient, ErrCodeUnsupported}
}

// EngineError represents a classified error with pipeline context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Stage is the pipeline stage that failed.
	Stage Stage `json:"stage"`

	// Code is the adapter error code, if applicable.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// OperationID is the operation being processed when the error occurred.
	OperationID string `json:"operation_id,omitempty"`

	// Target is the resource identifier involved, if applicable.
	Target string `json:"target,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("stage %s: %s [%s]: %s", e.Stage, e.Kind, e.Code, e.Message)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" (target=%s)", e.Target)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, stage Stage, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Err:     err,
	}
}

// NewClassificationUnknownError creates an error for an unclassifiable operation.
func NewClassificationUnknownError(message string) *EngineError {
	return newError(ErrorKindClassificationUnknown, StageClassify, message, nil)
}

// NewPolicyDeniedError creates an error for a guardrail policy violation.
func NewPolicyDeniedError(message string, err error) *EngineError {
	return newError(ErrorKindPolicyDenied, StagePolicy, message, err)
}

// NewConfirmationDeniedError creates an error for a denied confirmation request.
func NewConfirmationDeniedError(message string) *EngineError {
	return newError(ErrorKindConfirmationDenied, StageConfirm, message, nil)
}

// NewConfirmationExpiredError creates an error for a timed-out confirmation request.
func NewConfirmationExpiredError(message string) *EngineError {
	return newError(ErrorKindConfirmationExpired, StageConfirm, message, nil)
}

// NewDryRunError creates the synthetic denial recorded for dry-run requests.
func NewDryRunError(message string) *EngineError {
	return newError(ErrorKindConfirmationDenied, StageConfirm, message, nil).WithDetail("dry_run", true)
}

// NewEscalationRequiredError creates an error reporting that a ticket was raised.
func NewEscalationRequiredError(message, ticketID string) *EngineError {
	return newError(ErrorKindEscalationRequired, StageEscalate, message, nil).WithDetail("ticket_id", ticketID)
}

// NewEscalationRejectedError creates an error for a rejected escalation ticket.
func NewEscalationRejectedError(message string) *EngineError {
	return newError(ErrorKindEscalationRejected, StageEscalate, message, nil)
}

// NewAdapterError creates an error for a provider adapter failure with the given code.
func NewAdapterError(code, message string, err error) *EngineError {
	return newError(ErrorKindAdapter, StageDispatch, message, err).WithCode(code)
}

// NewUnauthorizedError creates an error for a role lacking authority.
func NewUnauthorizedError(stage Stage, message string) *EngineError {
	return newError(ErrorKindUnauthorized, stage, message, nil)
}

// NewInvalidTransitionError creates an error for an illegal state transition.
func NewInvalidTransitionError(message string, err error) *EngineError {
	return newError(ErrorKindInvalidTransition, StageRecord, message, err)
}

// NewInvalidRequestError creates an error for malformed input.
func NewInvalidRequestError(message string, err error) *EngineError {
	return newError(ErrorKindInvalidRequest, StageClassify, message, err)
}

// WithStage overrides the stage of an error.
func (e *EngineError) WithStage(stage Stage) *EngineError {
	e.Stage = stage
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operationID string) *EngineError {
	e.OperationID = operationID
	return e
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) (ErrorKind, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsDenied returns true if the error is a confirmation or policy denial.
func IsDenied(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == ErrorKindConfirmationDenied || k == ErrorKindPolicyDenied)
}

// IsDryRun returns true if the error is the synthetic dry-run denial.
func IsDryRun(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) || e.Details == nil {
		return false
	}
	v, _ := e.Details["dry_run"].(bool)
	return v
}

// IsExpired returns true if the error is a confirmation timeout.
func IsExpired(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindConfirmationExpired
}

// IsAdapterError returns true if the error came from a provider adapter.
func IsAdapterError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindAdapter
}

// IsEscalation returns true if the error reports a raised or rejected escalation.
func IsEscalation(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == ErrorKindEscalationRequired || k == ErrorKindEscalationRejected ||
		k == ErrorKindClassificationUnknown)
}

// IsUnauthorized returns true if the error reports a role lacking authority.
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindUnauthorized
}

// IsInvalidTransition returns true if the error reports an illegal transition.
func IsInvalidTransition(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindInvalidTransition
}

// AdapterCode returns the adapter code carried by err, or "" if err is not an adapter error.
func AdapterCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Kind == ErrorKindAdapter {
		return e.Code
	}
	return ""
}

// TicketIDFromError returns the ticket id attached to an escalation error, if any.
func TicketIDFromError(err error) string {
	var e *EngineError
	if !errors.As(err, &e) || e.Details == nil {
		return ""
	}
	id, _ := e.Details["ticket_id"].(string)
	return id
}

// RecordError converts any error into the record stored on an Outcome.
// Errors outside the taxonomy are recorded as adapter errors with code TRANSIENT.
func RecordError(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return &ErrorRecord{
			Kind:    e.Kind,
			Stage:   e.Stage,
			Code:    e.Code,
			Message: err.Error(),
		}
	}
	return &ErrorRecord{
		Kind:    ErrorKindAdapter,
		Stage:   StageDispatch,
		Code:    ErrCodeTransient,
		Message: err.Error(),
	}
}
