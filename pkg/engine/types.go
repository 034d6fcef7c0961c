package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Operation is a single requested action against one backend.
// Once classified it is immutable except for its terminal Outcome.
type Operation struct {
	// ID is the unique identifier of the operation.
	ID string `json:"id"`

	// SessionID is the session the operation belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Provider is the backend the operation targets.
	Provider Provider `json:"provider"`

	// Service is the provider service (e.g., "s3", "storage", "pods").
	Service string `json:"service"`

	// Verb is the free-form action name (e.g., "describe", "create-bucket").
	Verb string `json:"verb"`

	// Target is the resource identifier the operation acts on.
	Target string `json:"target"`

	// Params are additional string parameters for the adapter.
	Params map[string]string `json:"params,omitempty"`

	// DryRun stops a mutating operation after its request has been presented.
	DryRun bool `json:"dry_run"`

	// Role is the capability token of the requester.
	Role Role `json:"role"`

	// Classification is set exactly once by the classifier.
	Classification Classification `json:"classification"`

	// Risk is derived from Classification when the operation is classified.
	Risk RiskTier `json:"risk"`

	// RetryOf references the operation this one resubmits, if any.
	RetryOf string `json:"retry_of,omitempty"`

	// TicketID references the escalation ticket that allowed a resubmission.
	TicketID string `json:"ticket_id,omitempty"`

	// SubmittedAt is when the request entered the pipeline.
	SubmittedAt time.Time `json:"submitted_at"`

	// Outcome is the terminal outcome; nil while the operation is in flight.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// IsClassified reports whether the classifier has already stamped the operation.
func (o *Operation) IsClassified() bool {
	return o.Classification != ""
}

// IsTerminal reports whether the operation has reached its terminal outcome.
func (o *Operation) IsTerminal() bool {
	return o.Outcome != nil
}

// Finish records the terminal outcome. It fails if an outcome is already set.
func (o *Operation) Finish(outcome *Outcome) error {
	if outcome == nil {
		return NewInvalidRequestError("outcome is nil", nil).WithOperation(o.ID)
	}
	if o.Outcome != nil {
		return NewInvalidTransitionError(
			fmt.Sprintf("operation already terminal with outcome %s", o.Outcome.Kind), nil).
			WithOperation(o.ID)
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}
	o.Outcome = outcome
	return nil
}

// TargetKey identifies the target resource across providers.
func (o *Operation) TargetKey() string {
	return string(o.Provider) + "/" + o.Target
}

// String renders the operation in a compact single-line form.
func (o *Operation) String() string {
	return fmt.Sprintf("%s %s %s %s", o.Provider, o.Service, o.Verb, o.Target)
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Params != nil {
		c.Params = make(map[string]string, len(o.Params))
		for k, v := range o.Params {
			c.Params[k] = v
		}
	}
	if o.Outcome != nil {
		c.Outcome = o.Outcome.Clone()
	}
	return &c
}

// SortedParamKeys returns parameter keys in deterministic order.
func (o *Operation) SortedParamKeys() []string {
	keys := make([]string, 0, len(o.Params))
	for k := range o.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RedactedParams returns the parameters with secret-looking values masked.
func (o *Operation) RedactedParams() map[string]string {
	out := make(map[string]string, len(o.Params))
	for k, v := range o.Params {
		if isSecretKey(k) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"secret", "password", "token", "key"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// Result is the structured payload an adapter returns on success.
type Result struct {
	// Summary is a short human-readable description of what happened.
	Summary string `json:"summary"`

	// Data holds provider-specific structured output.
	Data map[string]interface{} `json:"data,omitempty"`

	// Items holds list output, one map per listed resource.
	Items []map[string]interface{} `json:"items,omitempty"`

	// Duration is how long the adapter call took.
	Duration time.Duration `json:"duration"`
}

// ErrorRecord is the serializable form of an EngineError kept on an Outcome.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

// Outcome is the terminal state of an Operation.
type Outcome struct {
	// Kind is the terminal outcome kind.
	Kind OutcomeKind `json:"kind"`

	// Stage is the pipeline stage that produced the outcome.
	Stage Stage `json:"stage"`

	// Reason explains denials, expiries and escalations.
	Reason string `json:"reason,omitempty"`

	// ConfirmationID references the confirmation request of a mutating operation.
	ConfirmationID string `json:"confirmation_id,omitempty"`

	// ConfirmationStatus is the terminal status of that request.
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status,omitempty"`

	// TicketID references the escalation ticket raised for this operation.
	TicketID string `json:"ticket_id,omitempty"`

	// Result is the adapter result for dispatched operations.
	Result *Result `json:"result,omitempty"`

	// Error is the failure recorded verbatim, if any.
	Error *ErrorRecord `json:"error,omitempty"`

	// CompletedAt is when the outcome became terminal.
	CompletedAt time.Time `json:"completed_at"`
}

// Clone returns a deep copy of the outcome.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := *o
	if o.Error != nil {
		e := *o.Error
		c.Error = &e
	}
	if o.Result != nil {
		r := *o.Result
		if o.Result.Data != nil {
			r.Data = make(map[string]interface{}, len(o.Result.Data))
			for k, v := range o.Result.Data {
				r.Data[k] = v
			}
		}
		if o.Result.Items != nil {
			r.Items = make([]map[string]interface{}, len(o.Result.Items))
			copy(r.Items, o.Result.Items)
		}
		c.Result = &r
	}
	return &c
}

// OutcomeFromError builds a failed outcome carrying the error verbatim.
func OutcomeFromError(kind OutcomeKind, err error) *Outcome {
	out := &Outcome{
		Kind:        kind,
		CompletedAt: time.Now(),
	}
	if err == nil {
		return out
	}
	rec := RecordError(err)
	out.Error = rec
	out.Stage = rec.Stage
	out.Reason = rec.Message
	return out
}
