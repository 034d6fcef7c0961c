package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifies a supported backend.
type Provider string

const (
	// ProviderAWS is Amazon Web Services.
	ProviderAWS Provider = "aws"

	// ProviderGCP is Google Cloud Platform.
	ProviderGCP Provider = "gcp"

	// ProviderAzure is Microsoft Azure.
	ProviderAzure Provider = "azure"

	// ProviderKubernetes is a Kubernetes control plane.
	ProviderKubernetes Provider = "kubernetes"

	// ProviderTerraform is an infrastructure-as-code backend.
	ProviderTerraform Provider = "terraform"
)

// Providers returns every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderAWS, ProviderGCP, ProviderAzure, ProviderKubernetes, ProviderTerraform}
}

// Validate checks if the provider is supported.
func (p Provider) Validate() error {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure, ProviderKubernetes, ProviderTerraform:
		return nil
	default:
		return fmt.Errorf("invalid provider: %q", string(p))
	}
}

// ParseProvider normalizes and validates a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Role is the capability token presented by a caller.
// Only OperatorRole may approve a confirmation or resolve an escalation.
type Role string

const (
	// ReadOnlyRole may inspect infrastructure but never mutate it.
	ReadOnlyRole Role = "read-only"

	// OperatorRole may mutate infrastructure after explicit approval.
	OperatorRole Role = "operator"
)

// CanMutate reports whether the role carries mutation authority.
func (r Role) CanMutate() bool {
	return r == OperatorRole
}

// Validate checks if the role is known.
func (r Role) Validate() error {
	switch r {
	case ReadOnlyRole, OperatorRole:
		return nil
	default:
		return fmt.Errorf("invalid role: %q", string(r))
	}
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Classification is the outcome of classifying an operation.
type Classification string

const (
	// ClassReadOnly operations only read state.
	ClassReadOnly Classification = "read-only"

	// ClassMutating operations change state and require confirmation.
	ClassMutating Classification = "mutating"

	// ClassUnknown operations could not be classified and are never treated as safe.
	ClassUnknown Classification = "unknown"
)

// Validate checks if the classification is valid.
func (c Classification) Validate() error {
	switch c {
	case ClassReadOnly, ClassMutating, ClassUnknown:
		return nil
	default:
		return fmt.Errorf("invalid classification: %q", string(c))
	}
}

// ParseClassification normalizes a classification name. Both "readonly" and
// "read-only" are accepted.
func ParseClassification(s string) (Classification, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "readonly" || v == "read" {
		v = string(ClassReadOnly)
	}
	if v == "write" {
		v = string(ClassMutating)
	}
	c := Classification(v)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// RiskTier is the risk level derived from classification.
type RiskTier string

const (
	// RiskLow is assigned to read-only operations.
	RiskLow RiskTier = "low"

	// RiskHigh is assigned to mutating operations.
	RiskHigh RiskTier = "high"

	// RiskCritical is assigned to destructive mutations and to unknown operations.
	RiskCritical RiskTier = "critical"
)

// ConfirmationStatus is the state of a confirmation request.
type ConfirmationStatus string

const (
	// ConfirmationDraft means the request exists but has not been shown.
	ConfirmationDraft ConfirmationStatus = "draft"

	// ConfirmationPresented means explanation, commands and impact were shown.
	ConfirmationPresented ConfirmationStatus = "presented"

	// ConfirmationAwaitingApproval means an explicit prompt is pending.
	ConfirmationAwaitingApproval ConfirmationStatus = "awaiting_approval"

	// ConfirmationApproved releases the operation for dispatch.
	ConfirmationApproved ConfirmationStatus = "approved"

	// ConfirmationDenied stops the operation without dispatch.
	ConfirmationDenied ConfirmationStatus = "denied"

	// ConfirmationExpired means no decision arrived before the timeout.
	ConfirmationExpired ConfirmationStatus = "expired"
)

// confirmationTransitions lists the allowed edges of the confirmation state machine.
// Presented -> Denied covers dry-run, cancellation before the prompt and a busy target.
// Draft -> Denied covers a request that could not be presented.
var confirmationTransitions = map[ConfirmationStatus][]ConfirmationStatus{
	ConfirmationDraft:            {ConfirmationPresented, ConfirmationDenied},
	ConfirmationPresented:        {ConfirmationAwaitingApproval, ConfirmationDenied},
	ConfirmationAwaitingApproval: {ConfirmationApproved, ConfirmationDenied, ConfirmationExpired},
}

// IsTerminal returns true if the status is final.
func (s ConfirmationStatus) IsTerminal() bool {
	return s == ConfirmationApproved || s == ConfirmationDenied || s == ConfirmationExpired
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ConfirmationStatus) CanTransitionTo(next ConfirmationStatus) bool {
	for _, allowed := range confirmationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the confirmation status is valid.
func (s ConfirmationStatus) Validate() error {
	switch s {
	case ConfirmationDraft, ConfirmationPresented, ConfirmationAwaitingApproval,
		ConfirmationApproved, ConfirmationDenied, ConfirmationExpired:
		return nil
	default:
		return fmt.Errorf("invalid confirmation status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ConfirmationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
// The empty string is accepted for read-only outcomes that never had a request.
func (s *ConfirmationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ConfirmationStatus(str)
	if str == "" {
		return nil
	}
	return s.Validate()
}

// TicketStatus is the state of an escalation ticket.
type TicketStatus string

const (
	// TicketOpen means the ticket waits for an operator.
	TicketOpen TicketStatus = "open"

	// TicketHandedOff means an operator claimed the ticket.
	TicketHandedOff TicketStatus = "handed_off"

	// TicketResolved means the required capability was completed.
	TicketResolved TicketStatus = "resolved"

	// TicketRejected means the operator refused the required capability.
	TicketRejected TicketStatus = "rejected"
)

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketOpen:      {TicketHandedOff, TicketRejected},
	TicketHandedOff: {TicketResolved, TicketRejected},
}

// IsTerminal returns true if the ticket status is final.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketResolved || s == TicketRejected
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the ticket status is valid.
func (s TicketStatus) Validate() error {
	switch s {
	case TicketOpen, TicketHandedOff, TicketResolved, TicketRejected:
		return nil
	default:
		return fmt.Errorf("invalid ticket status: %s", s)
	}
}

// OutcomeKind is the terminal kind of an operation.
type OutcomeKind string

const (
	// OutcomeSucceeded means the adapter returned a result.
	OutcomeSucceeded OutcomeKind = "succeeded"

	// OutcomeFailed means the adapter returned an error.
	OutcomeFailed OutcomeKind = "failed"

	// OutcomeDenied means the confirmation or a policy denied the operation.
	OutcomeDenied OutcomeKind = "denied"

	// OutcomeDryRun is the synthetic denial recorded for dry-run requests.
	OutcomeDryRun OutcomeKind = "denied(dry-run)"

	// OutcomeExpired means the confirmation timed out.
	OutcomeExpired OutcomeKind = "expired"

	// OutcomeEscalated means the operation was handed to the escalation coordinator.
	OutcomeEscalated OutcomeKind = "escalated"
)

// Dispatched reports whether the outcome implies an adapter invocation.
func (k OutcomeKind) Dispatched() bool {
	return k == OutcomeSucceeded || k == OutcomeFailed
}

// Stage names the pipeline stage an outcome or error belongs to.
type Stage string

const (
	StageClassify  Stage = "classify"
	StagePolicy    Stage = "policy"
	StageAuthorize Stage = "authorize"
	StageConfirm   Stage = "confirm"
	StageDispatch  Stage = "dispatch"
	StageEscalate  Stage = "escalate"
	StageRecord    Stage = "record"
)
