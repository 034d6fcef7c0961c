package engine

import (
	"fmt"
	"strings"
	"time"
)

// CapabilityKind describes why a ticket was raised.
type CapabilityKind string

const (
	// CapabilityPrerequisite is a mutation that must happen before a read-only goal can succeed.
	CapabilityPrerequisite CapabilityKind = "prerequisite"

	// CapabilityHandoff is a mutation requested by a role that may not mutate.
	CapabilityHandoff CapabilityKind = "handoff"

	// CapabilityDisambiguate asks an operator to classify an unknown verb.
	CapabilityDisambiguate CapabilityKind = "disambiguate"
)

// Validate checks if the capability kind is valid.
func (k CapabilityKind) Validate() error {
	switch k {
	case CapabilityPrerequisite, CapabilityHandoff, CapabilityDisambiguate:
		return nil
	default:
		return fmt.Errorf("invalid capability kind: %q", string(k))
	}
}

// Capability names the specific action an operator must take to resolve a ticket.
type Capability struct {
	Kind        CapabilityKind    `json:"kind"`
	Provider    Provider          `json:"provider"`
	Service     string            `json:"service,omitempty"`
	Verb        string            `json:"verb"`
	Target      string            `json:"target"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Key identifies the capability independent of kind, description and params.
func (c Capability) Key() string {
	return strings.ToLower(strings.Join([]string{
		string(c.Provider),
		strings.TrimSpace(c.Service),
		strings.TrimSpace(c.Verb),
		strings.TrimSpace(c.Target),
	}, "/"))
}

// VerbKey is the verb as a verb table entry: "service:verb" when the
// capability names a service, the bare verb otherwise.
func (c Capability) VerbKey() string {
	verb := strings.ToLower(strings.TrimSpace(c.Verb))
	if svc := strings.ToLower(strings.TrimSpace(c.Service)); svc != "" {
		return svc + ":" + verb
	}
	return verb
}

// String renders the capability as a single actionable line.
func (c Capability) String() string {
	s := string(c.Provider)
	if c.Service != "" {
		s += " " + c.Service
	}
	s += fmt.Sprintf(" %s %s", c.Verb, c.Target)
	if c.Description != "" {
		s += " (" + c.Description + ")"
	}
	return s
}

// MatchesOperation reports whether op performs exactly this capability.
// Service is compared only when the capability names one.
func (c Capability) MatchesOperation(op *Operation) bool {
	if op == nil || op.Provider != c.Provider {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(op.Verb), strings.TrimSpace(c.Verb)) {
		return false
	}
	if strings.TrimSpace(op.Target) != strings.TrimSpace(c.Target) {
		return false
	}
	if c.Service != "" && !strings.EqualFold(strings.TrimSpace(op.Service), strings.TrimSpace(c.Service)) {
		return false
	}
	return true
}

// Clone returns a deep copy of the capability.
func (c Capability) Clone() Capability {
	if c.Params != nil {
		params := make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			params[k] = v
		}
		c.Params = params
	}
	return c
}

// TicketEvent is one recorded transition of a ticket.
type TicketEvent struct {
	From  TicketStatus `json:"from,omitempty"`
	To    TicketStatus `json:"to"`
	Actor string       `json:"actor,omitempty"`
	Role  Role         `json:"role,omitempty"`
	Note  string       `json:"note,omitempty"`
	At    time.Time    `json:"at"`
}

// Ticket is an escalation ticket handed to an operator.
type Ticket struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"session_id,omitempty"`
	OperationID        string       `json:"operation_id"`
	Operation          *Operation   `json:"operation,omitempty"`
	RequiredCapability Capability   `json:"required_capability"`
	Justification      string       `json:"justification"`
	Status             TicketStatus `json:"status"`

	ClaimedBy string `json:"claimed_by,omitempty"`

	// ResolvedBy is the operation id that completed the capability.
	ResolvedBy string `json:"resolved_by,omitempty"`

	// Verdict is the operator classification of a disambiguation ticket.
	Verdict Classification `json:"verdict,omitempty"`

	RejectReason string        `json:"reject_reason,omitempty"`
	History      []TicketEvent `json:"history"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Operation = t.Operation.Clone()
	c.RequiredCapability = t.RequiredCapability.Clone()
	c.History = append([]TicketEvent(nil), t.History...)
	return &c
}
