package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/opgate/opgate/pkg/engine"
)

// Impact summarizes what an approved request will do.
type Impact struct {
	Tier        engine.RiskTier `json:"tier"`
	Destructive bool            `json:"destructive"`
	Summary     string          `json:"summary"`
}

// Transition is one recorded edge of the confirmation state machine.
type Transition struct {
	From   engine.ConfirmationStatus `json:"from"`
	To     engine.ConfirmationStatus `json:"to"`
	At     time.Time                 `json:"at"`
	Reason string                    `json:"reason,omitempty"`
}

// Request is the confirmation request owned by one mutating operation.
type Request struct {
	ID          string                    `json:"id"`
	OperationID string                    `json:"operation_id"`
	Operation   *engine.Operation         `json:"operation"`
	Explanation string                    `json:"explanation"`
	Commands    []string                  `json:"commands"`
	Impact      Impact                    `json:"impact"`
	Status      engine.ConfirmationStatus `json:"status"`
	History     []Transition              `json:"history"`

	// DecidedBy and DecidedRole identify who approved or denied the request.
	DecidedBy   string      `json:"decided_by,omitempty"`
	DecidedRole engine.Role `json:"decided_role,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Operation = r.Operation.Clone()
	c.Commands = append([]string(nil), r.Commands...)
	c.History = append([]Transition(nil), r.History...)
	return &c
}

// AwaitedFor returns how long the request waited for a decision.
func (r *Request) AwaitedFor() time.Duration {
	var start time.Time
	for _, tr := range r.History {
		if tr.To == engine.ConfirmationAwaitingApproval {
			start = tr.At
		}
	}
	if start.IsZero() || r.DecidedAt.IsZero() {
		return 0
	}
	return r.DecidedAt.Sub(start)
}

// Proposal is what the caller wants approved: a human explanation and the literal
// commands that will run.
type Proposal struct {
	Explanation string
	Commands    []string
}

// BuildImpact derives the impact summary of a classified operation.
// Parameter values whose key looks secret are masked in the summary.
func BuildImpact(op *engine.Operation) Impact {
	destructive := op.Classification == engine.ClassMutating && op.Risk == engine.RiskCritical

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s on %s", op.Classification, op.Verb, op.Provider)
	if op.Service != "" {
		fmt.Fprintf(&b, "/%s", op.Service)
	}
	fmt.Fprintf(&b, " target %q", op.Target)
	if destructive {
		b.WriteString(", destructive")
	}

	params := op.RedactedParams()
	if len(params) > 0 {
		parts := make([]string, 0, len(params))
		for _, k := range op.SortedParamKeys() {
			parts = append(parts, k+"="+params[k])
		}
		fmt.Fprintf(&b, " with %s", strings.Join(parts, ", "))
	}

	return Impact{
		Tier:        op.Risk,
		Destructive: destructive,
		Summary:     b.String(),
	}
}

func defaultExplanation(op *engine.Operation) string {
	if op.Service != "" {
		return fmt.Sprintf("Run %s against %s %s resource %s", op.Verb, op.Provider, op.Service, op.Target)
	}
	return fmt.Sprintf("Run %s against %s resource %s", op.Verb, op.Provider, op.Target)
}
