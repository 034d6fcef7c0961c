// Package escalation coordinates hand-off of work outside the requesting role's
// authority.
//
// Tickets move open -> handed_off -> resolved | rejected. Only the operator role
// may claim, resolve or reject a ticket, and a ticket resolves only when the
// operation that completed its required capability can be found in the ledger.
package escalation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/session"
)

// Recorder appends ticket snapshots to the session log.
type Recorder interface {
	RecordTicket(t *engine.Ticket) (session.Entry, error)
}

// Learner receives operator verdicts for unknown verbs.
type Learner interface {
	Teach(role engine.Role, provider engine.Provider, verb string, class engine.Classification) error
}

// TicketStore persists tickets.
type TicketStore interface {
	SaveTicket(ctx context.Context, t *engine.Ticket) error
}

// Observer is notified after every ticket transition.
type Observer interface {
	TicketTransition(t *engine.Ticket, from, to engine.TicketStatus)
}

// Completion reports how an operator completed a ticket.
type Completion struct {
	// OperationID is the operation that performed the required capability.
	OperationID string

	// Verdict classifies the verb of a disambiguation ticket.
	Verdict engine.Classification

	// Actor names the operator.
	Actor string
}

// Resubmission describes the fresh operation that retries a resolved ticket's
// original request.
type Resubmission struct {
	Provider engine.Provider
	Service  string
	Verb     string
	Target   string
	Params   map[string]string
	DryRun   bool
	Role     engine.Role
	RetryOf  string
	TicketID string
}

// Filter selects tickets in List.
type Filter struct {
	Status engine.TicketStatus
	Kind   engine.CapabilityKind
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLearner sets where disambiguation verdicts go.
func WithLearner(t Learner) Option {
	return func(c *Coordinator) { c.learner = t }
}

// WithStore enables write-through persistence of tickets.
func WithStore(s TicketStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithObserver registers an observer for ticket transitions.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithRecorder sets where ticket snapshots are appended.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// Coordinator owns the escalation tickets of a session.
type Coordinator struct {
	ledger   engine.Ledger
	recorder Recorder
	learner  Learner
	store    TicketStore
	observer Observer
	logger   zerolog.Logger

	mu        sync.Mutex
	tickets   map[string]*engine.Ticket
	done      map[string]chan struct{}
	satisfied map[string]string
}

// New creates a coordinator. ledger resolves the operations named in completions.
func New(ledger engine.Ledger, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    ledger,
		logger:    logger.With().Str("component", "escalation").Logger(),
		tickets:   make(map[string]*engine.Ticket),
		done:      make(map[string]chan struct{}),
		satisfied: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Raise opens a ticket for op. The capability must be precise: provider and verb
// are always required, target is required unless the ticket asks for a
// classification, and a prerequisite may not simply restate op.
func (c *Coordinator) Raise(ctx context.Context, op *engine.Operation, capability engine.Capability, justification string) (*engine.Ticket, error) {
	if op == nil {
		return nil, engine.NewInvalidRequestError("operation is nil", nil).WithStage(engine.StageEscalate)
	}
	if err := validateCapability(op, capability); err != nil {
		return nil, err.WithOperation(op.ID)
	}
	if strings.TrimSpace(justification) == "" {
		return nil, engine.NewInvalidRequestError("justification is required", nil).
			WithStage(engine.StageEscalate).
			WithOperation(op.ID)
	}

	now := time.Now()
	t := &engine.Ticket{
		ID:                 uuid.New().String(),
		SessionID:          op.SessionID,
		OperationID:        op.ID,
		Operation:          op.Clone(),
		RequiredCapability: capability.Clone(),
		Justification:      justification,
		Status:             engine.TicketOpen,
		History: []engine.TicketEvent{
			{To: engine.TicketOpen, Role: op.Role, Note: justification, At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	c.tickets[t.ID] = t
	c.done[t.ID] = make(chan struct{})
	snapshot := t.Clone()
	c.mu.Unlock()

	c.logger.Info().
		Str("ticket_id", t.ID).
		Str("operation_id", op.ID).
		Str("kind", string(capability.Kind)).
		Str("capability", capability.String()).
		Msg("Escalation ticket opened")

	if err := c.publish(ctx, snapshot, "", engine.TicketOpen); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func validateCapability(op *engine.Operation, capability engine.Capability) *engine.EngineError {
	invalid := func(msg string) *engine.EngineError {
		return engine.NewInvalidRequestError("imprecise capability: "+msg, nil).WithStage(engine.StageEscalate)
	}

	if err := capability.Kind.Validate(); err != nil {
		return invalid(err.Error())
	}
	if err := capability.Provider.Validate(); err != nil {
		return invalid(err.Error())
	}
	if strings.TrimSpace(capability.Verb) == "" {
		return invalid("verb is required")
	}
	if capability.Kind != engine.CapabilityDisambiguate && strings.TrimSpace(capability.Target) == "" {
		return invalid("target is required")
	}
	if capability.Kind == engine.CapabilityPrerequisite && capability.MatchesOperation(op) {
		return invalid("prerequisite restates the original request")
	}
	return nil
}

// Claim hands an open ticket to an operator.
func (c *Coordinator) Claim(ctx context.Context, id string, role engine.Role, actor string) (*engine.Ticket, error) {
	if !role.CanMutate() {
		return nil, engine.NewUnauthorizedError(engine.StageEscalate,
			fmt.Sprintf("role %q may not claim tickets", role))
	}
	return c.transition(ctx, id, engine.TicketHandedOff, engine.TicketEvent{Actor: actor, Role: role},
		func(t *engine.Ticket) error {
			t.ClaimedBy = actor
			return nil
		})
}

// Resolve completes a handed-off ticket. Only the actor that claimed the ticket
// may resolve it. A disambiguation ticket needs a verdict, which is taught to
// the classifier. Any other ticket needs the id of a successful mutating
// operation, run by the operator role after the ticket was opened, that
// performed the required capability.
func (c *Coordinator) Resolve(ctx context.Context, id string, role engine.Role, completion Completion) (*engine.Ticket, error) {
	if !role.CanMutate() {
		return nil, engine.NewUnauthorizedError(engine.StageEscalate,
			fmt.Sprintf("role %q may not resolve tickets", role))
	}

	ev := engine.TicketEvent{Actor: completion.Actor, Role: role}
	t, err := c.transition(ctx, id, engine.TicketResolved, ev, func(t *engine.Ticket) error {
		if t.ClaimedBy != "" && completion.Actor != t.ClaimedBy {
			return engine.NewUnauthorizedError(engine.StageEscalate,
				fmt.Sprintf("ticket is claimed by %q, not %q", t.ClaimedBy, completion.Actor))
		}
		capability := t.RequiredCapability

		if capability.Kind == engine.CapabilityDisambiguate {
			if completion.Verdict != engine.ClassReadOnly && completion.Verdict != engine.ClassMutating {
				return engine.NewInvalidRequestError(
					fmt.Sprintf("disambiguation needs a %s or %s verdict", engine.ClassReadOnly, engine.ClassMutating), nil).
					WithStage(engine.StageEscalate)
			}
			if c.learner != nil {
				if err := c.learner.Teach(role, capability.Provider, capability.VerbKey(), completion.Verdict); err != nil {
					return err
				}
			}
			t.Verdict = completion.Verdict
			return nil
		}

		if err := c.verifyCompletion(t, completion.OperationID); err != nil {
			return err
		}
		t.ResolvedBy = completion.OperationID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.RequiredCapability.Kind != engine.CapabilityDisambiguate {
		c.mu.Lock()
		c.satisfied[t.RequiredCapability.Key()] = t.ID
		c.mu.Unlock()
	}
	return t, nil
}

func (c *Coordinator) verifyCompletion(t *engine.Ticket, operationID string) error {
	capability := t.RequiredCapability
	reject := func(msg string) error {
		return engine.NewInvalidRequestError("completion rejected: "+msg, nil).
			WithStage(engine.StageEscalate).
			WithOperation(operationID)
	}

	if operationID == "" {
		return reject("operation id is required")
	}
	if c.ledger == nil {
		return reject("no ledger to verify the completing operation")
	}
	op, ok := c.ledger.Lookup(operationID)
	if !ok {
		return reject("operation not found in the session log")
	}
	if op.Classification != engine.ClassMutating {
		return reject(fmt.Sprintf("operation is %s, not mutating", op.Classification))
	}
	if op.Outcome == nil || op.Outcome.Kind != engine.OutcomeSucceeded {
		return reject("operation did not succeed")
	}
	if !op.Role.CanMutate() {
		return reject(fmt.Sprintf("operation ran as %q", op.Role))
	}
	if op.Outcome.CompletedAt.IsZero() || op.Outcome.CompletedAt.Before(t.CreatedAt) {
		return reject(fmt.Sprintf("operation completed %s, before the ticket was opened at %s",
			op.Outcome.CompletedAt.Format(time.RFC3339), t.CreatedAt.Format(time.RFC3339)))
	}
	if !capability.MatchesOperation(op) {
		return reject(fmt.Sprintf("operation %s does not perform %s", op.String(), capability.String()))
	}
	return nil
}

// Reject refuses a ticket. The reason is reported back to the original caller.
func (c *Coordinator) Reject(ctx context.Context, id string, role engine.Role, actor, reason string) (*engine.Ticket, error) {
	if !role.CanMutate() {
		return nil, engine.NewUnauthorizedError(engine.StageEscalate,
			fmt.Sprintf("role %q may not reject tickets", role))
	}
	if strings.TrimSpace(reason) == "" {
		return nil, engine.NewInvalidRequestError("reject reason is required", nil).WithStage(engine.StageEscalate)
	}
	return c.transition(ctx, id, engine.TicketRejected, engine.TicketEvent{Actor: actor, Role: role, Note: reason},
		func(t *engine.Ticket) error {
			t.RejectReason = reason
			return nil
		})
}

// transition applies mutate and moves the ticket to next under the lock.
func (c *Coordinator) transition(ctx context.Context, id string, next engine.TicketStatus, ev engine.TicketEvent, mutate func(*engine.Ticket) error) (*engine.Ticket, error) {
	c.mu.Lock()
	t, ok := c.tickets[id]
	if !ok {
		c.mu.Unlock()
		return nil, engine.NewInvalidRequestError(fmt.Sprintf("ticket %s not found", id), nil).
			WithStage(engine.StageEscalate)
	}
	from := t.Status
	if !from.CanTransitionTo(next) {
		c.mu.Unlock()
		return nil, engine.NewInvalidTransitionError(
			fmt.Sprintf("ticket %s cannot move from %s to %s", id, from, next), nil).
			WithStage(engine.StageEscalate)
	}

	work := t.Clone()
	if err := mutate(work); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	ev.From = from
	ev.To = next
	ev.At = now
	work.Status = next
	work.UpdatedAt = now
	work.History = append(work.History, ev)
	c.tickets[id] = work
	if next.IsTerminal() {
		close(c.done[id])
	}
	snapshot := work.Clone()
	c.mu.Unlock()

	c.logger.Info().
		Str("ticket_id", id).
		Str("from", string(from)).
		Str("to", string(next)).
		Str("actor", ev.Actor).
		Msg("Escalation ticket transitioned")

	if err := c.publish(ctx, snapshot, from, next); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// publish records, persists and announces a transition.
func (c *Coordinator) publish(ctx context.Context, t *engine.Ticket, from, to engine.TicketStatus) error {
	if c.observer != nil {
		c.observer.TicketTransition(t.Clone(), from, to)
	}
	if c.recorder != nil {
		if _, err := c.recorder.RecordTicket(t); err != nil {
			return fmt.Errorf("failed to record ticket %s: %w", t.ID, err)
		}
	}
	if c.store != nil {
		if err := c.store.SaveTicket(ctx, t); err != nil {
			return fmt.Errorf("failed to save ticket %s: %w", t.ID, err)
		}
	}
	return nil
}

// Resubmit returns the request that retries a resolved ticket's original
// operation. The retry is always a new operation.
func (c *Coordinator) Resubmit(id string) (Resubmission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[id]
	if !ok {
		return Resubmission{}, engine.NewInvalidRequestError(fmt.Sprintf("ticket %s not found", id), nil).
			WithStage(engine.StageEscalate)
	}
	if t.Status != engine.TicketResolved {
		return Resubmission{}, engine.NewInvalidTransitionError(
			fmt.Sprintf("ticket %s is %s, only resolved tickets can be resubmitted", id, t.Status), nil).
			WithStage(engine.StageEscalate)
	}
	op := t.Operation
	if op == nil {
		return Resubmission{}, engine.NewInvalidRequestError(
			fmt.Sprintf("ticket %s has no original operation", id), nil).WithStage(engine.StageEscalate)
	}

	params := make(map[string]string, len(op.Params))
	for k, v := range op.Params {
		params[k] = v
	}
	return Resubmission{
		Provider: op.Provider,
		Service:  op.Service,
		Verb:     op.Verb,
		Target:   op.Target,
		Params:   params,
		DryRun:   op.DryRun,
		Role:     op.Role,
		RetryOf:  op.ID,
		TicketID: t.ID,
	}, nil
}

// Wait blocks until the ticket is terminal. A rejected ticket returns an
// escalation_rejected error carrying the reason.
func (c *Coordinator) Wait(ctx context.Context, id string) (*engine.Ticket, error) {
	c.mu.Lock()
	done, ok := c.done[id]
	c.mu.Unlock()
	if !ok {
		return nil, engine.NewInvalidRequestError(fmt.Sprintf("ticket %s not found", id), nil).
			WithStage(engine.StageEscalate)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	t, _ := c.Get(id)
	if t.Status == engine.TicketRejected {
		return t, engine.NewEscalationRejectedError(t.RejectReason).
			WithOperation(t.OperationID).
			WithDetail("ticket_id", t.ID)
	}
	return t, nil
}

// Satisfied reports whether a resolved ticket completed capability.
func (c *Coordinator) Satisfied(capability engine.Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.satisfied[capability.Key()]
	return ok
}

// Get returns a snapshot of a ticket.
func (c *Coordinator) Get(id string) (*engine.Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns the tickets matching filter, oldest first.
func (c *Coordinator) List(filter Filter) []*engine.Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*engine.Ticket, 0, len(c.tickets))
	for _, t := range c.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && t.RequiredCapability.Kind != filter.Kind {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore loads previously persisted tickets, for example when an operator works
// on tickets from another process. Existing tickets with the same id are kept.
func (c *Coordinator) Restore(tickets []*engine.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range tickets {
		if _, exists := c.tickets[t.ID]; exists {
			continue
		}
		c.tickets[t.ID] = t.Clone()
		done := make(chan struct{})
		if t.Status.IsTerminal() {
			close(done)
		}
		c.done[t.ID] = done
		if t.Status == engine.TicketResolved && t.RequiredCapability.Kind != engine.CapabilityDisambiguate {
			c.satisfied[t.RequiredCapability.Key()] = t.ID
		}
	}
}
