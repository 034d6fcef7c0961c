// Package gate implements the confirmation gate for mutating operations.
//
// Each mutating operation owns exactly one Request that moves through
//
//	draft -> presented -> awaiting_approval -> approved | denied | expired
//
// Only an approved request releases the operation for dispatch. Requests for the
// same target are serialized: at most one may be awaiting approval at a time, and
// the target stays locked until the approved operation has been dispatched.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

// Config holds the gate timeouts.
type Config struct {
	// ApprovalTimeout moves an awaiting request to expired. Required.
	ApprovalTimeout time.Duration

	// LockTimeout bounds the wait for another request on the same target.
	// Zero uses ApprovalTimeout.
	LockTimeout time.Duration
}

// Decision is an external approve or deny event.
type Decision struct {
	Approved bool
	Role     engine.Role
	Actor    string
	Reason   string
}

// Prompter is the human confirmation interface.
type Prompter interface {
	// Present shows the explanation, commands and impact of a request.
	Present(ctx context.Context, req *Request) error

	// Decide blocks until a decision arrives or ctx is done. It must return
	// promptly once ctx is done.
	Decide(ctx context.Context, req *Request) (Decision, error)
}

// Observer is notified after every state transition.
type Observer interface {
	ConfirmationTransition(req *Request, from, to engine.ConfirmationStatus)
}

// Option configures a Gate.
type Option func(*Gate)

// WithObserver registers an observer for state transitions.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		g.observer = o
	}
}

// Gate drives confirmation requests through their state machine.
type Gate struct {
	cfg      Config
	prompter Prompter
	observer Observer
	logger   zerolog.Logger

	mu       sync.Mutex
	requests map[string]*Request

	locks *targetLocks
}

// Authorization is the result of a confirmation. When approved it holds the
// target lock until Release is called.
type Authorization struct {
	Request *Request

	release func()
	once    sync.Once
}

// Approved reports whether the request reached approved.
func (a *Authorization) Approved() bool {
	return a != nil && a.Request != nil && a.Request.Status == engine.ConfirmationApproved
}

// Release frees the target lock. It is safe to call more than once.
func (a *Authorization) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.release != nil {
			a.release()
		}
	})
}

// New creates a gate.
func New(cfg Config, prompter Prompter, logger zerolog.Logger, opts ...Option) (*Gate, error) {
	if cfg.ApprovalTimeout <= 0 {
		return nil, fmt.Errorf("approval timeout must be configured")
	}
	if cfg.LockTimeout < 0 {
		return nil, fmt.Errorf("lock timeout must not be negative")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = cfg.ApprovalTimeout
	}
	if prompter == nil {
		return nil, fmt.Errorf("prompter is required")
	}

	g := &Gate{
		cfg:      cfg,
		prompter: prompter,
		logger:   logger.With().Str("component", "gate").Logger(),
		requests: make(map[string]*Request),
		locks:    newTargetLocks(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize creates the confirmation request for op and drives it to a terminal
// state. A non-nil Authorization is returned whenever a request was created, also
// together with a denial or expiry error; only Approved() authorizations may be
// dispatched, and the caller must Release them afterwards.
func (g *Gate) Authorize(ctx context.Context, op *engine.Operation, proposal Proposal) (*Authorization, error) {
	if op == nil {
		return nil, engine.NewInvalidRequestError("operation is nil", nil).WithStage(engine.StageConfirm)
	}
	if op.Classification != engine.ClassMutating {
		return nil, engine.NewInvalidRequestError(
			fmt.Sprintf("only mutating operations need confirmation, got %s", op.Classification), nil).
			WithStage(engine.StageConfirm).
			WithOperation(op.ID)
	}

	req := g.newRequest(op, proposal)
	logger := g.logger.With().
		Str("confirmation_id", req.ID).
		Str("operation_id", op.ID).
		Str("target", op.TargetKey()).
		Logger()

	if err := g.prompter.Present(ctx, req.Clone()); err != nil {
		logger.Warn().Err(err).Msg("Failed to present confirmation request")
		return g.deny(req, op, fmt.Sprintf("presentation failed: %v", err), nil)
	}
	g.transition(req, engine.ConfirmationPresented, "")

	if op.DryRun {
		logger.Info().Msg("Dry-run request stopped after presentation")
		g.transition(req, engine.ConfirmationDenied, "dry-run")
		return &Authorization{Request: g.snapshot(req)},
			engine.NewDryRunError("dry-run: request presented, nothing executed").
				WithOperation(op.ID).
				WithTarget(op.Target).
				WithDetail("confirmation_id", req.ID)
	}

	release, err := g.acquire(ctx, op.TargetKey())
	if err != nil {
		reason := "cancelled"
		if !errors.Is(err, context.Canceled) {
			reason = fmt.Sprintf("target %s busy: %v", op.TargetKey(), err)
		}
		logger.Warn().Err(err).Msg("Failed to lock target")
		return g.deny(req, op, reason, nil)
	}

	g.mu.Lock()
	req.ExpiresAt = time.Now().Add(g.cfg.ApprovalTimeout)
	g.mu.Unlock()
	g.transition(req, engine.ConfirmationAwaitingApproval, "")
	logger.Info().Dur("timeout", g.cfg.ApprovalTimeout).Msg("Awaiting approval")

	decision, status, reason := g.await(ctx, req)

	g.mu.Lock()
	req.DecidedBy = decision.Actor
	req.DecidedRole = decision.Role
	req.DecidedAt = time.Now()
	g.mu.Unlock()

	switch status {
	case engine.ConfirmationApproved:
		g.transition(req, engine.ConfirmationApproved, reason)
		logger.Info().Str("actor", decision.Actor).Msg("Confirmation approved")
		return &Authorization{Request: g.snapshot(req), release: release}, nil

	case engine.ConfirmationExpired:
		release()
		g.transition(req, engine.ConfirmationExpired, reason)
		logger.Warn().Msg("Confirmation expired")
		return &Authorization{Request: g.snapshot(req)},
			engine.NewConfirmationExpiredError(reason).
				WithOperation(op.ID).
				WithTarget(op.Target).
				WithDetail("confirmation_id", req.ID)

	default:
		logger.Info().Str("actor", decision.Actor).Str("reason", reason).Msg("Confirmation denied")
		return g.deny(req, op, reason, release)
	}
}

// await waits for a decision, the approval timeout or cancellation.
func (g *Gate) await(ctx context.Context, req *Request) (Decision, engine.ConfirmationStatus, string) {
	decideCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		decision Decision
		err      error
	}
	results := make(chan result, 1)
	snapshot := g.snapshot(req)
	go func() {
		d, err := g.prompter.Decide(decideCtx, snapshot)
		results <- result{decision: d, err: err}
	}()

	timer := time.NewTimer(g.cfg.ApprovalTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		switch {
		case res.err != nil:
			if ctx.Err() != nil {
				return res.decision, engine.ConfirmationDenied, "cancelled"
			}
			return res.decision, engine.ConfirmationDenied, fmt.Sprintf("prompter error: %v", res.err)
		case !res.decision.Approved:
			reason := res.decision.Reason
			if reason == "" {
				reason = "denied by approver"
			}
			return res.decision, engine.ConfirmationDenied, reason
		case !res.decision.Role.CanMutate():
			return res.decision, engine.ConfirmationDenied,
				fmt.Sprintf("unauthorized approver: role %q may not approve", res.decision.Role)
		default:
			return res.decision, engine.ConfirmationApproved, res.decision.Reason
		}

	case <-timer.C:
		cancel()
		<-results
		return Decision{}, engine.ConfirmationExpired,
			fmt.Sprintf("no decision within %s", g.cfg.ApprovalTimeout)

	case <-ctx.Done():
		<-results
		return Decision{}, engine.ConfirmationDenied, "cancelled"
	}
}

func (g *Gate) deny(req *Request, op *engine.Operation, reason string, release func()) (*Authorization, error) {
	if release != nil {
		release()
	}
	g.transition(req, engine.ConfirmationDenied, reason)
	return &Authorization{Request: g.snapshot(req)},
		engine.NewConfirmationDeniedError(reason).
			WithOperation(op.ID).
			WithTarget(op.Target).
			WithDetail("confirmation_id", req.ID)
}

func (g *Gate) acquire(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.LockTimeout)
	defer cancel()
	return g.locks.acquire(lockCtx, key)
}

func (g *Gate) newRequest(op *engine.Operation, proposal Proposal) *Request {
	explanation := proposal.Explanation
	if explanation == "" {
		explanation = defaultExplanation(op)
	}

	req := &Request{
		ID:          uuid.New().String(),
		OperationID: op.ID,
		Operation:   op.Clone(),
		Explanation: explanation,
		Commands:    append([]string(nil), proposal.Commands...),
		Impact:      BuildImpact(op),
		Status:      engine.ConfirmationDraft,
		CreatedAt:   time.Now(),
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ConfirmationTransition(req.Clone(), "", engine.ConfirmationDraft)
	}
	return req
}

// transition moves req to next. Illegal edges are programming errors and panic.
func (g *Gate) transition(req *Request, next engine.ConfirmationStatus, reason string) {
	g.mu.Lock()
	from := req.Status
	if !from.CanTransitionTo(next) {
		g.mu.Unlock()
		panic(fmt.Sprintf("gate: illegal confirmation transition %s -> %s", from, next))
	}
	req.Status = next
	if reason != "" {
		req.Reason = reason
	}
	req.History = append(req.History, Transition{From: from, To: next, At: time.Now(), Reason: reason})
	snapshot := req.Clone()
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ConfirmationTransition(snapshot, from, next)
	}
}

func (g *Gate) snapshot(req *Request) *Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return req.Clone()
}

// Get returns a snapshot of a request by id.
func (g *Gate) Get(id string) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// Awaiting returns the requests currently awaiting approval, oldest first.
func (g *Gate) Awaiting() []*Request {
	return g.list(func(r *Request) bool { return r.Status == engine.ConfirmationAwaitingApproval })
}

// Requests returns every request created by the gate, oldest first.
func (g *Gate) Requests() []*Request {
	return g.list(func(*Request) bool { return true })
}

func (g *Gate) list(keep func(*Request) bool) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Request, 0, len(g.requests))
	for _, req := range g.requests {
		if keep(req) {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
