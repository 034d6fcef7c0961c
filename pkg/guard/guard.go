// Package guard runs requests through the full authorization pipeline:
//
//	classify -> policy -> (read-only: prerequisites | mutating: confirmation | unknown: escalate) -> dispatch -> record
//
// Every submitted request ends as exactly one terminal Operation in the session
// log, whatever stage stopped it. Only read-only operations may run in parallel.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opgate/opgate/pkg/classifier"
	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/escalation"
	"github.com/opgate/opgate/pkg/gate"
	"github.com/opgate/opgate/pkg/policy"
	"github.com/opgate/opgate/pkg/session"
	"github.com/opgate/opgate/pkg/telemetry"
)

const defaultConcurrency = 8

// Request is what a caller asks the guard to do.
type Request struct {
	Provider engine.Provider
	Service  string
	Verb     string
	Target   string
	Params   map[string]string
	DryRun   bool

	// Explanation is shown to the approver of a mutating request.
	Explanation string

	// Justification is attached to any ticket this request raises.
	Justification string

	// Requires names a mutation that must have happened before this read-only
	// request can succeed. It is checked in addition to the rule detector.
	Requires *engine.Capability

	RetryOf  string
	TicketID string
}

// Authorizer drives mutating operations through confirmation.
type Authorizer interface {
	Authorize(ctx context.Context, op *engine.Operation, proposal gate.Proposal) (*gate.Authorization, error)
}

// PolicyChecker evaluates guardrail policies.
type PolicyChecker interface {
	Check(ctx context.Context, op *engine.Operation, pctx policy.PolicyContext) (*policy.PolicyResult, error)
}

// Config holds guard settings.
type Config struct {
	// Environment is passed to policies.
	Environment string

	// Concurrency bounds FanOut.
	Concurrency int
}

// Deps are the components a Guard wires together. Policies and Detector are
// optional.
type Deps struct {
	Classifier  *classifier.Classifier
	Policies    PolicyChecker
	Gate        Authorizer
	Coordinator *escalation.Coordinator
	Detector    escalation.Detector
	Session     *session.Context
	Adapters    *Registry
	Telemetry   *telemetry.Telemetry
	Logger      zerolog.Logger
}

// Guard is the single entry point for operations.
type Guard struct {
	cfg         Config
	classifier  *classifier.Classifier
	policies    PolicyChecker
	gate        Authorizer
	coordinator *escalation.Coordinator
	detector    escalation.Detector
	session     *session.Context
	adapters    *Registry
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
}

// New creates a guard.
func New(cfg Config, deps Deps) (*Guard, error) {
	switch {
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("gate is required")
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("escalation coordinator is required")
	case deps.Session == nil:
		return nil, fmt.Errorf("session is required")
	case deps.Adapters == nil:
		return nil, fmt.Errorf("adapter registry is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Discard()
	}

	return &Guard{
		cfg:         cfg,
		classifier:  deps.Classifier,
		policies:    deps.Policies,
		gate:        deps.Gate,
		coordinator: deps.Coordinator,
		detector:    deps.Detector,
		session:     deps.Session,
		adapters:    deps.Adapters,
		tel:         tel,
		logger:      deps.Logger.With().Str("component", "guard").Str("session_id", deps.Session.ID()).Logger(),
	}, nil
}

// Submit runs one request to its terminal outcome and returns the recorded
// Operation. The error describes why the operation did not succeed: a denial,
// expiry, escalation or adapter error. The Operation is nil only when the
// request itself is malformed.
func (g *Guard) Submit(ctx context.Context, role engine.Role, req Request) (*engine.Operation, error) {
	if err := validateRequest(role, req); err != nil {
		return nil, err
	}

	op := &engine.Operation{
		ID:          uuid.New().String(),
		SessionID:   g.session.ID(),
		Provider:    req.Provider,
		Service:     strings.TrimSpace(req.Service),
		Verb:        strings.TrimSpace(req.Verb),
		Target:      strings.TrimSpace(req.Target),
		Params:      copyParams(req.Params),
		DryRun:      req.DryRun,
		Role:        role,
		RetryOf:     req.RetryOf,
		TicketID:    req.TicketID,
		SubmittedAt: time.Now(),
	}

	ctx, span := g.tel.Tracer.StartSubmitSpan(ctx, op.ID, string(op.Provider), op.Verb)
	defer span.End()

	_ = g.tel.Events.Publish(telemetry.Event{
		Type:        telemetry.EventTypeOperationSubmitted,
		Source:      "guard",
		SessionID:   op.SessionID,
		OperationID: op.ID,
		Message:     op.String(),
		Data:        map[string]interface{}{"role": string(role), "dry_run": op.DryRun},
	})

	class, err := g.classifier.ClassifyOperation(op)
	if err != nil {
		return g.finish(ctx, op, engine.OutcomeFromError(engine.OutcomeDenied, err), err)
	}
	g.tel.Metrics.RecordOperation(string(op.Provider), string(class))

	if err := g.checkPolicies(ctx, op); err != nil {
		return g.finish(ctx, op, engine.OutcomeFromError(engine.OutcomeDenied, err), err)
	}

	switch class {
	case engine.ClassReadOnly:
		return g.submitReadOnly(ctx, op, req)

	case engine.ClassMutating:
		if !role.CanMutate() {
			return g.escalate(ctx, op, engine.Capability{
				Kind:        engine.CapabilityHandoff,
				Provider:    op.Provider,
				Service:     op.Service,
				Verb:        op.Verb,
				Target:      op.Target,
				Params:      copyParams(op.Params),
				Description: req.Explanation,
			}, justification(req, fmt.Sprintf("%s role requested mutating %s", role, op)))
		}
		return g.submitMutating(ctx, op, req)

	default:
		return g.escalate(ctx, op, engine.Capability{
			Kind:        engine.CapabilityDisambiguate,
			Provider:    op.Provider,
			Service:     op.Service,
			Verb:        op.Verb,
			Target:      op.Target,
			Description: "classify verb as read-only or mutating",
		}, justification(req, fmt.Sprintf("verb %q is not in the %s verb tables", op.Verb, op.Provider)))
	}
}

// Resubmit retries the original request of a resolved ticket as a new
// operation. Hand-off tickets are completed by the operator's own operation and
// are never resubmitted.
func (g *Guard) Resubmit(ctx context.Context, ticketID string) (*engine.Operation, error) {
	if t, ok := g.coordinator.Get(ticketID); ok && t.RequiredCapability.Kind == engine.CapabilityHandoff {
		return nil, engine.NewInvalidRequestError(
			fmt.Sprintf("ticket %s is a hand-off; the operator's operation already performed it", ticketID), nil).
			WithStage(engine.StageEscalate)
	}

	rs, err := g.coordinator.Resubmit(ticketID)
	if err != nil {
		return nil, err
	}
	return g.Submit(ctx, rs.Role, Request{
		Provider:      rs.Provider,
		Service:       rs.Service,
		Verb:          rs.Verb,
		Target:        rs.Target,
		Params:        rs.Params,
		DryRun:        rs.DryRun,
		Justification: fmt.Sprintf("retry after ticket %s", rs.TicketID),
		RetryOf:       rs.RetryOf,
		TicketID:      rs.TicketID,
	})
}

// FanOut runs read-only requests in parallel, bounded by Config.Concurrency.
// The whole batch is refused before anything runs if any request does not
// classify as read-only. Operations are returned in request order; one failure
// does not cancel the others.
func (g *Guard) FanOut(ctx context.Context, role engine.Role, reqs []Request) ([]*engine.Operation, error) {
	for i, req := range reqs {
		if err := validateRequest(role, req); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if class := g.classifier.Classify(req.Provider, req.Service, req.Verb); class != engine.ClassReadOnly {
			return nil, engine.NewInvalidRequestError(
				fmt.Sprintf("request %d (%s %s) is %s; only read-only operations fan out", i, req.Provider, req.Verb, class), nil)
		}
	}

	ops := make([]*engine.Operation, len(reqs))
	errs := make([]error, len(reqs))

	var eg errgroup.Group
	eg.SetLimit(g.cfg.Concurrency)
	for i := range reqs {
		eg.Go(func() error {
			ops[i], errs[i] = g.Submit(ctx, role, reqs[i])
			return nil
		})
	}
	_ = eg.Wait()

	g.logger.Debug().Int("requests", len(reqs)).Msg("Fan-out finished")
	return ops, errors.Join(errs...)
}

func (g *Guard) checkPolicies(ctx context.Context, op *engine.Operation) error {
	if g.policies == nil {
		return nil
	}
	result, err := g.policies.Check(ctx, op, policy.PolicyContext{
		Environment: g.cfg.Environment,
		Role:        op.Role,
		DryRun:      op.DryRun,
		Timestamp:   time.Now(),
	})
	if result != nil {
		for _, w := range result.Warnings {
			g.logger.Warn().
				Str("operation_id", op.ID).
				Str("policy", w.Policy).
				Msg(w.Message)
		}
	}
	if err == nil {
		return nil
	}

	var violations []policy.PolicyViolation
	if result != nil {
		violations = result.Violations
	}
	if len(violations) == 0 {
		g.tel.Metrics.RecordPolicyDenial("evaluation-error")
	}
	for _, v := range violations {
		g.tel.Metrics.RecordPolicyDenial(v.Policy)
	}
	_ = g.tel.Events.Publish(telemetry.Event{
		Type:        telemetry.EventTypePolicyViolation,
		Source:      "guard",
		SessionID:   op.SessionID,
		OperationID: op.ID,
		Level:       telemetry.EventLevelWarning,
		Message:     err.Error(),
	})
	return err
}

func (g *Guard) submitReadOnly(ctx context.Context, op *engine.Operation, req Request) (*engine.Operation, error) {
	if req.Requires != nil {
		capability := req.Requires.Clone()
		capability.Kind = engine.CapabilityPrerequisite
		if !g.coordinator.Satisfied(capability) {
			return g.escalate(ctx, op, capability,
				justification(req, fmt.Sprintf("%s needs %s first", op, capability)))
		}
	}

	if g.detector != nil {
		capability, why, err := g.detector.Requires(ctx, op.Clone())
		if err != nil {
			ee := engine.NewInvalidRequestError("prerequisite rules failed", err).
				WithStage(engine.StageEscalate).
				WithOperation(op.ID)
			return g.finish(ctx, op, engine.OutcomeFromError(engine.OutcomeDenied, ee), ee)
		}
		if capability != nil && !g.coordinator.Satisfied(*capability) {
			capability.Kind = engine.CapabilityPrerequisite
			if why == "" {
				why = fmt.Sprintf("%s needs %s first", op, capability)
			}
			return g.escalate(ctx, op, *capability, why)
		}
	}

	adapter, err := g.adapters.Adapter(op.Provider)
	if err != nil {
		return g.fail(ctx, op, err, nil)
	}
	return g.dispatch(ctx, op, adapter, nil)
}

func (g *Guard) submitMutating(ctx context.Context, op *engine.Operation, req Request) (*engine.Operation, error) {
	adapter, err := g.adapters.Adapter(op.Provider)
	if err != nil {
		return g.fail(ctx, op, err, nil)
	}

	cctx, span := g.tel.Tracer.StartConfirmationSpan(ctx, op.ID, op.TargetKey())
	auth, err := g.gate.Authorize(cctx, op, gate.Proposal{
		Explanation: req.Explanation,
		Commands:    render(adapter, op),
	})
	if err != nil {
		telemetry.RecordError(span, err)
	}
	span.End()

	if err == nil && !auth.Approved() {
		err = engine.NewConfirmationDeniedError("confirmation did not reach approved").WithOperation(op.ID)
	}
	if err != nil {
		kind := engine.OutcomeDenied
		switch {
		case engine.IsDryRun(err):
			kind = engine.OutcomeDryRun
		case engine.IsExpired(err):
			kind = engine.OutcomeExpired
		}
		out := engine.OutcomeFromError(kind, err)
		if auth != nil && auth.Request != nil {
			out.ConfirmationID = auth.Request.ID
			out.ConfirmationStatus = auth.Request.Status
		}
		return g.finish(ctx, op, out, err)
	}
	defer auth.Release()

	return g.dispatch(ctx, op, adapter, auth.Request)
}

// dispatch calls the adapter exactly once. Adapter errors are recorded
// verbatim; plain errors become TRANSIENT adapter errors.
func (g *Guard) dispatch(ctx context.Context, op *engine.Operation, adapter engine.Adapter, confirmation *gate.Request) (*engine.Operation, error) {
	if err := g.adapters.Wait(ctx, op.Provider); err != nil {
		g.tel.Metrics.RecordProviderError(string(op.Provider), engine.AdapterCode(err))
		return g.fail(ctx, op, withOperation(err, op), confirmation)
	}

	var result *engine.Result
	err := g.tel.RecordProviderOperation(ctx, string(op.Provider), op.Verb, func(ctx context.Context) error {
		start := time.Now()
		res, err := adapter.Execute(ctx, op.Clone())
		if err != nil {
			return withOperation(normalizeAdapterError(err), op)
		}
		if res == nil {
			res = &engine.Result{}
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		result = res
		return nil
	})
	if err != nil {
		return g.fail(ctx, op, err, confirmation)
	}

	out := &engine.Outcome{
		Kind:   engine.OutcomeSucceeded,
		Stage:  engine.StageDispatch,
		Result: result,
	}
	stampConfirmation(out, confirmation)
	return g.finish(ctx, op, out, nil)
}

func (g *Guard) fail(ctx context.Context, op *engine.Operation, err error, confirmation *gate.Request) (*engine.Operation, error) {
	out := engine.OutcomeFromError(engine.OutcomeFailed, err)
	stampConfirmation(out, confirmation)
	return g.finish(ctx, op, out, err)
}

// escalate raises a ticket for op. The operation ends escalated; if no ticket
// could be opened it ends denied.
func (g *Guard) escalate(ctx context.Context, op *engine.Operation, capability engine.Capability, why string) (*engine.Operation, error) {
	ctx, span := g.tel.Tracer.StartEscalationSpan(ctx, op.ID, string(capability.Kind))
	defer span.End()

	t, err := g.coordinator.Raise(ctx, op, capability, why)
	if t == nil {
		telemetry.RecordError(span, err)
		out := engine.OutcomeFromError(engine.OutcomeDenied, err)
		out.Stage = engine.StageEscalate
		return g.finish(ctx, op, out, err)
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("ticket_id", t.ID).Msg("Ticket opened but not fully published")
	}

	ee := engine.NewEscalationRequiredError(
		fmt.Sprintf("%s ticket %s opened: %s", capability.Kind, t.ID, capability), t.ID).
		WithOperation(op.ID).
		WithTarget(op.Target)
	out := engine.OutcomeFromError(engine.OutcomeEscalated, ee)
	out.TicketID = t.ID
	return g.finish(ctx, op, out, ee)
}

// finish stamps the terminal outcome and appends the operation to the session.
func (g *Guard) finish(_ context.Context, op *engine.Operation, out *engine.Outcome, cause error) (*engine.Operation, error) {
	if err := op.Finish(out); err != nil {
		return op, errors.Join(cause, err)
	}
	if _, err := g.session.RecordOperation(op); err != nil {
		cause = errors.Join(cause, fmt.Errorf("failed to record operation: %w", err))
	}

	g.tel.Metrics.RecordOutcome(string(out.Kind))

	level := telemetry.EventLevelInfo
	if !out.Kind.Dispatched() || out.Kind == engine.OutcomeFailed {
		level = telemetry.EventLevelWarning
	}
	_ = g.tel.Events.Publish(telemetry.Event{
		Type:        telemetry.EventTypeOperationCompleted,
		Source:      "guard",
		SessionID:   op.SessionID,
		OperationID: op.ID,
		TicketID:    out.TicketID,
		Level:       level,
		Message:     fmt.Sprintf("%s: %s", op, out.Kind),
		Data:        map[string]interface{}{"stage": string(out.Stage)},
	})

	e := g.logger.Info()
	if cause != nil && out.Kind != engine.OutcomeEscalated {
		e = g.logger.Warn().Err(cause)
	}
	e.Str("operation_id", op.ID).
		Str("provider", string(op.Provider)).
		Str("verb", op.Verb).
		Str("target", op.Target).
		Str("classification", string(op.Classification)).
		Str("outcome", string(out.Kind)).
		Str("stage", string(out.Stage)).
		Interface("params", op.RedactedParams()).
		Msg("Operation finished")
	return op, cause
}

func validateRequest(role engine.Role, req Request) error {
	if err := role.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid role", err)
	}
	if err := req.Provider.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid provider", err)
	}
	if strings.TrimSpace(req.Verb) == "" {
		return engine.NewInvalidRequestError("verb is required", nil)
	}
	return nil
}

func render(adapter engine.Adapter, op *engine.Operation) []string {
	if r, ok := adapter.(engine.CommandRenderer); ok {
		if cmds := r.Render(op.Clone()); len(cmds) > 0 {
			return cmds
		}
	}
	return []string{engine.DefaultCommand(op)}
}

func normalizeAdapterError(err error) error {
	if engine.IsAdapterError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewAdapterError(engine.ErrCodeTransient, "adapter call interrupted", err)
	}
	return engine.NewAdapterError(engine.ErrCodeTransient, "adapter call failed", err)
}

func withOperation(err error, op *engine.Operation) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.OperationID == "" {
		ee.WithOperation(op.ID).WithTarget(op.Target)
	}
	return err
}

func stampConfirmation(out *engine.Outcome, req *gate.Request) {
	if req == nil {
		return
	}
	out.ConfirmationID = req.ID
	out.ConfirmationStatus = req.Status
}

func justification(req Request, fallback string) string {
	if strings.TrimSpace(req.Justification) != "" {
		return req.Justification
	}
	return fallback
}

func copyParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
