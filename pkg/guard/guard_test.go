package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/opgate/opgate/internal/mocks"
	"github.com/opgate/opgate/pkg/classifier"
	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/escalation"
	"github.com/opgate/opgate/pkg/gate"
	"github.com/opgate/opgate/pkg/policy"
	"github.com/opgate/opgate/pkg/session"
	"github.com/opgate/opgate/pkg/telemetry"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// scriptedPrompter answers confirmations with decide. A nil decide, or one
// returning false, blocks until the gate gives up.
type scriptedPrompter struct {
	mu        sync.Mutex
	decide    func(req *gate.Request) (gate.Decision, bool)
	presented []*gate.Request
}

func (p *scriptedPrompter) Present(_ context.Context, req *gate.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presented = append(p.presented, req)
	return nil
}

func (p *scriptedPrompter) Decide(ctx context.Context, req *gate.Request) (gate.Decision, error) {
	if p.decide != nil {
		if d, ok := p.decide(req); ok {
			return d, nil
		}
	}
	<-ctx.Done()
	return gate.Decision{}, ctx.Err()
}

func (p *scriptedPrompter) presentedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.presented)
}

func approve(*gate.Request) (gate.Decision, bool) {
	return gate.Decision{Approved: true, Role: engine.OperatorRole, Actor: "alice"}, true
}

func deny(*gate.Request) (gate.Decision, bool) {
	return gate.Decision{Approved: false, Role: engine.OperatorRole, Actor: "alice", Reason: "not today"}, true
}

type setup struct {
	approvalTimeout time.Duration
	decide          func(req *gate.Request) (gate.Decision, bool)
	detector        escalation.Detector
	policies        PolicyChecker
	limits          map[engine.Provider]RateLimit
	telemetry       *telemetry.Telemetry
}

type harness struct {
	guard       *Guard
	session     *session.Context
	coordinator *escalation.Coordinator
	classifier  *classifier.Classifier
	prompter    *scriptedPrompter
	adapter     *mocks.MockAdapter
}

func testTables() classifier.Tables {
	return classifier.Tables{
		engine.ProviderAWS: {
			Read:  []string{"describe*", "list*", "read-logs"},
			Write: []string{"create*", "delete*", "enable-log-export"},
		},
		engine.ProviderGCP: {
			Read:  []string{"list*"},
			Write: []string{"create*"},
		},
	}
}

func setupGuard(t *testing.T, s setup) *harness {
	t.Helper()
	if s.approvalTimeout == 0 {
		s.approvalTimeout = 2 * time.Second
	}
	tel := s.telemetry
	if tel == nil {
		tel = telemetry.Discard()
	}

	cls, err := classifier.New(testTables(), classifier.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}

	sess := session.New("s-test", nil)
	obs := NewObserver(tel, sess.ID())

	prompter := &scriptedPrompter{decide: s.decide}
	g, err := gate.New(gate.Config{ApprovalTimeout: s.approvalTimeout, LockTimeout: time.Second},
		prompter, testLogger(), gate.WithObserver(obs))
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}

	coord := escalation.New(sess, testLogger(),
		escalation.WithRecorder(sess),
		escalation.WithLearner(cls),
		escalation.WithObserver(obs))

	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(ctrl)
	registry := NewRegistry(s.limits)
	if err := registry.Register(engine.ProviderAWS, adapter); err != nil {
		t.Fatalf("Failed to register adapter: %v", err)
	}

	gd, err := New(Config{Environment: "test", Concurrency: 2}, Deps{
		Classifier:  cls,
		Policies:    s.policies,
		Gate:        g,
		Coordinator: coord,
		Detector:    s.detector,
		Session:     sess,
		Adapters:    registry,
		Telemetry:   s.telemetry,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}

	return &harness{
		guard:       gd,
		session:     sess,
		coordinator: coord,
		classifier:  cls,
		prompter:    prompter,
		adapter:     adapter,
	}
}

func succeed(_ context.Context, op *engine.Operation) (*engine.Result, error) {
	return &engine.Result{Summary: op.Verb + " " + op.Target + " ok"}, nil
}

func operationEntries(s *session.Context) []*engine.Operation {
	var ops []*engine.Operation
	for _, e := range s.Entries() {
		if e.Kind == session.EntryOperation {
			ops = append(ops, e.Operation)
		}
	}
	return ops
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New without components should fail")
	}
}

func TestMutatingDeniedNeverDispatches(t *testing.T) {
	h := setupGuard(t, setup{decide: deny})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete",
		Target:   "bucket-1",
	})
	if !engine.IsDenied(err) {
		t.Fatalf("expected a denial, got %v", err)
	}
	if op.Classification != engine.ClassMutating {
		t.Errorf("classification = %s, want mutating", op.Classification)
	}
	if op.Outcome.Kind != engine.OutcomeDenied {
		t.Errorf("outcome = %s, want denied", op.Outcome.Kind)
	}
	if op.Outcome.ConfirmationStatus != engine.ConfirmationDenied || op.Outcome.ConfirmationID == "" {
		t.Errorf("confirmation not recorded: %+v", op.Outcome)
	}
	if op.Outcome.Stage != engine.StageConfirm {
		t.Errorf("stage = %s, want confirm", op.Outcome.Stage)
	}

	entries := h.session.Entries()
	if len(entries) != 1 {
		t.Fatalf("session has %d entries, want 1", len(entries))
	}
	if entries[0].Operation.ID != op.ID {
		t.Errorf("session entry is %s, want %s", entries[0].Operation.ID, op.ID)
	}
}

func TestReadOnlyDispatchesWithoutConfirmation(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(1)

	op, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "describe",
		Target:   "bucket-1",
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", op.Outcome.Kind)
	}
	if op.Outcome.Result == nil || op.Outcome.Result.Summary != "describe bucket-1 ok" {
		t.Errorf("result not recorded: %+v", op.Outcome.Result)
	}
	if op.Outcome.ConfirmationID != "" {
		t.Errorf("read-only operation has confirmation %s", op.Outcome.ConfirmationID)
	}
	if h.prompter.presentedCount() != 0 {
		t.Error("read-only operation was presented for confirmation")
	}

	ops := operationEntries(h.session)
	if len(ops) != 1 || ops[0].Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("session = %+v, want one succeeded entry", ops)
	}
}

func TestSubmitWithoutTelemetry(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(2)

	gd, err := New(Config{Environment: "test"}, Deps{
		Classifier:  h.classifier,
		Gate:        h.guard.gate,
		Coordinator: h.coordinator,
		Session:     h.session,
		Adapters:    h.guard.adapters,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}

	op, err := gd.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "list",
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", op.Outcome.Kind)
	}

	ops, err := gd.FanOut(context.Background(), engine.ReadOnlyRole, []Request{
		{Provider: engine.ProviderAWS, Service: "s3", Verb: "describe", Target: "bucket-1"},
	})
	if err != nil {
		t.Fatalf("Failed to fan out: %v", err)
	}
	if len(ops) != 1 || ops[0].Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("fan-out = %+v, want one succeeded operation", ops)
	}
}

func TestPrerequisiteEscalationThenResubmit(t *testing.T) {
	detector := escalation.StaticDetector{
		"aws/read-logs": {
			Provider:    engine.ProviderAWS,
			Service:     "logs",
			Verb:        "enable-log-export",
			Description: "enable log export",
		},
	}
	h := setupGuard(t, setup{decide: approve, detector: detector})

	var mu sync.Mutex
	var dispatched []string
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
			mu.Lock()
			dispatched = append(dispatched, op.Verb)
			mu.Unlock()
			return succeed(ctx, op)
		}).Times(2)

	ctx := context.Background()
	readReq := Request{Provider: engine.ProviderAWS, Service: "logs", Verb: "read-logs", Target: "app-group"}

	original, err := h.guard.Submit(ctx, engine.ReadOnlyRole, readReq)
	if !engine.IsEscalation(err) {
		t.Fatalf("expected escalation, got %v", err)
	}
	ticketID := engine.TicketIDFromError(err)
	if ticketID == "" {
		t.Fatal("escalation error carries no ticket id")
	}
	if original.Outcome.Kind != engine.OutcomeEscalated || original.Outcome.TicketID != ticketID {
		t.Errorf("outcome = %+v, want escalated with ticket %s", original.Outcome, ticketID)
	}

	ticket, ok := h.coordinator.Get(ticketID)
	if !ok {
		t.Fatalf("ticket %s not found", ticketID)
	}
	if ticket.Status != engine.TicketOpen {
		t.Errorf("ticket status = %s, want open", ticket.Status)
	}
	want := engine.Capability{Provider: engine.ProviderAWS, Service: "logs", Verb: "enable-log-export", Target: "app-group"}
	if ticket.RequiredCapability.Key() != want.Key() {
		t.Errorf("capability = %s, want %s", ticket.RequiredCapability.Key(), want.Key())
	}

	if _, err := h.guard.Resubmit(ctx, ticketID); !engine.IsInvalidTransition(err) {
		t.Errorf("resubmitting an open ticket should fail, got %v", err)
	}

	if _, err := h.coordinator.Claim(ctx, ticketID, engine.OperatorRole, "alice"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	fix, err := h.guard.Submit(ctx, engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "logs",
		Verb:     "enable-log-export",
		Target:   "app-group",
	})
	if err != nil {
		t.Fatalf("Failed to run the prerequisite: %v", err)
	}
	if _, err := h.coordinator.Resolve(ctx, ticketID, engine.OperatorRole, escalation.Completion{OperationID: fix.ID, Actor: "alice"}); err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	retry, err := h.guard.Resubmit(ctx, ticketID)
	if err != nil {
		t.Fatalf("Failed to resubmit: %v", err)
	}
	if retry.ID == original.ID {
		t.Error("resubmission must be a fresh operation")
	}
	if retry.RetryOf != original.ID || retry.TicketID != ticketID {
		t.Errorf("retry links = (%s, %s), want (%s, %s)", retry.RetryOf, retry.TicketID, original.ID, ticketID)
	}
	if retry.Role != engine.ReadOnlyRole {
		t.Errorf("retry role = %s, want read-only", retry.Role)
	}
	if retry.Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("retry outcome = %s, want succeeded", retry.Outcome.Kind)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 2 || dispatched[0] != "enable-log-export" || dispatched[1] != "read-logs" {
		t.Errorf("dispatched = %v", dispatched)
	}
}

func TestCallerNamedPrerequisite(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	_, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "logs",
		Verb:     "read-logs",
		Target:   "app-group",
		Requires: &engine.Capability{
			Provider: engine.ProviderAWS,
			Service:  "logs",
			Verb:     "enable-log-export",
			Target:   "app-group",
		},
		Justification: "log export is off",
	})
	if !engine.IsEscalation(err) {
		t.Fatalf("expected escalation, got %v", err)
	}
	ticket, _ := h.coordinator.Get(engine.TicketIDFromError(err))
	if ticket.RequiredCapability.Kind != engine.CapabilityPrerequisite {
		t.Errorf("kind = %s, want prerequisite", ticket.RequiredCapability.Kind)
	}
	if ticket.Justification != "log export is off" {
		t.Errorf("justification = %q", ticket.Justification)
	}
}

func TestVagueCapabilityIsDenied(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "logs",
		Verb:     "read-logs",
		Target:   "app-group",
		Requires: &engine.Capability{
			Provider: engine.ProviderAWS,
			Service:  "logs",
			Verb:     "read-logs",
			Target:   "app-group",
		},
	})
	if err == nil {
		t.Fatal("a prerequisite restating the request should be refused")
	}
	if op.Outcome.Kind != engine.OutcomeDenied || op.Outcome.Stage != engine.StageEscalate {
		t.Errorf("outcome = %s at %s, want denied at escalate", op.Outcome.Kind, op.Outcome.Stage)
	}
	if len(h.coordinator.List(escalation.Filter{})) != 0 {
		t.Error("no ticket should have been opened")
	}
}

func TestDryRunNeverDispatches(t *testing.T) {
	h := setupGuard(t, setup{decide: approve})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "create-bucket",
		Target:   "app-logs",
		DryRun:   true,
	})
	if !engine.IsDryRun(err) {
		t.Fatalf("expected dry-run denial, got %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeDryRun {
		t.Errorf("outcome = %s, want %s", op.Outcome.Kind, engine.OutcomeDryRun)
	}
	if h.prompter.presentedCount() != 1 {
		t.Errorf("presented %d times, want 1", h.prompter.presentedCount())
	}
}

func TestApprovalTimeoutExpires(t *testing.T) {
	h := setupGuard(t, setup{approvalTimeout: 50 * time.Millisecond})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete-bucket",
		Target:   "app-logs",
	})
	if !engine.IsExpired(err) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeExpired || op.Outcome.ConfirmationStatus != engine.ConfirmationExpired {
		t.Errorf("outcome = %+v", op.Outcome)
	}
}

func TestCancelledConfirmationIsDenied(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	op, err := h.guard.Submit(ctx, engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete-bucket",
		Target:   "app-logs",
	})
	if !engine.IsDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeDenied {
		t.Errorf("outcome = %s, want denied", op.Outcome.Kind)
	}
}

func TestApprovedMutationsReleaseTheTarget(t *testing.T) {
	h := setupGuard(t, setup{decide: approve})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(2)

	for i := 0; i < 2; i++ {
		op, err := h.guard.Submit(context.Background(), engine.OperatorRole, Request{
			Provider: engine.ProviderAWS,
			Service:  "s3",
			Verb:     "create-bucket",
			Target:   "app-logs",
		})
		if err != nil {
			t.Fatalf("Failed to submit #%d: %v", i, err)
		}
		if op.Outcome.ConfirmationStatus != engine.ConfirmationApproved {
			t.Errorf("confirmation = %s, want approved", op.Outcome.ConfirmationStatus)
		}
	}
}

func TestReadOnlyRoleMutationIsHandedOff(t *testing.T) {
	h := setupGuard(t, setup{decide: approve})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete-bucket",
		Target:   "app-logs",
	})
	if !engine.IsEscalation(err) {
		t.Fatalf("expected escalation, got %v", err)
	}
	if h.prompter.presentedCount() != 0 {
		t.Error("read-only role must never reach the gate")
	}

	ticket, _ := h.coordinator.Get(op.Outcome.TicketID)
	if ticket.RequiredCapability.Kind != engine.CapabilityHandoff {
		t.Errorf("kind = %s, want handoff", ticket.RequiredCapability.Kind)
	}
	if !ticket.RequiredCapability.MatchesOperation(op) {
		t.Errorf("capability %s does not match %s", ticket.RequiredCapability, op)
	}

	if _, err := h.guard.Resubmit(context.Background(), ticket.ID); err == nil {
		t.Error("hand-off tickets are never resubmitted")
	}
}

func TestUnknownVerbIsDisambiguated(t *testing.T) {
	h := setupGuard(t, setup{})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(1)
	ctx := context.Background()

	op, err := h.guard.Submit(ctx, engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "frobnicate",
		Target:   "app-logs",
	})
	if !engine.IsEscalation(err) {
		t.Fatalf("expected escalation, got %v", err)
	}
	if op.Classification != engine.ClassUnknown {
		t.Errorf("classification = %s, want unknown", op.Classification)
	}
	ticketID := op.Outcome.TicketID

	if _, err := h.coordinator.Claim(ctx, ticketID, engine.OperatorRole, "alice"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if _, err := h.coordinator.Resolve(ctx, ticketID, engine.OperatorRole,
		escalation.Completion{Verdict: engine.ClassReadOnly, Actor: "alice"}); err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	retry, err := h.guard.Resubmit(ctx, ticketID)
	if err != nil {
		t.Fatalf("Failed to resubmit: %v", err)
	}
	if retry.Classification != engine.ClassReadOnly || retry.Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("retry = %s/%s, want read-only/succeeded", retry.Classification, retry.Outcome.Kind)
	}
}

func TestAdapterErrorsAreRecordedVerbatim(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"throttled", engine.NewAdapterError(engine.ErrCodeThrottled, "slow down", nil), engine.ErrCodeThrottled},
		{"not found", engine.NewAdapterError(engine.ErrCodeNotFound, "no such bucket", nil), engine.ErrCodeNotFound},
		{"plain error", errors.New("connection reset"), engine.ErrCodeTransient},
		{"cancelled", context.Canceled, engine.ErrCodeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupGuard(t, setup{})
			h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, tt.err).Times(1)

			op, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
				Provider: engine.ProviderAWS,
				Service:  "s3",
				Verb:     "describe-bucket",
				Target:   "app-logs",
			})
			if engine.AdapterCode(err) != tt.wantCode {
				t.Errorf("code = %q, want %q (err %v)", engine.AdapterCode(err), tt.wantCode, err)
			}
			if op.Outcome.Kind != engine.OutcomeFailed {
				t.Errorf("outcome = %s, want failed", op.Outcome.Kind)
			}
			if op.Outcome.Error == nil || op.Outcome.Error.Code != tt.wantCode || op.Outcome.Error.Stage != engine.StageDispatch {
				t.Errorf("error record = %+v", op.Outcome.Error)
			}
		})
	}
}

func TestMissingAdapterIsUnsupported(t *testing.T) {
	h := setupGuard(t, setup{})

	op, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderGCP,
		Service:  "storage",
		Verb:     "list-buckets",
	})
	if engine.AdapterCode(err) != engine.ErrCodeUnsupported {
		t.Fatalf("expected UNSUPPORTED, got %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", op.Outcome.Kind)
	}
}

func TestPolicyDenialStopsBeforeTheGate(t *testing.T) {
	policies, err := policy.NewEngine(testLogger())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}
	h := setupGuard(t, setup{decide: approve, policies: policies})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	op, err := h.guard.Submit(context.Background(), engine.OperatorRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete-bucket",
		Target:   "logs-*",
	})
	if !engine.IsDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if op.Outcome.Stage != engine.StagePolicy {
		t.Errorf("stage = %s, want policy", op.Outcome.Stage)
	}
	if h.prompter.presentedCount() != 0 {
		t.Error("policy-denied operation reached the gate")
	}
}

func TestInvalidRequestsAreRejectedUpFront(t *testing.T) {
	h := setupGuard(t, setup{})

	tests := []struct {
		name string
		role engine.Role
		req  Request
	}{
		{"bad role", engine.Role("root"), Request{Provider: engine.ProviderAWS, Verb: "describe"}},
		{"bad provider", engine.ReadOnlyRole, Request{Provider: "oracle", Verb: "describe"}},
		{"no verb", engine.ReadOnlyRole, Request{Provider: engine.ProviderAWS, Verb: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := h.guard.Submit(context.Background(), tt.role, tt.req)
			if err == nil || op != nil {
				t.Errorf("Submit() = %v, %v; want nil operation and error", op, err)
			}
		})
	}
	if h.session.Len() != 0 {
		t.Errorf("session has %d entries, want 0", h.session.Len())
	}
}

func TestFanOutRefusesMutatingBatch(t *testing.T) {
	h := setupGuard(t, setup{decide: approve})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	_, err := h.guard.FanOut(context.Background(), engine.OperatorRole, []Request{
		{Provider: engine.ProviderAWS, Service: "s3", Verb: "describe", Target: "a"},
		{Provider: engine.ProviderAWS, Service: "s3", Verb: "delete", Target: "b"},
	})
	if err == nil {
		t.Fatal("a batch with a mutation must be refused")
	}
	if h.session.Len() != 0 {
		t.Errorf("session has %d entries, want 0", h.session.Len())
	}
}

func TestFanOutRunsReadsInParallel(t *testing.T) {
	h := setupGuard(t, setup{})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			if op.Target == "missing" {
				return nil, engine.NewAdapterError(engine.ErrCodeNotFound, "no such bucket", nil)
			}
			return succeed(ctx, op)
		}).Times(4)

	targets := []string{"a", "b", "missing", "d"}
	reqs := make([]Request, 0, len(targets))
	for _, target := range targets {
		reqs = append(reqs, Request{Provider: engine.ProviderAWS, Service: "s3", Verb: "describe", Target: target})
	}

	ops, err := h.guard.FanOut(context.Background(), engine.ReadOnlyRole, reqs)
	if engine.AdapterCode(err) != engine.ErrCodeNotFound {
		t.Errorf("joined error = %v, want the NOT_FOUND failure", err)
	}
	if len(ops) != len(targets) {
		t.Fatalf("got %d operations, want %d", len(ops), len(targets))
	}
	for i, op := range ops {
		if op.Target != targets[i] {
			t.Errorf("ops[%d].Target = %s, want %s", i, op.Target, targets[i])
		}
	}
	if ops[2].Outcome.Kind != engine.OutcomeFailed || ops[3].Outcome.Kind != engine.OutcomeSucceeded {
		t.Errorf("one failure must not affect the others: %s, %s", ops[2].Outcome.Kind, ops[3].Outcome.Kind)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds the limit of 2", peak)
	}
	if h.session.Len() != len(targets) {
		t.Errorf("session has %d entries, want %d", h.session.Len(), len(targets))
	}
}

func TestRateLimitWaitIsThrottled(t *testing.T) {
	h := setupGuard(t, setup{limits: map[engine.Provider]RateLimit{
		engine.ProviderAWS: {RPS: 0.001, Burst: 1},
	}})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(succeed).Times(1)

	req := Request{Provider: engine.ProviderAWS, Service: "s3", Verb: "list-buckets"}
	if _, err := h.guard.Submit(context.Background(), engine.ReadOnlyRole, req); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	op, err := h.guard.Submit(ctx, engine.ReadOnlyRole, req)
	if engine.AdapterCode(err) != engine.ErrCodeThrottled {
		t.Fatalf("expected THROTTLED, got %v", err)
	}
	if op.Outcome.Kind != engine.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", op.Outcome.Kind)
	}
}

func TestObserverPublishesEscalationOpened(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, testLogger())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	var mu sync.Mutex
	var opened []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		opened = append(opened, e)
		mu.Unlock()
	}, telemetry.FilterByType(telemetry.EventTypeEscalationOpened))

	h := setupGuard(t, setup{telemetry: tel})
	h.adapter.EXPECT().Execute(gomock.Any(), gomock.Any()).Times(0)

	_, err = h.guard.Submit(context.Background(), engine.ReadOnlyRole, Request{
		Provider: engine.ProviderAWS,
		Service:  "s3",
		Verb:     "delete-bucket",
		Target:   "app-logs",
	})
	if !engine.IsEscalation(err) {
		t.Fatalf("expected escalation, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(opened) != 1 {
		t.Fatalf("got %d escalation.opened events, want 1", len(opened))
	}
	if opened[0].TicketID != engine.TicketIDFromError(err) || opened[0].SessionID != "s-test" {
		t.Errorf("event = %+v", opened[0])
	}
}
