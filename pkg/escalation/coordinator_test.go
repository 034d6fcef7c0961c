package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/opgate/opgate/internal/mocks"
	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/session"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func readLogsOp() *engine.Operation {
	op := &engine.Operation{
		ID:             "op-read",
		Provider:       engine.ProviderAWS,
		Service:        "logs",
		Verb:           "read-logs",
		Target:         "app-group",
		Role:           engine.ReadOnlyRole,
		Classification: engine.ClassReadOnly,
		Risk:           engine.RiskLow,
	}
	return op
}

func logExportCapability() engine.Capability {
	return engine.Capability{
		Kind:        engine.CapabilityPrerequisite,
		Provider:    engine.ProviderAWS,
		Service:     "logs",
		Verb:        "enable-log-export",
		Target:      "app-group",
		Description: "enable log export",
	}
}

// recordCompletion appends a finished operation to the session so it can serve
// as the completion of a ticket.
func recordCompletion(t *testing.T, s *session.Context, id string, role engine.Role, class engine.Classification, kind engine.OutcomeKind) {
	t.Helper()
	op := &engine.Operation{
		ID:             id,
		Provider:       engine.ProviderAWS,
		Service:        "logs",
		Verb:           "enable-log-export",
		Target:         "app-group",
		Role:           role,
		Classification: class,
	}
	if err := op.Finish(&engine.Outcome{Kind: kind}); err != nil {
		t.Fatalf("Failed to finish operation: %v", err)
	}
	if _, err := s.RecordOperation(op); err != nil {
		t.Fatalf("Failed to record operation: %v", err)
	}
}

func setupCoordinator(t *testing.T, opts ...Option) (*Coordinator, *session.Context) {
	t.Helper()
	s := session.New("s-1", nil)
	opts = append([]Option{WithRecorder(s)}, opts...)
	return New(s, testLogger(), opts...), s
}

func TestRaiseValidatesPrecision(t *testing.T) {
	c, _ := setupCoordinator(t)
	op := readLogsOp()

	tests := []struct {
		name       string
		capability engine.Capability
	}{
		{"missing verb", engine.Capability{Kind: engine.CapabilityPrerequisite, Provider: engine.ProviderAWS, Target: "x"}},
		{"missing target", engine.Capability{Kind: engine.CapabilityPrerequisite, Provider: engine.ProviderAWS, Verb: "enable"}},
		{"bad provider", engine.Capability{Kind: engine.CapabilityPrerequisite, Provider: "oracle", Verb: "enable", Target: "x"}},
		{"bad kind", engine.Capability{Kind: "other", Provider: engine.ProviderAWS, Verb: "enable", Target: "x"}},
		{"restates request", engine.Capability{Kind: engine.CapabilityPrerequisite, Provider: engine.ProviderAWS, Service: "logs", Verb: "READ-LOGS", Target: "app-group"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Raise(context.Background(), op, tt.capability, "needed"); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := c.Raise(context.Background(), op, logExportCapability(), " "); err == nil {
		t.Error("expected error for empty justification")
	}
	if len(c.List(Filter{})) != 0 {
		t.Error("no ticket may be created for an invalid request")
	}
}

func TestPrerequisiteLifecycle(t *testing.T) {
	c, s := setupCoordinator(t)
	ctx := context.Background()

	ticket, err := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	if err != nil {
		t.Fatalf("Failed to raise ticket: %v", err)
	}
	if ticket.Status != engine.TicketOpen {
		t.Errorf("status = %s, want open", ticket.Status)
	}

	if _, err := c.Claim(ctx, ticket.ID, engine.ReadOnlyRole, "bob"); !engine.IsUnauthorized(err) {
		t.Errorf("read-only role must not claim, got %v", err)
	}
	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "x"}); !engine.IsInvalidTransition(err) {
		t.Errorf("open ticket must be claimed before resolve, got %v", err)
	}

	claimed, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice")
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if claimed.Status != engine.TicketHandedOff || claimed.ClaimedBy != "alice" {
		t.Errorf("claimed ticket = %+v", claimed)
	}

	if c.Satisfied(logExportCapability()) {
		t.Error("capability must not be satisfied before resolve")
	}

	recordCompletion(t, s, "op-enable", engine.OperatorRole, engine.ClassMutating, engine.OutcomeSucceeded)
	resolved, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-enable", Actor: "alice"})
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if resolved.Status != engine.TicketResolved || resolved.ResolvedBy != "op-enable" {
		t.Errorf("resolved ticket = %+v", resolved)
	}
	if !c.Satisfied(logExportCapability()) {
		t.Error("capability should be satisfied after resolve")
	}

	resub, err := c.Resubmit(ticket.ID)
	if err != nil {
		t.Fatalf("Failed to resubmit: %v", err)
	}
	if resub.RetryOf != "op-read" || resub.TicketID != ticket.ID || resub.Verb != "read-logs" || resub.Role != engine.ReadOnlyRole {
		t.Errorf("resubmission = %+v", resub)
	}

	// Ticket snapshots are appended to the session at each transition.
	var statuses []engine.TicketStatus
	for _, e := range s.Entries() {
		if e.Kind == session.EntryTicket {
			statuses = append(statuses, e.Ticket.Status)
		}
	}
	want := []engine.TicketStatus{engine.TicketOpen, engine.TicketHandedOff, engine.TicketResolved}
	if len(statuses) != len(want) {
		t.Fatalf("ticket entries = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestResolveRequiresValidCompletion(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *session.Context)
		opID  string
	}{
		{"missing operation id", func(*testing.T, *session.Context) {}, ""},
		{"unknown operation", func(*testing.T, *session.Context) {}, "op-x"},
		{"read-only operation", func(t *testing.T, s *session.Context) {
			recordCompletion(t, s, "op-x", engine.OperatorRole, engine.ClassReadOnly, engine.OutcomeSucceeded)
		}, "op-x"},
		{"failed operation", func(t *testing.T, s *session.Context) {
			recordCompletion(t, s, "op-x", engine.OperatorRole, engine.ClassMutating, engine.OutcomeFailed)
		}, "op-x"},
		{"denied operation", func(t *testing.T, s *session.Context) {
			recordCompletion(t, s, "op-x", engine.OperatorRole, engine.ClassMutating, engine.OutcomeDenied)
		}, "op-x"},
		{"ran as read-only role", func(t *testing.T, s *session.Context) {
			recordCompletion(t, s, "op-x", engine.ReadOnlyRole, engine.ClassMutating, engine.OutcomeSucceeded)
		}, "op-x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := setupCoordinator(t)
			ctx := context.Background()
			ticket, err := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
			if err != nil {
				t.Fatalf("Failed to raise: %v", err)
			}
			if _, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice"); err != nil {
				t.Fatalf("Failed to claim: %v", err)
			}
			tt.setup(t, s)

			if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: tt.opID, Actor: "alice"}); err == nil {
				t.Fatal("expected resolve to fail")
			}
			got, _ := c.Get(ticket.ID)
			if got.Status != engine.TicketHandedOff {
				t.Errorf("status = %s, want handed_off", got.Status)
			}
			if c.Satisfied(logExportCapability()) {
				t.Error("capability must not be satisfied")
			}
		})
	}
}

func TestResolveRequiresMatchingCapability(t *testing.T) {
	c, s := setupCoordinator(t)
	ctx := context.Background()
	ticket, _ := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	_, _ = c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice")

	other := &engine.Operation{
		ID:             "op-other",
		Provider:       engine.ProviderAWS,
		Service:        "logs",
		Verb:           "enable-log-export",
		Target:         "other-group",
		Role:           engine.OperatorRole,
		Classification: engine.ClassMutating,
	}
	_ = other.Finish(&engine.Outcome{Kind: engine.OutcomeSucceeded})
	_, _ = s.RecordOperation(other)

	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-other", Actor: "alice"}); err == nil {
		t.Error("completion on another target must not resolve the ticket")
	}
}

func TestRejectAndWait(t *testing.T) {
	c, _ := setupCoordinator(t)
	ctx := context.Background()
	ticket, _ := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.Wait(ctx, ticket.ID)
		waitErr <- err
	}()

	if _, err := c.Reject(ctx, ticket.ID, engine.OperatorRole, "alice", ""); err == nil {
		t.Error("reject needs a reason")
	}
	if _, err := c.Reject(ctx, ticket.ID, engine.ReadOnlyRole, "bob", "no"); !engine.IsUnauthorized(err) {
		t.Errorf("read-only role must not reject, got %v", err)
	}
	if _, err := c.Reject(ctx, ticket.ID, engine.OperatorRole, "alice", "log export costs too much"); err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}

	select {
	case err := <-waitErr:
		if !engine.IsEscalation(err) || err == nil {
			t.Fatalf("expected escalation rejected, got %v", err)
		}
		var rejected bool
		if ee, ok := err.(*engine.EngineError); ok {
			rejected = ee.Kind == engine.ErrorKindEscalationRejected && ee.Message == "log export costs too much"
		}
		if !rejected {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after reject")
	}

	if _, err := c.Resubmit(ticket.ID); err == nil {
		t.Error("rejected ticket must not be resubmitted")
	}
	if _, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice"); !engine.IsInvalidTransition(err) {
		t.Errorf("rejected ticket is terminal, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c, _ := setupCoordinator(t)
	ticket, _ := c.Raise(context.Background(), readLogsOp(), logExportCapability(), "log export is disabled")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx, ticket.ID); err != context.DeadlineExceeded {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

type recordingLearner struct {
	mu      sync.Mutex
	verdict map[string]engine.Classification
}

func (r *recordingLearner) Teach(_ engine.Role, p engine.Provider, verb string, class engine.Classification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verdict == nil {
		r.verdict = make(map[string]engine.Classification)
	}
	r.verdict[string(p)+"/"+verb] = class
	return nil
}

func TestDisambiguationTeaches(t *testing.T) {
	learner := &recordingLearner{}
	c, _ := setupCoordinator(t, WithLearner(learner))
	ctx := context.Background()

	op := &engine.Operation{
		ID:             "op-unknown",
		Provider:       engine.ProviderKubernetes,
		Service:        "pods",
		Verb:           "port-forward",
		Role:           engine.OperatorRole,
		Classification: engine.ClassUnknown,
	}
	ticket, err := c.Raise(ctx, op, engine.Capability{
		Kind:     engine.CapabilityDisambiguate,
		Provider: op.Provider,
		Service:  op.Service,
		Verb:     op.Verb,
	}, "verb port-forward is in neither verb set")
	if err != nil {
		t.Fatalf("Failed to raise: %v", err)
	}
	_, _ = c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice")

	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{Verdict: engine.ClassUnknown, Actor: "alice"}); err == nil {
		t.Error("unknown verdict must be refused")
	}
	resolved, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{Verdict: engine.ClassReadOnly, Actor: "alice"})
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if resolved.Verdict != engine.ClassReadOnly {
		t.Errorf("verdict = %s", resolved.Verdict)
	}
	if learner.verdict["kubernetes/pods:port-forward"] != engine.ClassReadOnly {
		t.Errorf("learner saw %v", learner.verdict)
	}
}

type memoryTicketStore struct {
	mu    sync.Mutex
	saved []engine.TicketStatus
}

func (m *memoryTicketStore) SaveTicket(_ context.Context, t *engine.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, t.Status)
	return nil
}

func TestStoreWriteThroughAndRestore(t *testing.T) {
	store := &memoryTicketStore{}
	c, _ := setupCoordinator(t, WithStore(store))
	ctx := context.Background()

	ticket, _ := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	_, _ = c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice")
	if len(store.saved) != 2 {
		t.Errorf("store saw %v", store.saved)
	}

	// A second coordinator picks up the persisted ticket.
	snapshot, _ := c.Get(ticket.ID)
	other, s2 := setupCoordinator(t)
	other.Restore([]*engine.Ticket{snapshot})

	recordCompletion(t, s2, "op-enable", engine.OperatorRole, engine.ClassMutating, engine.OutcomeSucceeded)
	if _, err := other.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-enable", Actor: "alice"}); err != nil {
		t.Fatalf("Failed to resolve restored ticket: %v", err)
	}
	if !other.Satisfied(logExportCapability()) {
		t.Error("restored coordinator should track satisfied capability")
	}
}

func TestListFilters(t *testing.T) {
	c, _ := setupCoordinator(t)
	ctx := context.Background()

	first, _ := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	handoff := engine.Capability{Kind: engine.CapabilityHandoff, Provider: engine.ProviderAWS, Service: "s3", Verb: "create-bucket", Target: "b"}
	_, _ = c.Raise(ctx, readLogsOp(), handoff, "read-only role asked for a mutation")
	_, _ = c.Claim(ctx, first.ID, engine.OperatorRole, "alice")

	if n := len(c.List(Filter{})); n != 2 {
		t.Errorf("all = %d", n)
	}
	if n := len(c.List(Filter{Status: engine.TicketOpen})); n != 1 {
		t.Errorf("open = %d", n)
	}
	if n := len(c.List(Filter{Kind: engine.CapabilityHandoff})); n != 1 {
		t.Errorf("handoff = %d", n)
	}
}

func TestResolveLooksUpCompletionInLedger(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	ctx := context.Background()

	enable := &engine.Operation{
		ID:             "op-enable-elsewhere",
		Provider:       engine.ProviderAWS,
		Service:        "logs",
		Verb:           "enable-log-export",
		Target:         "app-group",
		Role:           engine.OperatorRole,
		Classification: engine.ClassMutating,
		Outcome:        &engine.Outcome{Kind: engine.OutcomeSucceeded},
	}
	ledger.EXPECT().Lookup("op-missing").Return(nil, false)
	ledger.EXPECT().Lookup("op-enable-elsewhere").DoAndReturn(func(string) (*engine.Operation, bool) {
		enable.Outcome.CompletedAt = time.Now()
		return enable, true
	})

	c := New(ledger, testLogger())
	ticket, err := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	if err != nil {
		t.Fatalf("Failed to raise ticket: %v", err)
	}
	if _, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}

	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-missing", Actor: "alice"}); err == nil {
		t.Fatal("resolve must fail for an operation the ledger does not know")
	}

	resolved, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-enable-elsewhere", Actor: "alice"})
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if resolved.ResolvedBy != "op-enable-elsewhere" {
		t.Errorf("ResolvedBy = %q", resolved.ResolvedBy)
	}
}

func TestResolveRejectsStaleCompletion(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	ctx := context.Background()

	enabledLastMonth := &engine.Operation{
		ID:             "op-old",
		Provider:       engine.ProviderAWS,
		Service:        "logs",
		Verb:           "enable-log-export",
		Target:         "app-group",
		Role:           engine.OperatorRole,
		Classification: engine.ClassMutating,
		Outcome: &engine.Outcome{
			Kind:        engine.OutcomeSucceeded,
			CompletedAt: time.Now().AddDate(0, -1, 0),
		},
	}
	ledger.EXPECT().Lookup("op-old").Return(enabledLastMonth, true)

	c := New(ledger, testLogger())
	ticket, err := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	if err != nil {
		t.Fatalf("Failed to raise ticket: %v", err)
	}
	if _, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}

	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-old", Actor: "alice"}); err == nil {
		t.Fatal("an operation completed before the ticket was opened must not resolve it")
	}
	got, _ := c.Get(ticket.ID)
	if got.Status != engine.TicketHandedOff {
		t.Errorf("status = %s, want handed_off", got.Status)
	}
}

func TestResolveRequiresClaimant(t *testing.T) {
	c, s := setupCoordinator(t)
	ctx := context.Background()

	ticket, _ := c.Raise(ctx, readLogsOp(), logExportCapability(), "log export is disabled")
	if _, err := c.Claim(ctx, ticket.ID, engine.OperatorRole, "alice"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	recordCompletion(t, s, "op-enable", engine.OperatorRole, engine.ClassMutating, engine.OutcomeSucceeded)

	for _, actor := range []string{"", "carol"} {
		_, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-enable", Actor: actor})
		if !engine.IsUnauthorized(err) {
			t.Errorf("Resolve by %q: expected unauthorized, got %v", actor, err)
		}
	}

	if _, err := c.Resolve(ctx, ticket.ID, engine.OperatorRole, Completion{OperationID: "op-enable", Actor: "alice"}); err != nil {
		t.Fatalf("Failed to resolve as claimant: %v", err)
	}
}
