package gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func mutatingOp(id, target string) *engine.Operation {
	return &engine.Operation{
		ID:             id,
		Provider:       engine.ProviderAWS,
		Service:        "s3",
		Verb:           "delete-bucket",
		Target:         target,
		Role:           engine.OperatorRole,
		Classification: engine.ClassMutating,
		Risk:           engine.RiskCritical,
	}
}

// setupInboxGate returns a gate backed by an inbox and a channel receiving each
// request as it starts awaiting approval.
func setupInboxGate(t *testing.T, cfg Config, opts ...Option) (*Gate, *InboxPrompter, <-chan *Request) {
	t.Helper()
	pending := make(chan *Request, 16)
	inbox := NewInboxPrompter(func(r *Request) { pending <- r })
	g, err := New(cfg, inbox, testLogger(), opts...)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return g, inbox, pending
}

func waitPending(t *testing.T, pending <-chan *Request) *Request {
	t.Helper()
	select {
	case r := <-pending:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pending confirmation")
		return nil
	}
}

type authResult struct {
	auth *Authorization
	err  error
}

func authorizeAsync(ctx context.Context, g *Gate, op *engine.Operation) <-chan authResult {
	out := make(chan authResult, 1)
	go func() {
		auth, err := g.Authorize(ctx, op, Proposal{Commands: []string{"aws s3api delete-bucket --bucket " + op.Target}})
		out <- authResult{auth: auth, err: err}
	}()
	return out
}

func TestNewRequiresTimeoutAndPrompter(t *testing.T) {
	if _, err := New(Config{}, NewInboxPrompter(nil), testLogger()); err == nil {
		t.Error("expected error without approval timeout")
	}
	if _, err := New(Config{ApprovalTimeout: time.Minute}, nil, testLogger()); err == nil {
		t.Error("expected error without prompter")
	}
}

func TestApprovedByOperator(t *testing.T) {
	g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})
	op := mutatingOp("op-1", "bucket-1")

	done := authorizeAsync(context.Background(), g, op)
	req := waitPending(t, pending)

	if req.Status != engine.ConfirmationAwaitingApproval {
		t.Errorf("pending request status = %s", req.Status)
	}
	if len(req.Commands) != 1 || !strings.Contains(req.Commands[0], "delete-bucket") {
		t.Errorf("commands not carried: %v", req.Commands)
	}
	if !req.Impact.Destructive || req.Impact.Tier != engine.RiskCritical {
		t.Errorf("unexpected impact: %+v", req.Impact)
	}

	if err := inbox.Submit(req.ID, Decision{Approved: true, Role: engine.OperatorRole, Actor: "alice"}); err != nil {
		t.Fatalf("Failed to submit decision: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Failed to authorize: %v", res.err)
	}
	defer res.auth.Release()

	if !res.auth.Approved() {
		t.Fatalf("status = %s, want approved", res.auth.Request.Status)
	}
	if res.auth.Request.DecidedBy != "alice" {
		t.Errorf("DecidedBy = %q", res.auth.Request.DecidedBy)
	}

	want := []engine.ConfirmationStatus{
		engine.ConfirmationPresented,
		engine.ConfirmationAwaitingApproval,
		engine.ConfirmationApproved,
	}
	if len(res.auth.Request.History) != len(want) {
		t.Fatalf("history = %+v", res.auth.Request.History)
	}
	for i, tr := range res.auth.Request.History {
		if tr.To != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, tr.To, want[i])
		}
	}
}

func TestDenials(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		reason   string
	}{
		{"denied by operator", Decision{Approved: false, Role: engine.OperatorRole, Reason: "not today"}, "not today"},
		{"approved by read-only role", Decision{Approved: true, Role: engine.ReadOnlyRole}, "unauthorized approver"},
		{"approved without role", Decision{Approved: true}, "unauthorized approver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})
			done := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
			req := waitPending(t, pending)

			if err := inbox.Submit(req.ID, tt.decision); err != nil {
				t.Fatalf("Failed to submit decision: %v", err)
			}

			res := <-done
			if !engine.IsDenied(res.err) {
				t.Fatalf("expected denial, got %v", res.err)
			}
			if res.auth.Approved() {
				t.Error("denied request must not be approved")
			}
			if res.auth.Request.Status != engine.ConfirmationDenied {
				t.Errorf("status = %s, want denied", res.auth.Request.Status)
			}
			if !strings.Contains(res.auth.Request.Reason, tt.reason) {
				t.Errorf("reason = %q, want %q", res.auth.Request.Reason, tt.reason)
			}
		})
	}
}

func TestDryRunNeverAwaits(t *testing.T) {
	g, _, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})
	op := mutatingOp("op-1", "bucket-1")
	op.DryRun = true

	auth, err := g.Authorize(context.Background(), op, Proposal{})
	if !engine.IsDryRun(err) || !engine.IsDenied(err) {
		t.Fatalf("expected dry-run denial, got %v", err)
	}
	if auth.Request.Status != engine.ConfirmationDenied || auth.Request.Reason != "dry-run" {
		t.Errorf("request = %s (%s)", auth.Request.Status, auth.Request.Reason)
	}
	for _, tr := range auth.Request.History {
		if tr.To == engine.ConfirmationAwaitingApproval {
			t.Error("dry-run request must never reach awaiting_approval")
		}
	}
	select {
	case <-pending:
		t.Error("dry-run request was prompted")
	default:
	}
}

func TestTimeoutExpires(t *testing.T) {
	g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: 50 * time.Millisecond})

	done := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
	req := waitPending(t, pending)

	res := <-done
	if !engine.IsExpired(res.err) {
		t.Fatalf("expected expiry, got %v", res.err)
	}
	if res.auth.Request.Status != engine.ConfirmationExpired {
		t.Errorf("status = %s, want expired", res.auth.Request.Status)
	}

	// A late approval has nowhere to go.
	if err := inbox.Submit(req.ID, Decision{Approved: true, Role: engine.OperatorRole}); err == nil {
		t.Error("late decision should be rejected")
	}
	got, _ := g.Get(req.ID)
	if got.Status != engine.ConfirmationExpired {
		t.Errorf("expired request changed to %s", got.Status)
	}
}

func TestCancellationDenies(t *testing.T) {
	g, _, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := authorizeAsync(ctx, g, mutatingOp("op-1", "bucket-1"))
	waitPending(t, pending)
	cancel()

	res := <-done
	if !engine.IsDenied(res.err) {
		t.Fatalf("expected denial, got %v", res.err)
	}
	if res.auth.Request.Reason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", res.auth.Request.Reason)
	}
}

func TestNonMutatingRejected(t *testing.T) {
	g, _, _ := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})
	op := mutatingOp("op-1", "bucket-1")
	op.Classification = engine.ClassReadOnly

	auth, err := g.Authorize(context.Background(), op, Proposal{})
	if err == nil || auth != nil {
		t.Fatal("read-only operation must not get a confirmation request")
	}
	if len(g.Requests()) != 0 {
		t.Error("no request may be created for a read-only operation")
	}
}

func TestSameTargetSerialized(t *testing.T) {
	g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})

	first := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
	req1 := waitPending(t, pending)

	second := authorizeAsync(context.Background(), g, mutatingOp("op-2", "bucket-1"))
	time.Sleep(50 * time.Millisecond)

	if n := len(g.Awaiting()); n != 1 {
		t.Fatalf("awaiting = %d, want 1", n)
	}
	select {
	case <-pending:
		t.Fatal("second request reached awaiting_approval while the first was awaiting")
	default:
	}

	if err := inbox.Submit(req1.ID, Decision{Approved: true, Role: engine.OperatorRole}); err != nil {
		t.Fatalf("Failed to submit decision: %v", err)
	}
	res1 := <-first
	if res1.err != nil {
		t.Fatalf("Failed to authorize first: %v", res1.err)
	}

	// The approved operation holds the target until it has been dispatched.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-pending:
		t.Fatal("second request prompted before the first released the target")
	default:
	}

	res1.auth.Release()
	req2 := waitPending(t, pending)
	if req2.OperationID != "op-2" {
		t.Errorf("pending operation = %s, want op-2", req2.OperationID)
	}
	if err := inbox.Submit(req2.ID, Decision{Approved: false, Role: engine.OperatorRole}); err != nil {
		t.Fatalf("Failed to submit decision: %v", err)
	}
	if res2 := <-second; !engine.IsDenied(res2.err) {
		t.Errorf("expected denial, got %v", res2.err)
	}
	if g.locks.held() != 0 {
		t.Errorf("target locks leaked: %d", g.locks.held())
	}
}

func TestDifferentTargetsAwaitConcurrently(t *testing.T) {
	g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute})

	a := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
	b := authorizeAsync(context.Background(), g, mutatingOp("op-2", "bucket-2"))
	r1 := waitPending(t, pending)
	r2 := waitPending(t, pending)

	if n := len(g.Awaiting()); n != 2 {
		t.Errorf("awaiting = %d, want 2", n)
	}
	for _, r := range []*Request{r1, r2} {
		if err := inbox.Submit(r.ID, Decision{Approved: false, Role: engine.OperatorRole}); err != nil {
			t.Fatalf("Failed to submit decision: %v", err)
		}
	}
	<-a
	<-b
}

func TestLockTimeoutDenies(t *testing.T) {
	g, inbox, pending := setupInboxGate(t, Config{ApprovalTimeout: time.Minute, LockTimeout: 30 * time.Millisecond})

	first := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
	req1 := waitPending(t, pending)

	_, err := g.Authorize(context.Background(), mutatingOp("op-2", "bucket-1"), Proposal{})
	if !engine.IsDenied(err) || !strings.Contains(err.Error(), "busy") {
		t.Errorf("expected busy denial, got %v", err)
	}

	_ = inbox.Submit(req1.ID, Decision{Approved: false, Role: engine.OperatorRole})
	<-first
}

func TestZeroLockTimeoutIsBounded(t *testing.T) {
	g, _, pending := setupInboxGate(t, Config{ApprovalTimeout: 100 * time.Millisecond})

	first := authorizeAsync(context.Background(), g, mutatingOp("op-1", "bucket-1"))
	waitPending(t, pending)

	done := make(chan error, 1)
	go func() {
		_, err := g.Authorize(context.Background(), mutatingOp("op-2", "bucket-1"), Proposal{})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("second request on a busy target must not be approved")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting for the target lock was not bounded")
	}
	<-first
}

type failingPrompter struct {
	presentErr error
	decideErr  error
}

func (f *failingPrompter) Present(context.Context, *Request) error { return f.presentErr }

func (f *failingPrompter) Decide(context.Context, *Request) (Decision, error) {
	return Decision{}, f.decideErr
}

func TestPrompterFailuresDeny(t *testing.T) {
	tests := []struct {
		name     string
		prompter *failingPrompter
		history  int
	}{
		{"present fails", &failingPrompter{presentErr: errors.New("tty closed")}, 1},
		{"decide fails", &failingPrompter{decideErr: errors.New("eof")}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(Config{ApprovalTimeout: time.Minute}, tt.prompter, testLogger())
			if err != nil {
				t.Fatalf("Failed to create gate: %v", err)
			}
			auth, err := g.Authorize(context.Background(), mutatingOp("op-1", "bucket-1"), Proposal{})
			if !engine.IsDenied(err) {
				t.Fatalf("expected denial, got %v", err)
			}
			if len(auth.Request.History) != tt.history {
				t.Errorf("history = %+v", auth.Request.History)
			}
		})
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []engine.ConfirmationStatus
}

func (r *recordingObserver) ConfirmationTransition(_ *Request, _, to engine.ConfirmationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func TestObserverSeesEveryTransition(t *testing.T) {
	obs := &recordingObserver{}
	g, _, _ := setupInboxGate(t, Config{ApprovalTimeout: time.Minute}, WithObserver(obs))
	op := mutatingOp("op-1", "bucket-1")
	op.DryRun = true

	_, _ = g.Authorize(context.Background(), op, Proposal{})

	want := []engine.ConfirmationStatus{engine.ConfirmationDraft, engine.ConfirmationPresented, engine.ConfirmationDenied}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", obs.transitions, want)
	}
	for i := range want {
		if obs.transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, obs.transitions[i], want[i])
		}
	}
}

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"\n", false},
		{"n\n", false},
		{"maybe\n", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := NewTerminalPrompter(strings.NewReader(tt.input), &out, engine.OperatorRole, "alice")
			g, err := New(Config{ApprovalTimeout: time.Minute}, p, testLogger())
			if err != nil {
				t.Fatalf("Failed to create gate: %v", err)
			}

			auth, err := g.Authorize(context.Background(), mutatingOp("op-1", "bucket-1"),
				Proposal{Explanation: "Delete the bucket", Commands: []string{"aws s3api delete-bucket --bucket bucket-1"}})
			if auth.Approved() != tt.approved {
				t.Errorf("approved = %v, want %v (err=%v)", auth.Approved(), tt.approved, err)
			}
			auth.Release()

			printed := out.String()
			for _, want := range []string{"Delete the bucket", "$ aws s3api delete-bucket --bucket bucket-1", "[y/N]", "destructive"} {
				if !strings.Contains(printed, want) {
					t.Errorf("output missing %q:\n%s", want, printed)
				}
			}
		})
	}
}
