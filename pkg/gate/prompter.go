package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/opgate/opgate/pkg/engine"
)

// TerminalPrompter asks for confirmation on a line-oriented terminal.
// The answer defaults to No: only "y" or "yes" approves.
type TerminalPrompter struct {
	mu    sync.Mutex
	in    *bufio.Reader
	out   io.Writer
	role  engine.Role
	actor string

	start sync.Once
	lines chan answer
}

type answer struct {
	line string
	err  error
}

// NewTerminalPrompter creates a prompter reading answers from in. Decisions are
// attributed to actor holding role.
func NewTerminalPrompter(in io.Reader, out io.Writer, role engine.Role, actor string) *TerminalPrompter {
	return &TerminalPrompter{
		in:    bufio.NewReader(in),
		out:   out,
		role:  role,
		actor: actor,
		lines: make(chan answer),
	}
}

// readLines is the only reader of in, so a prompt abandoned on cancellation
// never races with the next one.
func (p *TerminalPrompter) readLines() {
	for {
		line, err := p.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		p.lines <- answer{line: line, err: err}
		if err != nil {
			close(p.lines)
			return
		}
	}
}

// Present prints the explanation, literal commands and impact.
func (p *TerminalPrompter) Present(_ context.Context, req *Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", req.Explanation)
	if len(req.Commands) > 0 {
		b.WriteString("\nCommands:\n")
		for _, cmd := range req.Commands {
			fmt.Fprintf(&b, "  $ %s\n", cmd)
		}
	}
	fmt.Fprintf(&b, "\nImpact: %s (risk %s)\n", req.Impact.Summary, req.Impact.Tier)
	if req.Impact.Destructive {
		b.WriteString("WARNING: this operation is destructive and cannot be undone.\n")
	}
	if req.Operation != nil && req.Operation.DryRun {
		b.WriteString("Dry run: nothing will be executed.\n")
	}

	_, err := io.WriteString(p.out, b.String())
	return err
}

// Decide prompts with [y/N] and reads one line.
func (p *TerminalPrompter) Decide(ctx context.Context, req *Request) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "Proceed with %s on %s? [y/N]: ", req.Operation.Verb, req.Operation.Target); err != nil {
		return Decision{}, err
	}

	p.start.Do(func() { go p.readLines() })

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case a, ok := <-p.lines:
		if !ok {
			return Decision{}, fmt.Errorf("failed to read answer: %w", io.EOF)
		}
		if a.err != nil {
			return Decision{}, fmt.Errorf("failed to read answer: %w", a.err)
		}
		response := strings.ToLower(strings.TrimSpace(a.line))
		if response == "y" || response == "yes" {
			return Decision{Approved: true, Role: p.role, Actor: p.actor}, nil
		}
		return Decision{Approved: false, Role: p.role, Actor: p.actor, Reason: "declined at prompt"}, nil
	}
}

// InboxPrompter collects decisions submitted out of band, for example by an
// operator using another process or an API.
type InboxPrompter struct {
	mu        sync.Mutex
	pending   map[string]*inboxEntry
	onPending func(*Request)
}

type inboxEntry struct {
	req       *Request
	decisions chan Decision
}

// NewInboxPrompter creates an inbox. onPending, if not nil, is called each time a
// request starts waiting for a decision.
func NewInboxPrompter(onPending func(*Request)) *InboxPrompter {
	return &InboxPrompter{
		pending:   make(map[string]*inboxEntry),
		onPending: onPending,
	}
}

// Present is a no-op; the request becomes visible once it awaits a decision.
func (p *InboxPrompter) Present(context.Context, *Request) error {
	return nil
}

// Decide registers the request as pending and waits for Submit.
func (p *InboxPrompter) Decide(ctx context.Context, req *Request) (Decision, error) {
	entry := &inboxEntry{req: req.Clone(), decisions: make(chan Decision, 1)}

	p.mu.Lock()
	p.pending[req.ID] = entry
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	if p.onPending != nil {
		p.onPending(entry.req.Clone())
	}

	select {
	case d := <-entry.decisions:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Submit delivers a decision for a pending request.
func (p *InboxPrompter) Submit(requestID string, d Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.pending[requestID]
	if !ok {
		return fmt.Errorf("confirmation request %s is not awaiting a decision", requestID)
	}
	select {
	case entry.decisions <- d:
		return nil
	default:
		return fmt.Errorf("confirmation request %s already has a decision", requestID)
	}
}

// Pending returns the requests waiting for a decision, oldest first.
func (p *InboxPrompter) Pending() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Request, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e.req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
