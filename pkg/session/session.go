// Package session provides the append-only log of one working session.
//
// Every terminal operation and every ticket transition is appended through a
// single serializing point, so the entry order is a total order consistent with
// the time each outcome became terminal. Entries are never modified or removed.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opgate/opgate/pkg/engine"
)

// EntryKind distinguishes operation entries from ticket entries.
type EntryKind string

const (
	EntryOperation EntryKind = "operation"
	EntryTicket    EntryKind = "ticket"
)

// Entry is one immutable record of the session log.
type Entry struct {
	Seq        uint64            `json:"seq"`
	SessionID  string            `json:"session_id"`
	Kind       EntryKind         `json:"kind"`
	Operation  *engine.Operation `json:"operation,omitempty"`
	Ticket     *engine.Ticket    `json:"ticket,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	e.Operation = e.Operation.Clone()
	e.Ticket = e.Ticket.Clone()
	return e
}

// Sink persists flushed entries. Entries arrive in order and exactly once.
type Sink interface {
	Append(ctx context.Context, sessionID string, entries []Entry) error
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Context) {
		c.logger = logger.With().Str("component", "session").Str("session_id", c.id).Logger()
	}
}

// WithAppendHook registers fn to observe appended entries.
func WithAppendHook(fn func(Entry)) Option {
	return func(c *Context) {
		c.onAppend = fn
	}
}

// Context is the session log. It is safe for concurrent use.
type Context struct {
	id        string
	sink      Sink
	logger    zerolog.Logger
	onAppend  func(Entry)
	startedAt time.Time

	mu        sync.Mutex
	entries   []Entry
	opIndex   map[string]int
	persisted int
	closed    bool

	flushMu sync.Mutex
}

// New starts a session. An empty id gets a generated one; sink may be nil.
func New(id string, sink Sink, opts ...Option) *Context {
	if id == "" {
		id = uuid.New().String()
	}
	c := &Context{
		id:        id,
		sink:      sink,
		logger:    zerolog.Nop(),
		startedAt: time.Now(),
		opIndex:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the session id.
func (c *Context) ID() string {
	return c.id
}

// StartedAt returns when the session started.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// RecordOperation appends a terminal operation.
func (c *Context) RecordOperation(op *engine.Operation) (Entry, error) {
	if op == nil {
		return Entry{}, engine.NewInvalidRequestError("operation is nil", nil).WithStage(engine.StageRecord)
	}
	if !op.IsTerminal() {
		return Entry{}, engine.NewInvalidRequestError("only terminal operations are recorded", nil).
			WithStage(engine.StageRecord).
			WithOperation(op.ID)
	}
	snapshot := op.Clone()
	snapshot.SessionID = c.id
	return c.append(Entry{Kind: EntryOperation, Operation: snapshot})
}

// RecordTicket appends a snapshot of a ticket.
func (c *Context) RecordTicket(t *engine.Ticket) (Entry, error) {
	if t == nil {
		return Entry{}, engine.NewInvalidRequestError("ticket is nil", nil).WithStage(engine.StageRecord)
	}
	return c.append(Entry{Kind: EntryTicket, Ticket: t.Clone()})
}

func (c *Context) append(e Entry) (Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Entry{}, engine.NewInvalidTransitionError(
			fmt.Sprintf("session %s is closed", c.id), nil)
	}
	e.Seq = uint64(len(c.entries)) + 1
	e.SessionID = c.id
	e.RecordedAt = time.Now()
	c.entries = append(c.entries, e)
	if e.Kind == EntryOperation {
		c.opIndex[e.Operation.ID] = len(c.entries) - 1
	}
	out := e.Clone()
	c.mu.Unlock()

	c.logger.Debug().
		Uint64("seq", out.Seq).
		Str("kind", string(out.Kind)).
		Msg("Session entry appended")

	if c.onAppend != nil {
		c.onAppend(out.Clone())
	}
	return out, nil
}

// Entries returns a copy of every entry in append order.
func (c *Context) Entries() []Entry {
	return c.Since(0)
}

// Since returns a copy of the entries with Seq greater than seq.
func (c *Context) Since(seq uint64) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq >= uint64(len(c.entries)) {
		return nil
	}
	out := make([]Entry, 0, uint64(len(c.entries))-seq)
	for _, e := range c.entries[seq:] {
		out = append(out, e.Clone())
	}
	return out
}

// Len returns the number of entries.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the recorded operation with the given id.
func (c *Context) Lookup(operationID string) (*engine.Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.opIndex[operationID]
	if !ok {
		return nil, false
	}
	return c.entries[idx].Operation.Clone(), true
}

// Tickets returns the latest snapshot of every ticket recorded in the session.
func (c *Context) Tickets() []*engine.Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := make(map[string]int)
	var order []string
	for i, e := range c.entries {
		if e.Kind != EntryTicket {
			continue
		}
		if _, seen := latest[e.Ticket.ID]; !seen {
			order = append(order, e.Ticket.ID)
		}
		latest[e.Ticket.ID] = i
	}

	out := make([]*engine.Ticket, 0, len(order))
	for _, id := range order {
		out = append(out, c.entries[latest[id]].Ticket.Clone())
	}
	return out
}

// Flush sends entries not yet persisted to the sink.
func (c *Context) Flush(ctx context.Context) error {
	if c.sink == nil {
		return nil
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	start := c.persisted
	pending := make([]Entry, 0, len(c.entries)-start)
	for _, e := range c.entries[start:] {
		pending = append(pending, e.Clone())
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := c.sink.Append(ctx, c.id, pending); err != nil {
		return fmt.Errorf("failed to flush session %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.persisted = start + len(pending)
	c.mu.Unlock()

	c.logger.Debug().Int("entries", len(pending)).Msg("Session flushed")
	return nil
}

// Close stops accepting entries and flushes the remainder. Closing twice is a no-op
// apart from retrying a failed flush.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		return err
	}
	c.logger.Info().Int("entries", c.Len()).Msg("Session closed")
	return nil
}

// Closed reports whether the session has been closed.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
