package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/session"
)

// Session is the stored summary of one working session.
type Session struct {
	ID         string      `json:"id"`
	Role       engine.Role `json:"role"`
	StartedAt  time.Time   `json:"started_at"`
	ClosedAt   *time.Time  `json:"closed_at,omitempty"`
	EntryCount int         `json:"entry_count"`
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	SessionID string
	Kind      session.EntryKind
	// AfterSeq returns only entries with a greater sequence number.
	AfterSeq uint64
	Limit    int
}

// TicketFilter narrows ListTickets. Zero fields match everything.
type TicketFilter struct {
	SessionID string
	Status    engine.TicketStatus
	Kind      engine.CapabilityKind
	Limit     int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "session.closed", "ticket.resolved", "config.reloaded"
	Actor     string    `json:"actor"`               // role or operator identifier
	TargetID  *string   `json:"target_id,omitempty"` // session/ticket/operation ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Session operations
	CreateSession(ctx context.Context, s *Session) error
	CloseSession(ctx context.Context, id string, at time.Time) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Entry operations; entries are append-only
	Append(ctx context.Context, sessionID string, entries []session.Entry) error
	ListEntries(ctx context.Context, filter EntryFilter) ([]session.Entry, error)
	LookupOperation(ctx context.Context, operationID string) (*engine.Operation, error)

	// Ticket operations
	SaveTicket(ctx context.Context, t *engine.Ticket) error
	GetTicket(ctx context.Context, id string) (*engine.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]*engine.Ticket, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store        = (*SQLiteStore)(nil)
	_ session.Sink = (*SQLiteStore)(nil)
)
