package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/opgate/opgate/pkg/engine"
	"github.com/opgate/opgate/pkg/session"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateSession creates a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	query := `INSERT INTO sessions (id, role, started_at, entry_count) VALUES (?, ?, ?, 0)`
	if _, err := s.db.ExecContext(ctx, query, sess.ID, string(sess.Role), sess.StartedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CloseSession marks a session closed. Closing a closed session is a no-op.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET closed_at = COALESCE(closed_at, ?) WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, role, started_at, closed_at, entry_count FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions lists sessions, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `
		SELECT id, role, started_at, closed_at, entry_count
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var role string
	var closedAt sql.NullTime
	if err := row.Scan(&sess.ID, &role, &sess.StartedAt, &closedAt, &sess.EntryCount); err != nil {
		return nil, err
	}
	sess.Role = engine.Role(role)
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return sess, nil
}

// Append stores flushed session entries. Entries already stored are skipped,
// so a retried flush never duplicates. A gap in sequence numbers is an error.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, entries []session.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, role, started_at, entry_count) VALUES (?, '', ?, 0)`,
		sessionID, entries[0].RecordedAt.UTC()); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}

	var closedAt sql.NullTime
	var last uint64
	err = tx.QueryRowContext(ctx, `
		SELECT s.closed_at, COALESCE((SELECT MAX(seq) FROM session_entries WHERE session_id = s.id), 0)
		FROM sessions s WHERE s.id = ?`, sessionID).Scan(&closedAt, &last)
	if err != nil {
		return fmt.Errorf("failed to read session state: %w", err)
	}
	if closedAt.Valid {
		return fmt.Errorf("session %s is closed", sessionID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_entries (session_id, seq, kind, operation_id, ticket_id, outcome, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, e := range entries {
		if e.Seq <= last {
			continue
		}
		if e.Seq != last+1 {
			return fmt.Errorf("session %s: entry %d does not follow %d", sessionID, e.Seq, last)
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.Seq, err)
		}

		var opID, ticketID, outcome *string
		switch e.Kind {
		case session.EntryOperation:
			opID = &e.Operation.ID
			if e.Operation.Outcome != nil {
				k := string(e.Operation.Outcome.Kind)
				outcome = &k
			}
		case session.EntryTicket:
			ticketID = &e.Ticket.ID
			st := string(e.Ticket.Status)
			outcome = &st
		}

		if _, err := stmt.ExecContext(ctx, sessionID, e.Seq, string(e.Kind), opID, ticketID, outcome, string(payload), e.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("failed to append entry %d: %w", e.Seq, err)
		}
		last = e.Seq
		added++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET entry_count = entry_count + ? WHERE id = ?`, added, sessionID); err != nil {
		return fmt.Errorf("failed to update entry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entries: %w", err)
	}
	return nil
}

// ListEntries returns stored entries in session and sequence order.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]session.Entry, error) {
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}

	query := `SELECT payload FROM session_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.SessionID != "" {
		query += ` ORDER BY seq LIMIT ?`
	} else {
		query += ` ORDER BY recorded_at, session_id, seq LIMIT ?`
	}
	args = append(args, limitOrAll(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []session.Entry{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		var e session.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// LookupOperation returns a recorded operation from any session.
func (s *SQLiteStore) LookupOperation(ctx context.Context, operationID string) (*engine.Operation, error) {
	query := `
		SELECT payload FROM session_entries
		WHERE operation_id = ? AND kind = 'operation'
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var payload string
	err := s.db.QueryRowContext(ctx, query, operationID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", operationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up operation: %w", err)
	}

	var e session.Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return e.Operation, nil
}

// Ledger returns an engine.Ledger over every stored session. Lookups run with ctx.
func (s *SQLiteStore) Ledger(ctx context.Context) engine.Ledger {
	return storeLedger{ctx: ctx, store: s}
}

type storeLedger struct {
	ctx   context.Context
	store *SQLiteStore
}

func (l storeLedger) Lookup(operationID string) (*engine.Operation, bool) {
	op, err := l.store.LookupOperation(l.ctx, operationID)
	if err != nil {
		return nil, false
	}
	return op, true
}

// SaveTicket inserts or replaces the stored snapshot of a ticket.
func (s *SQLiteStore) SaveTicket(ctx context.Context, t *engine.Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}

	query := `
		INSERT INTO tickets (id, session_id, operation_id, kind, status, capability, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.SessionID,
		t.OperationID,
		string(t.RequiredCapability.Kind),
		string(t.Status),
		t.RequiredCapability.Key(),
		string(payload),
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*engine.Ticket, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM tickets WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return decodeTicket(payload)
}

// ListTickets lists tickets oldest first
func (s *SQLiteStore) ListTickets(ctx context.Context, filter TicketFilter) ([]*engine.Ticket, error) {
	query := `
		SELECT payload FROM tickets
		WHERE (? = '' OR session_id = ?)
		  AND (? = '' OR status = ?)
		  AND (? = '' OR kind = ?)
		ORDER BY created_at, id
		LIMIT ?
	`

	sessionID := filter.SessionID
	status := string(filter.Status)
	kind := string(filter.Kind)
	rows, err := s.db.QueryContext(ctx, query,
		sessionID, sessionID, status, status, kind, kind, limitOrAll(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []*engine.Ticket{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		t, err := decodeTicket(payload)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}

	return tickets, nil
}

func decodeTicket(payload string) (*engine.Ticket, error) {
	t := &engine.Ticket{}
	if err := json.Unmarshal([]byte(payload), t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return t, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
