// Package stores persists sessions, their append-only entries, escalation
// tickets and an audit trail in SQLite.
//
// The schema is applied with golang-migrate from embedded migrations. Entries
// are protected by triggers that abort any UPDATE or DELETE, so the stored log
// is as immutable as the in-memory one. SQLiteStore implements session.Sink
// and escalation.TicketStore.
package stores
