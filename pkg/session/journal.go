package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// JournalSink appends entries to a JSON Lines file.
type JournalSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewJournalSink opens path for appending, creating it if needed.
func NewJournalSink(path string) (*JournalSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &JournalSink{f: f}, nil
}

// Append writes one line per entry and syncs the file.
func (j *JournalSink) Append(_ context.Context, _ string, entries []Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return fmt.Errorf("journal closed")
	}

	enc := json.NewEncoder(j.f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("writing journal entry %d: %w", e.Seq, err)
		}
	}
	return j.f.Sync()
}

// Close closes the file.
func (j *JournalSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadJournal reads every entry from a journal file in order.
func ReadJournal(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(f)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("decoding journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}

// MultiSink fans entries out to several sinks in order. It stops at the first error.
type MultiSink []Sink

// Append calls Append on each sink.
func (m MultiSink) Append(ctx context.Context, sessionID string, entries []Entry) error {
	for _, s := range m {
		if err := s.Append(ctx, sessionID, entries); err != nil {
			return err
		}
	}
	return nil
}
