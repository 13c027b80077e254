// Package journal implements the append-only hash-chained event log.
//
// Two interchangeable back-ends exist: a newline-delimited JSON file
// (fsync-on-append, OS file lock against concurrent processes) and a
// relational table via GORM (SQLite or PostgreSQL) whose schema carries
// BEFORE UPDATE / BEFORE DELETE triggers that abort any mutation.
//
// Appends are totally ordered; the hash chain is the authoritative order.
// A successful Append guarantees the event is on stable storage.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iangreen74/leviathan/internal/event"
)

// ErrDuplicate is returned by Append when an event with the same event_id is
// already in the journal. Callers treat it as an idempotent no-op.
var ErrDuplicate = errors.New("journal: duplicate event_id")

// Journal is the append-only log contract shared by both back-ends.
// Only one appender is permitted per process; readers are unbounded.
type Journal interface {
	// Append assigns prev_hash and hash, writes the event durably, and
	// returns the completed record. Concurrent callers are serialized.
	Append(ctx context.Context, e event.Event) (event.Event, error)

	// Scan returns events in original append order. A zero since returns
	// from the beginning; limit <= 0 means unbounded.
	Scan(ctx context.Context, since time.Time, limit int) ([]event.Event, error)

	// LastHash returns the hash of the most recently appended event, or ""
	// when the journal is empty.
	LastHash(ctx context.Context) (string, error)

	// Verify traverses the whole log and checks the hash of every event and
	// the chain between consecutive events.
	Verify(ctx context.Context) error

	Close() error
}

// TamperError reports the first event at which chain verification failed.
type TamperError struct {
	EventID string
	Reason  string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("journal: chain broken at event %s: %s", e.EventID, e.Reason)
}

// verifyChain checks, for an ordered slice of events, that the first event
// has no prev_hash, every later event chains to its predecessor, and every
// stored hash matches the canonical recomputation.
func verifyChain(events []event.Event) error {
	var prev string
	for i, e := range events {
		if i == 0 && e.PrevHash != "" {
			return &TamperError{EventID: e.EventID, Reason: "first event carries a prev_hash"}
		}
		if i > 0 && e.PrevHash != prev {
			return &TamperError{EventID: e.EventID, Reason: fmt.Sprintf("prev_hash %q does not match predecessor hash %q", e.PrevHash, prev)}
		}
		if got := event.ComputeHash(e); got != e.Hash {
			return &TamperError{EventID: e.EventID, Reason: fmt.Sprintf("stored hash %q does not match recomputed %q", e.Hash, got)}
		}
		prev = e.Hash
	}
	return nil
}

// seal assigns prev_hash and hash onto e given the current chain head.
func seal(e event.Event, lastHash string) event.Event {
	e.PrevHash = lastHash
	e.Hash = event.ComputeHash(e)
	return e
}
