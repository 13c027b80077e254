// Package event defines the immutable event records that make up the
// Leviathan journal, the canonical serialization used for content hashing,
// and the wire bundle workers post to the ingest API.
//
// Events are the source of truth for the whole system: every scheduling
// decision, attempt outcome, and artifact reference is one event. The graph
// is a projection of the event stream and can always be rebuilt from it.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type is a namespaced event type from the closed set below.
type Type string

const (
	TypeTargetRegistered Type = "target.registered"

	TypeTaskCreated   Type = "task.created"
	TypeTaskUpdated   Type = "task.updated"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskBlocked   Type = "task.blocked"

	TypeAttemptCreated     Type = "attempt.created"
	TypeAttemptStarted     Type = "attempt.started"
	TypeAttemptSucceeded   Type = "attempt.succeeded"
	TypeAttemptFailed      Type = "attempt.failed"
	TypeAttemptInvalidated Type = "attempt.invalidated"

	TypeArtifactCreated Type = "artifact.created"

	TypePRCreated Type = "pr.created"
	TypePRMerged  Type = "pr.merged"
	TypePRClosed  Type = "pr.closed"

	TypeTestsStarted Type = "tests.started"
	TypeTestsPassed  Type = "tests.passed"
	TypeTestsFailed  Type = "tests.failed"

	TypeModelCallStarted   Type = "model.call_started"
	TypeModelCallCompleted Type = "model.call_completed"

	TypeBootstrapStarted   Type = "bootstrap.started"
	TypeBootstrapCompleted Type = "bootstrap.completed"

	TypeRepoIndexed         Type = "repo.indexed"
	TypeFileDiscovered      Type = "file.discovered"
	TypeWorkflowDiscovered  Type = "workflow.discovered"
	TypeAPIRouteDiscovered  Type = "api.route.discovered"
	TypeRetryScheduled      Type = "retry.scheduled"
)

// validTypes is the closed set accepted by the journal and the ingest API.
var validTypes = map[Type]struct{}{
	TypeTargetRegistered: {},
	TypeTaskCreated:      {}, TypeTaskUpdated: {}, TypeTaskCompleted: {}, TypeTaskBlocked: {},
	TypeAttemptCreated: {}, TypeAttemptStarted: {}, TypeAttemptSucceeded: {},
	TypeAttemptFailed: {}, TypeAttemptInvalidated: {},
	TypeArtifactCreated: {},
	TypePRCreated:       {}, TypePRMerged: {}, TypePRClosed: {},
	TypeTestsStarted: {}, TypeTestsPassed: {}, TypeTestsFailed: {},
	TypeModelCallStarted: {}, TypeModelCallCompleted: {},
	TypeBootstrapStarted: {}, TypeBootstrapCompleted: {},
	TypeRepoIndexed: {}, TypeFileDiscovered: {}, TypeWorkflowDiscovered: {},
	TypeAPIRouteDiscovered: {}, TypeRetryScheduled: {},
}

// Valid reports whether t belongs to the closed event-type set.
func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// Event is one immutable journal record. Hash covers every preceding field
// via the canonical serialization; PrevHash chains it to its predecessor.
// PrevHash and Hash are empty until the journal assigns them at append time.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      Type           `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash,omitempty"`
}

// New returns an event with a fresh ULID, the given type, actor and payload,
// and the current UTC time truncated to microsecond precision.
func New(t Type, actorID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventID:   ulid.Make().String(),
		Type:      t,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		ActorID:   actorID,
		Payload:   payload,
	}
}

// NewDeterministic is New with an event ID derived from parts instead of a
// fresh ULID. Workers use it for events whose identity is fully determined
// by their payload, so a crashed-and-restarted attempt emits the same IDs
// and the ingest deduplication absorbs the replay.
func NewDeterministic(t Type, actorID string, payload map[string]any, parts ...string) Event {
	e := New(t, actorID, payload)
	e.EventID = DeterministicID(parts...)
	return e
}

// DeterministicID derives a stable event ID from the given parts.
func DeterministicID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "ev-" + hex.EncodeToString(sum[:])[:26]
}

// ComputeHash returns the SHA-256 hex digest of the event's canonical
// serialization: (event_id, event_type, timestamp, actor_id, payload,
// prev_hash) with sorted map keys and stable separators. The Hash field
// itself is never part of the input.
func ComputeHash(e Event) string {
	sum := sha256.Sum256(canonicalBytes(e))
	return hex.EncodeToString(sum[:])
}

// Timestamp layout for canonical hashing: UTC with fixed microsecond width,
// so re-encoding an event decoded from the wire reproduces the exact bytes.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

func canonicalBytes(e Event) []byte {
	var b strings.Builder
	b.WriteByte('{')
	writeCanonicalString(&b, "event_id")
	b.WriteByte(':')
	writeCanonicalString(&b, e.EventID)
	b.WriteByte(',')
	writeCanonicalString(&b, "event_type")
	b.WriteByte(':')
	writeCanonicalString(&b, string(e.Type))
	b.WriteByte(',')
	writeCanonicalString(&b, "timestamp")
	b.WriteByte(':')
	writeCanonicalString(&b, e.Timestamp.UTC().Format(canonicalTimeLayout))
	b.WriteByte(',')
	writeCanonicalString(&b, "actor_id")
	b.WriteByte(':')
	writeCanonicalString(&b, e.ActorID)
	b.WriteByte(',')
	writeCanonicalString(&b, "payload")
	b.WriteByte(':')
	writeCanonicalValue(&b, e.Payload)
	b.WriteByte(',')
	writeCanonicalString(&b, "prev_hash")
	b.WriteByte(':')
	writeCanonicalString(&b, e.PrevHash)
	b.WriteByte('}')
	return []byte(b.String())
}

// String returns a short human-readable form for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s %s by %s", e.EventID, e.Type, e.ActorID)
}

// PayloadString returns payload[key] rendered as a string, or "" when absent.
func (e Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
