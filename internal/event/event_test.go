package event

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHashDeterministic(t *testing.T) {
	e := New(TypeTaskCreated, "scheduler", map[string]any{
		"task_id":  "docs-001",
		"priority": "high",
		"ready":    true,
	})
	e.PrevHash = "abc123"

	h1 := ComputeHash(e)
	h2 := ComputeHash(e)
	require.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHashKeyOrderIndependent(t *testing.T) {
	base := New(TypeTaskCreated, "scheduler", nil)
	a := base
	a.Payload = map[string]any{"b": "2", "a": "1", "c": "3"}
	b := base
	b.Payload = map[string]any{"c": "3", "a": "1", "b": "2"}
	require.Equal(t, ComputeHash(a), ComputeHash(b))
}

func TestComputeHashSurvivesWireRoundTrip(t *testing.T) {
	e := New(TypeAttemptSucceeded, "worker-a1", map[string]any{
		"attempt_id": "a1",
		"pr_number":  42,
		"elapsed":    1.5,
		"nested":     map[string]any{"files": []any{"a.md", "b.md"}},
	})
	e.PrevHash = "prev"
	e.Hash = ComputeHash(e)

	wire, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	dec := json.NewDecoder(bytes.NewReader(wire))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&decoded))

	require.Equal(t, e.Hash, ComputeHash(decoded),
		"hash must be reproducible from the decoded wire form")
}

func TestComputeHashChangesWithPayload(t *testing.T) {
	e := New(TypeTaskCreated, "scheduler", map[string]any{"task_id": "t1"})
	h1 := ComputeHash(e)
	e.Payload["task_id"] = "t2"
	require.NotEqual(t, h1, ComputeHash(e))
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("attempt-1", "created")
	b := DeterministicID("attempt-1", "created")
	c := DeterministicID("attempt-1", "started")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	assert.Regexp(t, `^ev-[0-9a-f]{26}$`, a)

	// Separator must prevent ambiguous concatenation.
	require.NotEqual(t, DeterministicID("ab", "c"), DeterministicID("a", "bc"))
}

func TestNewTruncatesToMicrosecond(t *testing.T) {
	e := New(TypeTaskCreated, "scheduler", nil)
	require.Zero(t, e.Timestamp.Nanosecond()%1000)
	require.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestTypeValid(t *testing.T) {
	require.True(t, TypeAttemptFailed.Valid())
	require.True(t, TypeRetryScheduled.Valid())
	require.False(t, Type("attempt.exploded").Valid())
	require.False(t, Type("").Valid())
}

func TestDecodeBundle(t *testing.T) {
	raw := []byte(`{
		"target": "demo",
		"bundle_id": "b-1",
		"events": [
			{"event_id":"e1","event_type":"attempt.started","timestamp":"2026-08-26T10:00:00.000000Z","actor_id":"worker-a1","payload":{"attempt_id":"a1","n":7}}
		],
		"artifacts": [
			{"sha256":"deadbeef","kind":"log","uri":"file:///tmp/x","size":12}
		]
	}`)
	b, err := DecodeBundle(raw)
	require.NoError(t, err)
	require.Equal(t, "demo", b.Target)
	require.Len(t, b.Events, 1)
	require.Len(t, b.Artifacts, 1)

	// Numbers must come back as json.Number for exact re-hashing.
	n, ok := b.Events[0].Payload["n"].(json.Number)
	require.True(t, ok, "payload numbers must decode as json.Number, got %T", b.Events[0].Payload["n"])
	assert.Equal(t, "7", n.String())
}

func TestDecodeBundleRejectsMissingFields(t *testing.T) {
	_, err := DecodeBundle([]byte(`{"events": []}`))
	require.Error(t, err)
}
