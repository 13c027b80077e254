package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iangreen74/leviathan/internal/event"
)

func sampleStream() []event.Event {
	return []event.Event{
		event.New(event.TypeTargetRegistered, "operator", map[string]any{"name": "demo"}),
		event.New(event.TypeTaskCreated, "scheduler", map[string]any{
			"task_id": "docs-001", "target": "demo", "priority": "high",
		}),
		event.New(event.TypeAttemptCreated, "scheduler", map[string]any{
			"attempt_id": "attempt-docs-001-aaaa", "task_id": "docs-001",
		}),
		event.New(event.TypeAttemptStarted, "worker-attempt-docs-001-aaaa", map[string]any{
			"attempt_id": "attempt-docs-001-aaaa", "workspace_id": "ws-1",
		}),
		event.New(event.TypeArtifactCreated, "worker-attempt-docs-001-aaaa", map[string]any{
			"sha256": "0123456789abcdef", "kind": "diff", "attempt_id": "attempt-docs-001-aaaa",
		}),
		event.New(event.TypeAttemptSucceeded, "worker-attempt-docs-001-aaaa", map[string]any{
			"attempt_id": "attempt-docs-001-aaaa", "commit_sha": "deadbeef", "pr_number": "7",
		}),
		event.New(event.TypePRCreated, "worker-attempt-docs-001-aaaa", map[string]any{
			"pr_number": "7", "attempt_id": "attempt-docs-001-aaaa",
		}),
		event.New(event.TypeTaskCompleted, "scheduler", map[string]any{
			"task_id": "docs-001", "status": "completed",
		}),
	}
}

func TestApplyAttemptLifecycle(t *testing.T) {
	p := New()
	for _, e := range sampleStream() {
		p.Apply(e)
	}

	attempt := p.GetNode("attempt-docs-001-aaaa")
	require.NotNil(t, attempt)
	require.Equal(t, NodeAttempt, attempt.Type)
	assert.Equal(t, "succeeded", attempt.Props["status"])
	assert.NotEmpty(t, attempt.Props["started_at"])
	assert.NotEmpty(t, attempt.Props["completed_at"])

	task := p.GetNode("docs-001")
	require.NotNil(t, task)
	assert.Equal(t, "completed", task.Props["status"])

	commit := p.GetNode("deadbeef")
	require.NotNil(t, commit)
	assert.Equal(t, NodeCommit, commit.Type)

	produced := p.QueryEdges("attempt-docs-001-aaaa", "", EdgeProduced)
	tos := make([]string, 0, len(produced))
	for _, e := range produced {
		tos = append(tos, e.To)
	}
	assert.Contains(t, tos, "deadbeef")
	assert.Contains(t, tos, "0123456789abcdef")
	assert.Contains(t, tos, "pr-7")

	runsIn := p.QueryEdges("attempt-docs-001-aaaa", "ws-1", EdgeRunsIn)
	assert.Len(t, runsIn, 1)
}

// Two replays of the same stream must produce identical graphs.
func TestRebuildDeterministic(t *testing.T) {
	stream := sampleStream()

	a := New()
	a.Rebuild(stream)
	b := New()
	b.Rebuild(stream)

	require.Equal(t, a.QueryNodes("", nil), b.QueryNodes("", nil))
	require.Equal(t, a.QueryEdges("", "", ""), b.QueryEdges("", "", ""))

	// Rebuilding over an already-populated projection clears it first.
	a.Apply(event.New(event.TypeTaskCreated, "scheduler", map[string]any{"task_id": "extra"}))
	a.Rebuild(stream)
	require.Equal(t, b.QueryNodes("", nil), a.QueryNodes("", nil))
}

func TestApplyEdgeDedup(t *testing.T) {
	p := New()
	e := event.New(event.TypeAttemptCreated, "scheduler", map[string]any{
		"attempt_id": "a1", "task_id": "t1",
	})
	p.Apply(e)
	p.Apply(event.New(event.TypeAttemptCreated, "scheduler", map[string]any{
		"attempt_id": "a1", "task_id": "t1",
	}))

	require.Len(t, p.QueryEdges("a1", "t1", EdgeDependsOn), 1)
	_, edges := p.Counts()
	require.Equal(t, 1, edges[EdgeDependsOn])
}

func TestPRNodeIDFallbacks(t *testing.T) {
	p := New()

	p.Apply(event.New(event.TypePRCreated, "worker-a", map[string]any{"pr_number": "12"}))
	require.NotNil(t, p.GetNode("pr-12"))

	p.Apply(event.New(event.TypePRCreated, "worker-a", map[string]any{
		"pr_url": "https://github.com/acme/demo/pull/13",
	}))
	byURL := p.QueryNodes(NodePullRequest, map[string]any{"pr_url": "https://github.com/acme/demo/pull/13"})
	require.Len(t, byURL, 1)
	assert.Regexp(t, `^pr-[0-9a-f]{12}$`, byURL[0].ID)

	anon := event.New(event.TypePRCreated, "worker-a", map[string]any{"title": "untracked"})
	p.Apply(anon)
	require.NotNil(t, p.GetNode("pr-"+anon.EventID[:12]))
}

func TestPRStateTransitions(t *testing.T) {
	p := New()
	p.Apply(event.New(event.TypePRCreated, "worker-a", map[string]any{"pr_number": "3"}))
	require.Equal(t, "open", p.GetNode("pr-3").Props["state"])

	p.Apply(event.New(event.TypePRMerged, "scheduler", map[string]any{"pr_number": "3"}))
	require.Equal(t, "merged", p.GetNode("pr-3").Props["state"])

	p.Apply(event.New(event.TypePRClosed, "scheduler", map[string]any{"pr_number": "4"}))
	require.Equal(t, "closed", p.GetNode("pr-4").Props["state"])
}

func TestApplyIgnoresJournalOnlyEvents(t *testing.T) {
	p := New()
	p.Apply(event.New(event.TypeTestsStarted, "worker-a", map[string]any{"attempt_id": "a1"}))
	p.Apply(event.New(event.TypeRetryScheduled, "scheduler", map[string]any{"task_id": "t1"}))

	nodes, edges := p.Counts()
	require.Empty(t, nodes)
	require.Empty(t, edges)
}

func TestApplyInvalidated(t *testing.T) {
	p := New()
	p.Apply(event.New(event.TypeAttemptCreated, "scheduler", map[string]any{"attempt_id": "a1"}))
	p.Apply(event.New(event.TypeAttemptInvalidated, "operator", map[string]any{
		"attempt_id": "a1", "invalidated_by": "operator-jo",
	}))

	n := p.GetNode("a1")
	require.NotNil(t, n)
	assert.Equal(t, "invalidated", n.Props["status"])
	require.Len(t, p.QueryEdges("operator-jo", "a1", EdgeInvalidates), 1)
}

func TestQueryNodesFilters(t *testing.T) {
	p := New()
	p.Apply(event.New(event.TypeTaskCreated, "scheduler", map[string]any{"task_id": "t1", "target": "demo"}))
	p.Apply(event.New(event.TypeTaskCreated, "scheduler", map[string]any{"task_id": "t2", "target": "other"}))

	got := p.QueryNodes(NodeTask, map[string]any{"target": "demo"})
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].ID)

	// Mutating a returned clone must not leak into the projection.
	got[0].Props["target"] = "hacked"
	require.Equal(t, "demo", p.GetNode("t1").Props["target"])
}
