package graph

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/iangreen74/leviathan/internal/event"
)

// Apply folds one event into the projection. The rules are exhaustive over
// the event-type set; types not named here are pure journal events and
// update no graph state. Apply is deterministic: the resulting graph is a
// pure function of the applied event sequence.
func (p *Projection) Apply(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case event.TypeTargetRegistered:
		if name := e.PayloadString("name"); name != "" {
			p.upsert(name, NodeTarget, e.Payload)
		}

	case event.TypeTaskCreated:
		taskID := e.PayloadString("task_id")
		if taskID == "" {
			return
		}
		p.upsert(taskID, NodeTask, e.Payload)
		if target := e.PayloadString("target"); target != "" {
			p.addEdge(taskID, EdgeDependsOn, target)
		}

	case event.TypeTaskUpdated, event.TypeTaskCompleted, event.TypeTaskBlocked:
		taskID := e.PayloadString("task_id")
		if taskID == "" {
			return
		}
		p.upsert(taskID, NodeTask, e.Payload)

	case event.TypeAttemptCreated:
		attemptID := e.PayloadString("attempt_id")
		if attemptID == "" {
			return
		}
		props := withStatus(e.Payload, "created")
		p.upsert(attemptID, NodeAttempt, props)
		if taskID := e.PayloadString("task_id"); taskID != "" {
			p.addEdge(attemptID, EdgeDependsOn, taskID)
		}

	case event.TypeAttemptStarted:
		attemptID := e.PayloadString("attempt_id")
		if attemptID == "" {
			return
		}
		props := withStatus(e.Payload, "running")
		props["started_at"] = e.Timestamp.Format(timestampLayout)
		p.upsert(attemptID, NodeAttempt, props)
		if ws := e.PayloadString("workspace_id"); ws != "" {
			p.upsert(ws, NodeWorkspace, map[string]any{"workspace_id": ws})
			p.addEdge(attemptID, EdgeRunsIn, ws)
		}

	case event.TypeAttemptSucceeded:
		p.applyAttemptTerminal(e, "succeeded")

	case event.TypeAttemptFailed:
		p.applyAttemptTerminal(e, "failed")

	case event.TypeAttemptInvalidated:
		attemptID := e.PayloadString("attempt_id")
		if attemptID == "" {
			return
		}
		props := withStatus(e.Payload, "invalidated")
		props["completed_at"] = e.Timestamp.Format(timestampLayout)
		p.upsert(attemptID, NodeAttempt, props)
		if by := e.PayloadString("invalidated_by"); by != "" {
			p.addEdge(by, EdgeInvalidates, attemptID)
		}

	case event.TypeArtifactCreated:
		hash := e.PayloadString("sha256")
		if hash == "" {
			return
		}
		p.upsert(hash, NodeArtifact, e.Payload)
		if attemptID := e.PayloadString("attempt_id"); attemptID != "" {
			p.addEdge(attemptID, EdgeProduced, hash)
		}

	case event.TypePRCreated:
		nodeID := prNodeID(e)
		props := make(map[string]any, len(e.Payload)+1)
		for k, v := range e.Payload {
			props[k] = v
		}
		if _, ok := props["state"]; !ok {
			props["state"] = "open"
		}
		p.upsert(nodeID, NodePullRequest, props)
		if attemptID := e.PayloadString("attempt_id"); attemptID != "" {
			p.addEdge(attemptID, EdgeProduced, nodeID)
		}

	case event.TypePRMerged, event.TypePRClosed:
		nodeID := prNodeID(e)
		state := "closed"
		if e.Type == event.TypePRMerged {
			state = "merged"
		}
		p.upsert(nodeID, NodePullRequest, withStatusKey(e.Payload, "state", state))

	default:
		// Pure journal event: tests.*, model.*, bootstrap.*, repo.indexed,
		// file/workflow/route discovery, retry.scheduled.
	}
}

// Rebuild clears the projection and re-applies every event in order.
func (p *Projection) Rebuild(events []event.Event) {
	p.Clear()
	for _, e := range events {
		p.Apply(e)
	}
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

func (p *Projection) applyAttemptTerminal(e event.Event, status string) {
	attemptID := e.PayloadString("attempt_id")
	if attemptID == "" {
		return
	}
	props := withStatus(e.Payload, status)
	props["completed_at"] = e.Timestamp.Format(timestampLayout)
	p.upsert(attemptID, NodeAttempt, props)
	commit := e.PayloadString("commit_sha")
	if commit == "" {
		commit = e.PayloadString("commit")
	}
	if commit != "" {
		p.upsert(commit, NodeCommit, map[string]any{"sha": commit})
		p.addEdge(attemptID, EdgeProduced, commit)
	}
}

// prNodeID selects the PullRequest node identifier: the external number when
// known, else a stable digest of the URL, else a prefix of the event ID.
func prNodeID(e event.Event) string {
	if num := e.PayloadString("pr_number"); num != "" && num != "0" {
		return "pr-" + num
	}
	if u := e.PayloadString("pr_url"); u != "" {
		sum := sha256.Sum256([]byte(u))
		return "pr-" + hex.EncodeToString(sum[:])[:12]
	}
	id := e.EventID
	if len(id) > 12 {
		id = id[:12]
	}
	return "pr-" + id
}

func withStatus(payload map[string]any, status string) map[string]any {
	return withStatusKey(payload, "status", status)
}

func withStatusKey(payload map[string]any, key, value string) map[string]any {
	props := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		props[k] = v
	}
	props[key] = value
	return props
}
