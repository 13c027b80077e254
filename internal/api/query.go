package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/graph"
)

const defaultQueryLimit = 50

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultQueryLimit
}

// handleGraphSummary reports node and edge counts per type plus the last 20
// events, newest first.
func (s *Server) handleGraphSummary(w http.ResponseWriter, r *http.Request) {
	nodes, edges := s.Projection.Counts()

	events, err := s.Journal.Scan(r.Context(), time.Time{}, 0)
	if err != nil {
		errJSON(w, http.StatusInternalServerError, err.Error(), "journal_error")
		return
	}
	const tail = 20
	if len(events) > tail {
		events = events[len(events)-tail:]
	}
	// Newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	JSON(w, http.StatusOK, map[string]any{
		"nodes":         nodes,
		"edges":         edges,
		"recent_events": events,
	})
}

// handleListTasks lists task nodes, optionally filtered by target.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filters := map[string]any{}
	if t := r.URL.Query().Get("target"); t != "" {
		filters["target"] = t
	}
	tasks := s.Projection.QueryNodes(graph.NodeTask, filters)
	JSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleListAttempts lists attempt nodes filtered by target, newest first.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	filters := map[string]any{}
	if t := r.URL.Query().Get("target"); t != "" {
		filters["target"] = t
	}
	attempts := s.Projection.QueryNodes(graph.NodeAttempt, filters)
	sort.SliceStable(attempts, func(i, j int) bool {
		return nodeTime(attempts[i]) > nodeTime(attempts[j])
	})
	if limit := queryLimit(r); len(attempts) > limit {
		attempts = attempts[:limit]
	}
	JSON(w, http.StatusOK, map[string]any{"attempts": attempts, "count": len(attempts)})
}

// nodeTime picks the best available ordering timestamp off a node.
func nodeTime(n *graph.Node) string {
	for _, k := range []string{"completed_at", "started_at", "created_at"} {
		if v, ok := n.Props[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// handleGetAttempt returns the attempt node, every event referencing it,
// and the artifacts one PRODUCED edge away.
func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node := s.Projection.GetNode(id)
	if node == nil || node.Type != graph.NodeAttempt {
		errJSON(w, http.StatusNotFound, "attempt not found", "not_found")
		return
	}

	events, err := s.Journal.Scan(r.Context(), time.Time{}, 0)
	if err != nil {
		errJSON(w, http.StatusInternalServerError, err.Error(), "journal_error")
		return
	}
	var related []event.Event
	for _, e := range events {
		if e.PayloadString("attempt_id") == id {
			related = append(related, e)
		}
	}

	var artifacts []*graph.Node
	for _, edge := range s.Projection.QueryEdges(id, "", graph.EdgeProduced) {
		if n := s.Projection.GetNode(edge.To); n != nil && n.Type == graph.NodeArtifact {
			artifacts = append(artifacts, n)
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"attempt":   node,
		"events":    related,
		"artifacts": artifacts,
	})
}

// handleListFailures lists terminal failure events, newest first: every
// attempt.failed plus task.completed events whose status is failed.
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	events, err := s.Journal.Scan(r.Context(), time.Time{}, 0)
	if err != nil {
		errJSON(w, http.StatusInternalServerError, err.Error(), "journal_error")
		return
	}
	targetFilter := r.URL.Query().Get("target")

	var failures []event.Event
	for _, e := range events {
		switch {
		case e.Type == event.TypeAttemptFailed:
		case e.Type == event.TypeTaskCompleted && e.PayloadString("status") == "failed":
		default:
			continue
		}
		if targetFilter != "" && e.PayloadString("target") != targetFilter {
			continue
		}
		failures = append(failures, e)
	}
	sort.SliceStable(failures, func(i, j int) bool {
		return failures[i].Timestamp.After(failures[j].Timestamp)
	})
	if limit := queryLimit(r); len(failures) > limit {
		failures = failures[:limit]
	}
	JSON(w, http.StatusOK, map[string]any{"failures": failures, "count": len(failures)})
}
