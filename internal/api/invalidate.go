package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
)

// handleInvalidate marks an attempt invalidated post-hoc: the running
// worker is never cancelled, the record is. Emits attempt.invalidated and
// applies it, flipping the node status through the projection.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node := s.Projection.GetNode(id)
	if node == nil || node.Type != graph.NodeAttempt {
		errJSON(w, http.StatusNotFound, "attempt not found", "not_found")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "malformed body: "+err.Error(), "bad_request")
		return
	}

	e := event.New(event.TypeAttemptInvalidated, "operator", map[string]any{
		"attempt_id": id,
		"task_id":    node.Props["task_id"],
		"reason":     body.Reason,
	})
	sealed, err := s.Journal.Append(r.Context(), e)
	if err != nil && !errors.Is(err, journal.ErrDuplicate) {
		errJSON(w, http.StatusInternalServerError, err.Error(), "journal_error")
		return
	}
	if err == nil {
		s.Projection.Apply(sealed)
		if s.Hub != nil {
			s.Hub.Broadcast(sealed)
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"attempt_id": id,
		"status":     "invalidated",
		"reason":     body.Reason,
	})
}
