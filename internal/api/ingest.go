package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/journal"
)

const maxBundleBytes = 32 << 20

// bundleSchema validates the wire shape of an ingest bundle before any
// event construction. Payload stays an open object; the closed event-type
// set is enforced separately so the error can name the offending event.
const bundleSchema = `{
  "type": "object",
  "required": ["target", "bundle_id", "events"],
  "properties": {
    "target": {"type": "string", "minLength": 1},
    "bundle_id": {"type": "string", "minLength": 1},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["event_id", "event_type", "timestamp", "actor_id", "payload"],
        "properties": {
          "event_id": {"type": "string", "minLength": 1},
          "event_type": {"type": "string", "minLength": 1},
          "timestamp": {"type": "string"},
          "actor_id": {"type": "string"},
          "payload": {"type": "object"}
        }
      }
    },
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sha256", "kind"],
        "properties": {
          "sha256": {"type": "string", "minLength": 64, "maxLength": 64},
          "kind": {"type": "string"},
          "uri": {"type": "string"},
          "size": {"type": "integer"}
        }
      }
    }
  }
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.json", bundleSchema)

// handleIngest accepts one event bundle: validate, append each event to the
// journal, apply to the projection, broadcast to stream subscribers, and
// fan the bundle to the observability sink best-effort. Per-event failures
// are logged and skipped; the response reports how many made it in.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleBytes))
	if err != nil {
		errJSON(w, http.StatusBadRequest, "read body: "+err.Error(), "bad_request")
		return
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		errJSON(w, http.StatusBadRequest, "malformed json: "+err.Error(), "bad_request")
		return
	}
	if err := compiledBundleSchema.Validate(generic); err != nil {
		errJSON(w, http.StatusBadRequest, "schema: "+schemaError(err), "validation_error")
		return
	}

	bundle, err := event.DecodeBundle(body)
	if err != nil {
		errJSON(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	ingested := 0
	for _, e := range bundle.Events {
		if !e.Type.Valid() {
			s.Logger.Warn("skipping event with unknown type",
				zap.String("event_id", e.EventID),
				zap.String("event_type", string(e.Type)))
			continue
		}
		sealed, err := s.Journal.Append(r.Context(), e)
		if err != nil {
			if errors.Is(err, journal.ErrDuplicate) {
				s.Logger.Debug("duplicate event skipped", zap.String("event_id", e.EventID))
				continue
			}
			s.Logger.Error("journal append failed, event skipped",
				zap.String("event_id", e.EventID), zap.Error(err))
			continue
		}
		s.Projection.Apply(sealed)
		if s.Hub != nil {
			s.Hub.Broadcast(sealed)
		}
		if s.Metrics != nil {
			s.Metrics.EventsIngested.WithLabelValues(string(sealed.Type)).Inc()
		}
		ingested++
	}

	if s.Sink != nil {
		s.Sink.Forward(body)
	}

	JSON(w, http.StatusOK, map[string]any{
		"ingested":  ingested,
		"bundle_id": bundle.BundleID,
		"status":    "ok",
	})
}

func schemaError(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return leaf.Message
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
