// Package api implements the control-plane HTTP surface: authenticated
// event-bundle ingest, graph and attempt queries, attempt invalidation, the
// live event stream, and operational probes. Chi is the router; every
// endpoint except the health probe and metrics requires the control-plane
// bearer token.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorResponse is the error body shape.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error with a machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, map[string]any{"error": errorResponse{Message: message, Code: code}})
}
