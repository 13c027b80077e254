package api

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// sinkTimeout bounds the best-effort forward; ingest never waits longer.
const sinkTimeout = 1 * time.Second

// Sink forwards raw ingest bundles to an optional observability endpoint.
// Failures are logged and dropped; they must never fail the ingest path.
type Sink struct {
	url    string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewSink builds a forwarder; a nil return means forwarding is disabled.
func NewSink(url, token string, logger *zap.Logger) *Sink {
	if url == "" {
		return nil
	}
	return &Sink{
		url:    url,
		token:  token,
		http:   &http.Client{Timeout: sinkTimeout},
		logger: logger,
	}
}

// Forward posts the bundle bytes. Fire-and-forget with a hard deadline.
func (s *Sink) Forward(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Debug("sink request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Debug("sink forward failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("sink returned non-2xx", zap.Int("status", resp.StatusCode))
	}
}
