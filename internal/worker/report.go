package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iangreen74/leviathan/internal/event"
)

const reportTimeout = 30 * time.Second

// postBundle delivers the attempt's event bundle to the ingest endpoint
// with the control-plane bearer token.
func postBundle(ctx context.Context, baseURL, token string, b event.Bundle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("worker: encode bundle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	url := strings.TrimSuffix(baseURL, "/") + "/v1/events/ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("worker: build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker: post bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("worker: ingest returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
