// Package oracle speaks the code-generation protocol: it assembles a
// request from a task plus the current contents of its allowed paths, calls
// the model endpoint, and repairs the response into a validated file set.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/backlog"
)

// CallTimeout bounds one model call.
const CallTimeout = 2 * time.Minute

// MaxFileBytes is the per-file content limit embedded in a request; larger
// files are cut and marked.
const MaxFileBytes = 48 * 1024

// TruncationMarker is appended to any file content cut at MaxFileBytes.
const TruncationMarker = "\n...[truncated]..."

// FileEntry is one file the model returns.
type FileEntry struct {
	Path    string
	Content []byte
}

// RetryContext carries what went wrong on the previous attempt so the model
// can correct course.
type RetryContext struct {
	FailureType string `json:"failure_type"`
	TestOutput  string `json:"test_output"`
}

// Request is the outbound protocol document.
type Request struct {
	TaskID             string            `json:"task_id"`
	Title              string            `json:"title"`
	Scope              string            `json:"scope"`
	Priority           string            `json:"priority"`
	EstimatedSize      string            `json:"estimated_size"`
	AllowedPaths       []string          `json:"allowed_paths"`
	AcceptanceCriteria []string          `json:"acceptance_criteria"`
	Files              map[string]string `json:"files"`
	Retry              *RetryContext     `json:"retry,omitempty"`
}

// Client calls one model endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	logger   *zap.Logger
}

// New builds a client. The API key is optional for endpoints that do their
// own network-level auth.
func New(endpoint, apiKey, model string, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		model:    model,
		http:     &http.Client{Timeout: CallTimeout},
		logger:   logger,
	}
}

// BuildRequest assembles the protocol request for a task, reading the
// current contents of each allowed path from the workspace. Missing files
// appear with empty content so the model knows they are new.
func BuildRequest(workspaceDir string, task *backlog.Task, retry *RetryContext) (*Request, error) {
	req := &Request{
		TaskID:             task.ID,
		Title:              task.Title,
		Scope:              task.Scope,
		Priority:           task.Priority,
		EstimatedSize:      task.EstimatedSize,
		AllowedPaths:       task.AllowedPaths,
		AcceptanceCriteria: task.AcceptanceCriteria,
		Files:              make(map[string]string, len(task.AllowedPaths)),
		Retry:              retry,
	}
	for _, p := range task.AllowedPaths {
		data, err := os.ReadFile(filepath.Join(workspaceDir, p))
		if err != nil {
			if os.IsNotExist(err) {
				req.Files[p] = ""
				continue
			}
			return nil, fmt.Errorf("oracle: read %s: %w", p, err)
		}
		content := string(data)
		if len(content) > MaxFileBytes {
			content = content[:MaxFileBytes] + TruncationMarker
		}
		req.Files[p] = content
	}
	return req, nil
}

// Generate performs one protocol exchange and returns the repaired,
// validated file set plus the raw response body for artifact storage.
func (c *Client) Generate(ctx context.Context, req *Request) ([]FileEntry, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	payload := map[string]any{"model": c.model, "request": req}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("oracle: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle: call model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, raw, fmt.Errorf("oracle: model returned status %d", resp.StatusCode)
	}

	c.logger.Debug("model call completed",
		zap.String("task_id", req.TaskID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("response_bytes", len(raw)))

	files, err := ParseResponse(raw, c.logger)
	if err != nil {
		return nil, raw, err
	}
	return files, raw, nil
}
