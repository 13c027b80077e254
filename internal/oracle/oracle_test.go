package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/backlog"
)

func TestBuildRequest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "guide.md"), []byte("# Existing\n"), 0o644))

	task := &backlog.Task{
		ID:           "docs-001",
		Title:        "Write the guide",
		Scope:        "docs",
		Priority:     "high",
		AllowedPaths: []string{"docs/guide.md", "docs/new.md"},
	}

	req, err := BuildRequest(dir, task, nil)
	require.NoError(t, err)
	assert.Equal(t, "docs-001", req.TaskID)
	assert.Equal(t, "# Existing\n", req.Files["docs/guide.md"])
	// Missing files are present with empty content so the model knows to
	// create them.
	content, ok := req.Files["docs/new.md"]
	require.True(t, ok)
	assert.Empty(t, content)
	assert.Nil(t, req.Retry)
}

func TestBuildRequestTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", MaxFileBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.md"), []byte(big), 0o644))

	task := &backlog.Task{ID: "t", AllowedPaths: []string{"big.md"}}
	req, err := BuildRequest(dir, task, nil)
	require.NoError(t, err)
	assert.Len(t, req.Files["big.md"], MaxFileBytes+len(TruncationMarker))
	assert.True(t, strings.HasSuffix(req.Files["big.md"], TruncationMarker))
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var payload struct {
			Model   string   `json:"model"`
			Request *Request `json:"request"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotModel = payload.Model
		w.Write([]byte(`[{"path":"docs/guide.md","content_b64":"` + b64("# Done\n") + `"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", "codegen-large", zap.NewNop())
	files, raw, err := c.Generate(context.Background(), &Request{TaskID: "docs-001"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer key-123", gotAuth)
	assert.Equal(t, "codegen-large", gotModel)
	require.Len(t, files, 1)
	assert.Equal(t, "# Done\n", string(files[0].Content))
	assert.NotEmpty(t, raw)
}

func TestGenerateNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream overloaded"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", zap.NewNop())
	_, raw, err := c.Generate(context.Background(), &Request{TaskID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	// The raw body is still returned for artifact storage.
	assert.Equal(t, "upstream overloaded", string(raw))
}

func TestGenerateInvalidResponseKeepsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("I refuse."))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", zap.NewNop())
	_, raw, err := c.Generate(context.Background(), &Request{TaskID: "t"})
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, "I refuse.", string(raw))
}
