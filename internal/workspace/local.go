// Package workspace realizes attempt isolation: every attempt runs in a
// directory created fresh for it and destroyed on completion, either on the
// local host or inside a Kubernetes Job.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Workspace is one ephemeral attempt directory.
type Workspace struct {
	ID   string
	Dir  string
	root string
}

// Local creates attempt directories under a common root.
type Local struct {
	root   string
	logger *zap.Logger
}

// NewLocal builds the manager rooted at dir, defaulting to the system temp
// directory.
func NewLocal(dir string, logger *zap.Logger) (*Local, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "leviathan-workspaces")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Local{root: dir, logger: logger}, nil
}

// Create makes a fresh directory for one attempt. Callers must arrange
// Destroy in a deferred call so a mid-attempt panic cannot leak state.
func (l *Local) Create(attemptID string) (*Workspace, error) {
	id := "ws-" + uuid.NewString()
	dir := filepath.Join(l.root, attemptID+"-"+id[3:11])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
	}
	l.logger.Debug("workspace created", zap.String("workspace_id", id), zap.String("dir", dir))
	return &Workspace{ID: id, Dir: dir, root: l.root}, nil
}

// Destroy removes the workspace tree. Safe to call more than once.
func (l *Local) Destroy(ws *Workspace) {
	if ws == nil || ws.Dir == "" {
		return
	}
	// Refuse to remove anything outside the managed root.
	rel, err := filepath.Rel(l.root, ws.Dir)
	if err != nil || rel == "." || filepath.IsAbs(rel) || rel == ".." || len(rel) > 1 && rel[:2] == ".." {
		l.logger.Warn("workspace outside root, not removing", zap.String("dir", ws.Dir))
		return
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		l.logger.Warn("workspace cleanup failed", zap.String("dir", ws.Dir), zap.Error(err))
		return
	}
	l.logger.Debug("workspace destroyed", zap.String("workspace_id", ws.ID))
}
