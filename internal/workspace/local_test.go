package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalCreateDestroy(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, zap.NewNop())
	require.NoError(t, err)

	ws, err := l.Create("attempt-docs-001-aaaa")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ws.ID, "ws-"))
	assert.True(t, strings.HasPrefix(ws.Dir, root))

	info, err := os.Stat(ws.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	l.Destroy(ws)
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))

	// Destroy is idempotent.
	l.Destroy(ws)
	l.Destroy(nil)
}

func TestLocalCreateIsolatesAttempts(t *testing.T) {
	l, err := NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	a, err := l.Create("attempt-1")
	require.NoError(t, err)
	b, err := l.Create("attempt-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir, b.Dir)
}

func TestLocalDestroyRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, zap.NewNop())
	require.NoError(t, err)

	outside := t.TempDir()
	victim := filepath.Join(outside, "keep.txt")
	require.NoError(t, os.WriteFile(victim, []byte("untouched"), 0o644))

	l.Destroy(&Workspace{ID: "ws-x", Dir: outside})
	_, err = os.Stat(victim)
	require.NoError(t, err, "files outside the managed root must survive")

	l.Destroy(&Workspace{ID: "ws-y", Dir: root})
	_, err = os.Stat(root)
	require.NoError(t, err, "the root itself must survive")
}
