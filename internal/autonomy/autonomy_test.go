package autonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsDisabledDefault(t *testing.T) {
	cfg, source, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", source)
	assert.False(t, cfg.AutonomyEnabled)
	assert.Equal(t, DefaultMaxOpenPRs, cfg.MaxOpenPRs)
	assert.Equal(t, DefaultMaxAttemptsPerTask, cfg.MaxAttemptsPerTask)
	assert.Equal(t, DefaultRetryBackoffSeconds, cfg.RetryBackoffSeconds)
	assert.Equal(t, DefaultCircuitBreakerFailures, cfg.CircuitBreakerFailures)
	assert.Equal(t, DefaultCircuitBreakerWindow, cfg.CircuitBreakerWindow)
}

func TestLoadMountedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
autonomy_enabled: true
target_id: demo
allowed_path_prefixes:
  - docs/
denied_path_prefixes:
  - infra/
max_open_prs: 2
max_attempts_per_task: 5
`), 0o644))

	cfg, source, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, source)
	assert.True(t, cfg.AutonomyEnabled)
	assert.Equal(t, "demo", cfg.TargetID)
	assert.Equal(t, []string{"docs/"}, cfg.AllowedPathPrefixes)
	assert.Equal(t, 2, cfg.MaxOpenPRs)
	assert.Equal(t, 5, cfg.MaxAttemptsPerTask)
	// Unset limits still get defaults.
	assert.Equal(t, DefaultRetryBackoffSeconds, cfg.RetryBackoffSeconds)
	assert.Equal(t, DefaultCircuitBreakerFailures, cfg.CircuitBreakerFailures)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)
}
