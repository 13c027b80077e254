package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/policy"
	"github.com/iangreen74/leviathan/internal/target"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		abs := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func TestAllowedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"docs/setup.md":        "# Setup\n",
		"docs/nested/deep.md":  "# Deep\n",
		"README.md":            "# Readme\n",
		"services/api/main.py": "print()\n",
	})

	files, err := allowedFiles(dir, []string{"docs/", "README.md"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docs/setup.md", "docs/nested/deep.md", "README.md"}, files)

	// Missing concrete entries and empty entries are skipped, not errors.
	files, err = allowedFiles(dir, []string{"CHANGELOG.md", "", "./README.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, files)

	// Wildcard prefixes glob the same as trailing-slash prefixes.
	files, err = allowedFiles(dir, []string{"services/*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"services/api/main.py"}, files)
}

func TestValidateExistence(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"docs/a.md": "x\n"})

	out, err := validateExistence(dir, []string{"docs/a.md"})
	require.NoError(t, err)
	assert.Contains(t, out, "exists docs/a.md")

	out, err = validateExistence(dir, []string{"docs/a.md", "docs/missing.md"})
	require.Error(t, err)
	assert.Contains(t, out, "missing docs/missing.md")

	var f *failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.FailureTestsFailed, f.kind)
}

func TestValidateCI(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		".github/workflows/ci.yml": "name: ci\non: push\njobs: {}\n",
		"ci/check.sh":              "#!/bin/sh\necho ok\n",
	})

	out, err := validateCI(context.Background(), dir, []string{".github/workflows/ci.yml", "ci/check.sh"})
	require.NoError(t, err)
	assert.Contains(t, out, "yaml .github/workflows/ci.yml: ok")
	assert.Contains(t, out, "bash -n ci/check.sh: ok")
}

func TestValidateCIBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{".github/workflows/ci.yml": "{{nope"})

	_, err := validateCI(context.Background(), dir, []string{".github/workflows/ci.yml"})
	var f *failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.FailureTestsFailed, f.kind)
}

func TestValidateCIBadShell(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"ci/broken.sh": "if [ ; then\n"})

	out, err := validateCI(context.Background(), dir, []string{"ci/broken.sh"})
	require.Error(t, err)
	assert.Contains(t, out, "bash -n ci/broken.sh")
}

func TestRunTestCommandSkips(t *testing.T) {
	w := &Worker{}
	dir := t.TempDir()
	tcfg := &target.Config{LocalCacheDir: dir}
	task := &backlog.Task{ID: "svc-1", Scope: "services"}

	// No contract file means no test command, pass-by-skip.
	out, err := w.runTestCommand(context.Background(), dir, tcfg, task, []string{"services/x.py"})
	require.NoError(t, err)
	assert.Contains(t, out, "no test_command declared")

	// A declared command with no test files in scope also skips.
	writeTree(t, dir, map[string]string{".leviathan/contract.yaml": "test_command: echo ran\n"})
	out, err = w.runTestCommand(context.Background(), dir, tcfg, task, []string{"services/x.py"})
	require.NoError(t, err)
	assert.Contains(t, out, "no test files in scope")
}

func TestRunTestCommandRuns(t *testing.T) {
	w := &Worker{}
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		".leviathan/contract.yaml": "test_command: echo ran\n",
		"tests/test_api.py":        "assert True\n",
	})
	tcfg := &target.Config{LocalCacheDir: dir}
	task := &backlog.Task{ID: "t-1", Scope: "tests"}

	out, err := w.runTestCommand(context.Background(), dir, tcfg, task, []string{"tests/test_api.py"})
	require.NoError(t, err)
	assert.Contains(t, out, "ran tests/test_api.py")
}

func TestRunTestCommandFails(t *testing.T) {
	w := &Worker{}
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		".leviathan/contract.yaml": "test_command: \"false\"\n",
		"tests/test_api.py":        "assert True\n",
	})
	tcfg := &target.Config{LocalCacheDir: dir}
	task := &backlog.Task{ID: "t-1", Scope: "tests"}

	_, err := w.runTestCommand(context.Background(), dir, tcfg, task, []string{"tests/test_api.py"})
	var f *failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.FailureTestsFailed, f.kind)
}

func TestRunTestCommandForbidden(t *testing.T) {
	w := &Worker{}
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		".leviathan/contract.yaml": "test_command: kubectl delete pods --all &&\n",
		"tests/test_api.py":        "x\n",
	})
	tcfg := &target.Config{LocalCacheDir: dir}
	task := &backlog.Task{ID: "svc-1", Scope: "services"}

	_, err := w.runTestCommand(context.Background(), dir, tcfg, task, []string{"tests/test_api.py"})
	var f *failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.FailureUnsafeCommand, f.kind)
	assert.True(t, errors.Is(f.err, policy.ErrUnsafeCommand))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs", "guide.md")

	require.NoError(t, writeFileAtomic(path, []byte("# Guide")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Text content gains a trailing newline.
	assert.Equal(t, "# Guide\n", string(data))

	// Binary content is written verbatim.
	bin := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01}
	binPath := filepath.Join(dir, "assets", "logo.png")
	require.NoError(t, writeFileAtomic(binPath, bin))
	data, err = os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, bin, data)

	// No temp files survive.
	entries, err := os.ReadDir(filepath.Join(dir, "docs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIsText(t *testing.T) {
	assert.True(t, isText([]byte("plain text\n")))
	assert.True(t, isText(nil))
	assert.False(t, isText([]byte{0x00, 0x01}))
}
