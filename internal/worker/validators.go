package worker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/policy"
	"github.com/iangreen74/leviathan/internal/target"
)

const testTimeout = 10 * time.Minute

// validate runs the per-scope validator over the files under the task's
// allowed paths, emitting tests.started and a terminal tests event. The
// returned output is stored as a test_output artifact either way.
func (w *Worker) validate(ctx context.Context, cloneDir string, tcfg *target.Config, task *backlog.Task) (string, error) {
	files, err := allowedFiles(cloneDir, task.AllowedPaths)
	if err != nil {
		return "", fail(policy.FailureWorkerError, err)
	}

	w.emit(event.TypeTestsStarted, map[string]any{
		"task_id":    task.ID,
		"attempt_id": w.cfg.AttemptID,
		"scope":      task.Scope,
		"files":      len(files),
	})

	output, verr := w.runValidator(ctx, cloneDir, tcfg, task, files)
	if verr != nil {
		w.emit(event.TypeTestsFailed, map[string]any{
			"task_id":    task.ID,
			"attempt_id": w.cfg.AttemptID,
			"scope":      task.Scope,
			"error":      verr.Error(),
		})
		return output, verr
	}
	w.emit(event.TypeTestsPassed, map[string]any{
		"task_id":    task.ID,
		"attempt_id": w.cfg.AttemptID,
		"scope":      task.Scope,
	})
	return output, nil
}

func (w *Worker) runValidator(ctx context.Context, cloneDir string, tcfg *target.Config, task *backlog.Task, files []string) (string, error) {
	switch task.Scope {
	case "ci":
		return validateCI(ctx, cloneDir, files)
	case "docs":
		return validateExistence(cloneDir, files)
	case "tests", "services", "tools":
		return w.runTestCommand(ctx, cloneDir, tcfg, task, files)
	case "infra":
		// No test runner; the forbidden-command guard is the whole check.
		return "", nil
	case "bootstrap", "topology":
		return "", nil
	default:
		return validateExistence(cloneDir, files)
	}
}

// validateCI syntax-checks shell scripts and parses workflow YAML.
func validateCI(ctx context.Context, cloneDir string, files []string) (string, error) {
	var out strings.Builder
	for _, f := range files {
		abs := filepath.Join(cloneDir, f)
		switch {
		case strings.HasSuffix(f, ".sh"):
			cmd := exec.CommandContext(ctx, "bash", "-n", abs)
			if combined, err := cmd.CombinedOutput(); err != nil {
				fmt.Fprintf(&out, "bash -n %s: %s\n", f, combined)
				return out.String(), fail(policy.FailureTestsFailed,
					fmt.Errorf("shell syntax check failed for %s: %w", f, err))
			}
			fmt.Fprintf(&out, "bash -n %s: ok\n", f)
		case strings.HasSuffix(f, ".yml"), strings.HasSuffix(f, ".yaml"):
			data, err := os.ReadFile(abs)
			if err != nil {
				return out.String(), fail(policy.FailureTestsFailed, err)
			}
			var doc any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				fmt.Fprintf(&out, "yaml %s: %v\n", f, err)
				return out.String(), fail(policy.FailureTestsFailed,
					fmt.Errorf("yaml parse failed for %s: %w", f, err))
			}
			fmt.Fprintf(&out, "yaml %s: ok\n", f)
		}
	}
	return out.String(), nil
}

// validateExistence checks that every expected file is present on disk.
func validateExistence(cloneDir string, files []string) (string, error) {
	var out strings.Builder
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(cloneDir, f)); err != nil {
			fmt.Fprintf(&out, "missing %s\n", f)
			return out.String(), fail(policy.FailureTestsFailed,
				fmt.Errorf("expected file %s does not exist", f))
		}
		fmt.Fprintf(&out, "exists %s\n", f)
	}
	return out.String(), nil
}

// runTestCommand runs the target-declared test runner against only the
// test files inside the allowed paths. No test files is a pass-by-skip.
func (w *Worker) runTestCommand(ctx context.Context, cloneDir string, tcfg *target.Config, task *backlog.Task, files []string) (string, error) {
	contract, err := tcfg.LoadContract()
	if err != nil {
		return "", fail(policy.FailureBacklogInvalid, err)
	}
	if contract.TestCommand == "" {
		return "no test_command declared, skipping\n", nil
	}

	var testFiles []string
	for _, f := range files {
		if classifyPath(f) == "tests" {
			testFiles = append(testFiles, f)
		}
	}
	if len(testFiles) == 0 {
		return "no test files in scope, skipping\n", nil
	}

	command := contract.TestCommand + " " + strings.Join(testFiles, " ")
	if task.Scope == "services" || task.Scope == "infra" {
		if err := policy.CheckCommand(command); err != nil {
			return "", fail(policy.FailureUnsafeCommand, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cloneDir
	combined, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(combined), fail(policy.FailureTimeout, ctx.Err())
		}
		return string(combined), fail(policy.FailureTestsFailed,
			fmt.Errorf("test command failed: %w", err))
	}
	return string(combined), nil
}

// allowedFiles expands the task's allowed paths to the concrete files
// currently in the tree. Prefix entries glob recursively.
func allowedFiles(cloneDir string, allowedPaths []string) ([]string, error) {
	fsys := os.DirFS(cloneDir)
	seen := map[string]bool{}
	var files []string
	for _, p := range allowedPaths {
		p = strings.TrimSpace(strings.TrimPrefix(p, "./"))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") || strings.HasSuffix(p, "*") {
			pattern := strings.TrimSuffix(strings.TrimSuffix(p, "*"), "/") + "/**"
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return nil, fmt.Errorf("worker: glob %s: %w", pattern, err)
			}
			for _, m := range matches {
				info, err := fs.Stat(fsys, m)
				if err != nil || info.IsDir() || seen[m] {
					continue
				}
				seen[m] = true
				files = append(files, m)
			}
			continue
		}
		if info, err := fs.Stat(fsys, p); err == nil && !info.IsDir() && !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	return files, nil
}
