package worker

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/policy"
)

// runBuiltin dispatches the in-process executors for system-scope tasks.
// These never call the model; they index the target and emit discovery
// events only.
func (w *Worker) runBuiltin(ctx context.Context, cloneDir string, task *backlog.Task) error {
	switch task.Scope {
	case "bootstrap":
		return w.runBootstrap(ctx, cloneDir, task)
	case "topology":
		return w.runTopology(ctx, cloneDir, task)
	default:
		return fail(policy.FailureWorkerError,
			errUnknownBuiltin(task.Scope))
	}
}

type errUnknownBuiltin string

func (e errUnknownBuiltin) Error() string { return "no builtin executor for scope " + string(e) }

// runBootstrap indexes the target: one repo.indexed summary, a
// file.discovered event per top-level entry, and a workflow.discovered per
// CI workflow file.
func (w *Worker) runBootstrap(ctx context.Context, cloneDir string, task *backlog.Task) error {
	w.emitDeterministic(event.TypeBootstrapStarted, map[string]any{
		"task_id":    task.ID,
		"attempt_id": w.cfg.AttemptID,
		"target":     w.cfg.TargetName,
	}, w.cfg.AttemptID, "bootstrap", "started")

	entries, err := os.ReadDir(cloneDir)
	if err != nil {
		return fail(policy.FailureWorkerError, err)
	}

	fileCount := 0
	filepath.WalkDir(cloneDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			fileCount++
		}
		return nil
	})

	sha, err := w.git.HeadSHA(ctx, cloneDir)
	if err != nil {
		return fail(policy.FailureGitError, err)
	}
	w.emitDeterministic(event.TypeRepoIndexed, map[string]any{
		"target":     w.cfg.TargetName,
		"attempt_id": w.cfg.AttemptID,
		"commit_sha": sha,
		"file_count": fileCount,
	}, w.cfg.AttemptID, "repo.indexed", sha)

	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		w.emitDeterministic(event.TypeFileDiscovered, map[string]any{
			"target":     w.cfg.TargetName,
			"attempt_id": w.cfg.AttemptID,
			"path":       e.Name(),
			"kind":       kind,
		}, w.cfg.AttemptID, "file", e.Name())
	}

	workflows, _ := filepath.Glob(filepath.Join(cloneDir, ".github", "workflows", "*.y*ml"))
	sort.Strings(workflows)
	for _, wf := range workflows {
		rel, _ := filepath.Rel(cloneDir, wf)
		w.emitDeterministic(event.TypeWorkflowDiscovered, map[string]any{
			"target":     w.cfg.TargetName,
			"attempt_id": w.cfg.AttemptID,
			"path":       rel,
		}, w.cfg.AttemptID, "workflow", rel)
	}

	w.emitDeterministic(event.TypeBootstrapCompleted, map[string]any{
		"task_id":    task.ID,
		"attempt_id": w.cfg.AttemptID,
		"target":     w.cfg.TargetName,
		"file_count": fileCount,
	}, w.cfg.AttemptID, "bootstrap", "completed")
	return nil
}

// routeRe matches HTTP route declarations across the handful of frameworks
// seen in target services.
var routeRe = regexp.MustCompile(`"(GET|POST|PUT|DELETE|PATCH)?\s*(/[A-Za-z0-9/_{}:.\-]*)"`)

var routeSourceExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rb": true,
}

// runTopology scans service sources for route declarations and emits an
// api.route.discovered event per distinct route.
func (w *Worker) runTopology(ctx context.Context, cloneDir string, task *backlog.Task) error {
	seen := map[string]bool{}
	err := filepath.WalkDir(cloneDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if !routeSourceExt[filepath.Ext(path)] {
			return nil
		}
		return w.scanRoutes(cloneDir, path, seen)
	})
	if err != nil {
		return fail(policy.FailureWorkerError, err)
	}

	routes := make([]string, 0, len(seen))
	for r := range seen {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	for _, r := range routes {
		method, route, _ := strings.Cut(r, " ")
		w.emitDeterministic(event.TypeAPIRouteDiscovered, map[string]any{
			"target":     w.cfg.TargetName,
			"attempt_id": w.cfg.AttemptID,
			"method":     method,
			"route":      route,
		}, w.cfg.AttemptID, "route", r)
	}
	return nil
}

func (w *Worker) scanRoutes(cloneDir, path string, seen map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		for _, m := range routeRe.FindAllStringSubmatch(scanner.Text(), -1) {
			route := m[2]
			if route == "/" || route == "" {
				continue
			}
			method := m[1]
			if method == "" {
				method = "ANY"
			}
			seen[method+" "+route] = true
		}
	}
	return nil
}
