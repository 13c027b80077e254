// Package worker executes one attempt end to end: clone, generate, apply
// under policy, validate, commit, push, open a pull request, and report the
// full event bundle to the ingest API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/gitexec"
	"github.com/iangreen74/leviathan/internal/githost"
	"github.com/iangreen74/leviathan/internal/oracle"
	"github.com/iangreen74/leviathan/internal/policy"
	"github.com/iangreen74/leviathan/internal/target"
	"github.com/iangreen74/leviathan/internal/workspace"
)

// Config is the injected environment of one attempt.
type Config struct {
	TargetName    string
	RepoURL       string
	DefaultBranch string
	TaskID        string
	AttemptID     string

	ControlPlaneURL   string
	ControlPlaneToken string
	GitToken          string

	OracleEndpoint string
	OracleAPIKey   string
	OracleModel    string

	WorkspaceRoot string
	// LocalMode enables the pre-push mergeability probe, which needs full
	// history and is skipped for shallow container runs.
	LocalMode bool
}

// Worker runs one attempt.
type Worker struct {
	cfg    Config
	git    *gitexec.Git
	host   *githost.Client
	model  *oracle.Client
	store  artifact.Store
	logger *zap.Logger

	actor  string
	events []event.Event
	refs   []event.ArtifactRef
}

// New wires a worker from its config. The artifact store is injected so
// local and container runs can differ in backing.
func New(cfg Config, store artifact.Store, logger *zap.Logger) (*Worker, error) {
	owner, repo, err := githost.ParseRepoURL(cfg.RepoURL)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:    cfg,
		git:    gitexec.New(cfg.GitToken),
		host:   githost.New("", owner, repo, cfg.GitToken),
		model:  oracle.New(cfg.OracleEndpoint, cfg.OracleAPIKey, cfg.OracleModel, logger),
		store:  store,
		logger: logger,
		actor:  "worker-" + cfg.AttemptID,
	}, nil
}

// failure is a classified attempt failure.
type failure struct {
	kind string
	err  error
}

func (f *failure) Error() string { return f.kind + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(kind string, err error) *failure { return &failure{kind: kind, err: err} }

// Run drives the attempt state machine. Whatever happens, a bundle with a
// terminal attempt event is posted before return; the error reports the
// terminal state to the caller for its exit code.
func (w *Worker) Run(ctx context.Context) error {
	w.emitDeterministic(event.TypeAttemptCreated, map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
		"target":     w.cfg.TargetName,
	}, w.cfg.AttemptID, "created")
	w.emitDeterministic(event.TypeAttemptStarted, map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
		"target":     w.cfg.TargetName,
	}, w.cfg.AttemptID, "started")

	runErr := w.run(ctx)
	if runErr != nil {
		var f *failure
		kind := policy.FailureWorkerError
		if errors.As(runErr, &f) {
			kind = f.kind
		}
		if ctx.Err() != nil {
			kind = policy.FailureTimeout
		}
		w.logger.Error("attempt failed",
			zap.String("attempt_id", w.cfg.AttemptID),
			zap.String("failure_type", kind),
			zap.Error(runErr))
		w.emitDeterministic(event.TypeAttemptFailed, map[string]any{
			"task_id":      w.cfg.TaskID,
			"attempt_id":   w.cfg.AttemptID,
			"target":       w.cfg.TargetName,
			"failure_type": kind,
			"error":        runErr.Error(),
		}, w.cfg.AttemptID, "failed")
	}

	if err := w.report(ctx); err != nil {
		w.logger.Error("bundle report failed", zap.Error(err))
		if runErr == nil {
			return err
		}
	}
	return runErr
}

func (w *Worker) run(ctx context.Context) error {
	ws, cleanup, err := w.makeWorkspace()
	if err != nil {
		return fail(policy.FailureWorkerError, err)
	}
	defer cleanup()

	cloneDir := filepath.Join(ws.Dir, "target")
	if err := w.git.CloneShallow(ctx, w.cfg.RepoURL, w.cfg.DefaultBranch, cloneDir); err != nil {
		return fail(policy.FailureGitError, err)
	}

	task, err := w.loadTask(cloneDir)
	if err != nil {
		return err
	}

	tcfg := &target.Config{
		Name:          w.cfg.TargetName,
		RepoURL:       w.cfg.RepoURL,
		DefaultBranch: w.cfg.DefaultBranch,
		LocalCacheDir: cloneDir,
	}
	pol, err := tcfg.LoadPolicy()
	if err != nil {
		return fail(policy.FailureBacklogInvalid, err)
	}
	if err := policy.ScopePermitted(task.AllowedPaths, pol.AllowPaths, pol.DenyPaths); err != nil {
		return fail(policy.FailureScopeMismatch, err)
	}

	if builtinScope(task.Scope) {
		if err := w.runBuiltin(ctx, cloneDir, task); err != nil {
			return err
		}
	} else {
		if err := w.generateAndApply(ctx, cloneDir, task); err != nil {
			return err
		}
	}

	testOutput, err := w.validate(ctx, cloneDir, tcfg, task)
	if err != nil {
		w.putArtifact(ctx, []byte(testOutput), artifact.KindTestOutput)
		return err
	}
	if testOutput != "" {
		w.putArtifact(ctx, []byte(testOutput), artifact.KindTestOutput)
	}

	branch, commitSHA, changed, err := w.commit(ctx, cloneDir, task)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		// Nothing to push: the generated content matched the tree exactly.
		w.emitDeterministic(event.TypeAttemptSucceeded, map[string]any{
			"task_id":    w.cfg.TaskID,
			"attempt_id": w.cfg.AttemptID,
			"target":     w.cfg.TargetName,
			"no_op":      true,
		}, w.cfg.AttemptID, "succeeded")
		return nil
	}

	if w.cfg.LocalMode {
		clean, err := w.git.TrialMerge(ctx, cloneDir, "origin/"+w.cfg.DefaultBranch, branch)
		if err != nil {
			return fail(policy.FailureGitError, err)
		}
		if !clean {
			return fail(policy.FailureMergeConflictPredicted,
				fmt.Errorf("branch %s conflicts with origin/%s", branch, w.cfg.DefaultBranch))
		}
	}

	pr, err := w.pushAndPR(ctx, cloneDir, task, branch, changed)
	if err != nil {
		return err
	}

	summary := w.summaryLog(task, branch, commitSHA, pr)
	w.putArtifact(ctx, []byte(summary), artifact.KindLog)

	succeeded := map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
		"target":     w.cfg.TargetName,
		"branch":     branch,
		"commit_sha": commitSHA,
	}
	if pr != nil {
		succeeded["pr_number"] = pr.Number
		succeeded["pr_url"] = pr.HTMLURL
	}
	w.emitDeterministic(event.TypeAttemptSucceeded, succeeded, w.cfg.AttemptID, "succeeded")
	return nil
}

// makeWorkspace picks the first writable root: explicit override, the
// standard path, then the process temp dir.
func (w *Worker) makeWorkspace() (*workspace.Workspace, func(), error) {
	roots := []string{w.cfg.WorkspaceRoot, "/var/lib/leviathan/workspaces", ""}
	var lastErr error
	for _, root := range roots {
		local, err := workspace.NewLocal(root, w.logger)
		if err != nil {
			lastErr = err
			continue
		}
		ws, err := local.Create(w.cfg.AttemptID)
		if err != nil {
			lastErr = err
			continue
		}
		return ws, func() { local.Destroy(ws) }, nil
	}
	return nil, nil, fmt.Errorf("worker: no writable workspace root: %w", lastErr)
}

// loadTask reads the backlog from the clone; reserved system task IDs are
// synthesized when absent from the backlog.
func (w *Worker) loadTask(cloneDir string) (*backlog.Task, error) {
	var bl *backlog.Backlog
	path := filepath.Join(cloneDir, backlog.DefaultPath)
	if _, err := os.Stat(path); err == nil {
		bl, err = backlog.Load(path)
		if err != nil {
			return nil, fail(policy.FailureBacklogInvalid, err)
		}
	} else {
		bl = &backlog.Backlog{}
	}

	if t := bl.Find(w.cfg.TaskID); t != nil {
		return t, nil
	}
	if scope, ok := reservedScope(w.cfg.TargetName, w.cfg.TaskID); ok {
		return &backlog.Task{
			ID:    w.cfg.TaskID,
			Title: scope + " for " + w.cfg.TargetName,
			Scope: scope,
			Ready: true,
		}, nil
	}
	return nil, fail(policy.FailureTaskNotFound,
		fmt.Errorf("task %q not in backlog", w.cfg.TaskID))
}

// reservedScope recognizes the system task IDs a target gets before it has
// any backlog of its own.
func reservedScope(targetName, taskID string) (string, bool) {
	switch {
	case strings.HasPrefix(taskID, "bootstrap-"+targetName+"-v1"):
		return "bootstrap", true
	case strings.HasPrefix(taskID, "topology-"+targetName+"-v1"):
		return "topology", true
	}
	return "", false
}

// generateAndApply asks the oracle for the file set and writes it under the
// write-permission guard. The protocol grants one retry on an unusable or
// incomplete response, carrying the failure back as context. A path outside
// the task's scope is a policy violation, not a validation failure, and is
// never retried.
func (w *Worker) generateAndApply(ctx context.Context, cloneDir string, task *backlog.Task) error {
	req, err := oracle.BuildRequest(cloneDir, task, nil)
	if err != nil {
		return fail(policy.FailureWorkerError, err)
	}

	w.emit(event.TypeModelCallStarted, map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
	})

	var files []oracle.FileEntry
	var raw []byte
	retried := false
	for {
		files, raw, err = w.model.Generate(ctx, req)
		if err == nil {
			for _, f := range files {
				if perr := policy.WritePermitted(f.Path, task.AllowedPaths); perr != nil {
					return fail(policy.FailurePathViolation, perr)
				}
			}
			err = oracle.ValidatePathSet(files, task.AllowedPaths)
			if err == nil {
				break
			}
		}
		if ctx.Err() != nil {
			return fail(policy.FailureTimeout, err)
		}
		if retried {
			if len(raw) > 0 {
				w.putArtifact(ctx, raw, artifact.KindModelOutput)
			}
			return fail(policy.FailureModelOutputInvalid, err)
		}
		retried = true
		req.Retry = &oracle.RetryContext{
			FailureType: policy.FailureModelOutputInvalid,
			TestOutput:  truncateForRetry(err.Error()),
		}
	}

	w.emit(event.TypeModelCallCompleted, map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
		"files":      len(files),
	})
	w.putArtifact(ctx, raw, artifact.KindModelOutput)

	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(cloneDir, f.Path), f.Content); err != nil {
			return fail(policy.FailureWorkerError, err)
		}
	}
	return nil
}

// commit creates the attempt branch and commits everything staged. The
// plain agent/<task_id> name is used when free on the remote; otherwise a
// UTC timestamp suffix disambiguates.
func (w *Worker) commit(ctx context.Context, cloneDir string, task *backlog.Task) (branch, sha string, changed []string, err error) {
	clean, err := w.git.IsClean(ctx, cloneDir)
	if err != nil {
		return "", "", nil, fail(policy.FailureGitError, err)
	}
	if clean {
		return "", "", nil, nil
	}

	branch = "agent/" + w.cfg.TaskID
	exists, err := w.git.RemoteBranchExists(ctx, cloneDir, w.cfg.RepoURL, branch)
	if err != nil {
		return "", "", nil, fail(policy.FailureGitError, err)
	}
	if exists {
		branch = branch + "-" + time.Now().UTC().Format("20060102150405")
	}
	if diff, derr := w.git.DiffUnified(ctx, cloneDir, "HEAD"); derr == nil && diff != "" {
		w.putArtifact(ctx, []byte(diff), artifact.KindDiff)
	}

	if err := w.git.CheckoutNew(ctx, cloneDir, branch); err != nil {
		return "", "", nil, fail(policy.FailureGitError, err)
	}
	msg := fmt.Sprintf("%s: %s\n\nTask-ID: %s", commitPrefix(task.Scope, task.ID), task.Title, task.ID)
	sha, err = w.git.CommitAll(ctx, cloneDir, msg)
	if err != nil {
		return "", "", nil, fail(policy.FailureGitError, err)
	}
	changed, err = w.git.DiffNameOnly(ctx, cloneDir, "HEAD~1")
	if err != nil {
		// Shallow clones may lack HEAD~1; fall back to the commit's own tree.
		changed, err = w.git.DiffNameOnly(ctx, cloneDir, w.cfg.DefaultBranch)
		if err != nil {
			changed = nil
		}
	}
	return branch, sha, changed, nil
}

// pushAndPR publishes the branch and opens (or reuses) the pull request.
// The PR title is derived from the single scope of the changed files; work
// spanning scopes is rejected before anything is opened.
func (w *Worker) pushAndPR(ctx context.Context, cloneDir string, task *backlog.Task, branch string, changed []string) (*githost.PullRequest, error) {
	scope, err := singleScope(changed, task.Scope)
	if err != nil {
		return nil, fail(policy.FailureScopeMismatch, err)
	}

	if err := w.git.Push(ctx, cloneDir, w.cfg.RepoURL, branch); err != nil {
		return nil, fail(policy.FailureGitError, err)
	}

	open, err := w.host.ListOpenPRs(ctx)
	if err != nil {
		return nil, fail(policy.FailureGithubError, err)
	}
	for i := range open {
		if open[i].Head.Ref == branch {
			w.emitPR(&open[i], true)
			return &open[i], nil
		}
	}

	title := fmt.Sprintf("%s: %s", commitPrefix(scope, task.ID), task.Title)
	body := fmt.Sprintf("Automated change for task `%s`.\n\nTask-ID: %s", task.ID, task.ID)
	pr, err := w.host.CreatePR(ctx, title, body, branch, w.cfg.DefaultBranch)
	if err != nil {
		return nil, fail(policy.FailureGithubError, err)
	}
	w.emitPR(pr, false)
	return pr, nil
}

func (w *Worker) emitPR(pr *githost.PullRequest, reused bool) {
	w.emitDeterministic(event.TypePRCreated, map[string]any{
		"task_id":    w.cfg.TaskID,
		"attempt_id": w.cfg.AttemptID,
		"pr_number":  pr.Number,
		"pr_url":     pr.HTMLURL,
		"title":      pr.Title,
		"branch":     pr.Head.Ref,
		"reused":     reused,
	}, w.cfg.AttemptID, "pr", pr.Head.Ref)
}

// putArtifact stores a blob, records its reference in the outbound bundle,
// and emits the artifact.created event. Store failures are logged, never
// fatal: losing a log must not fail an otherwise good attempt.
func (w *Worker) putArtifact(ctx context.Context, data []byte, kind string) {
	if w.store == nil || len(data) == 0 {
		return
	}
	ref, err := w.store.Put(ctx, data, kind)
	if err != nil {
		w.logger.Warn("artifact store put failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	w.refs = append(w.refs, event.ArtifactRef{
		SHA256: ref.SHA256, Kind: ref.Kind, URI: ref.URI, Size: ref.Size,
	})
	w.emitDeterministic(event.TypeArtifactCreated, map[string]any{
		"attempt_id": w.cfg.AttemptID,
		"sha256":     ref.SHA256,
		"kind":       ref.Kind,
		"uri":        ref.URI,
		"size_bytes": ref.Size,
	}, w.cfg.AttemptID, "artifact", ref.SHA256)
}

func (w *Worker) summaryLog(task *backlog.Task, branch, sha string, pr *githost.PullRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "attempt %s task %s (%s)\n", w.cfg.AttemptID, task.ID, task.Scope)
	fmt.Fprintf(&b, "branch %s commit %s\n", branch, sha)
	if pr != nil {
		fmt.Fprintf(&b, "pr #%d %s\n", pr.Number, pr.HTMLURL)
	}
	return b.String()
}

func (w *Worker) emit(t event.Type, payload map[string]any) {
	w.events = append(w.events, event.New(t, w.actor, payload))
}

func (w *Worker) emitDeterministic(t event.Type, payload map[string]any, parts ...string) {
	w.events = append(w.events, event.NewDeterministic(t, w.actor, payload, parts...))
}

// report posts the bundle; the bundle ID is deterministic per attempt so a
// replayed report deduplicates cleanly.
func (w *Worker) report(ctx context.Context) error {
	bundleID := event.DeterministicID(w.cfg.AttemptID, "bundle")
	if w.cfg.ControlPlaneURL == "" {
		w.logger.Warn("no control plane configured, bundle not reported",
			zap.String("bundle_id", bundleID), zap.Int("events", len(w.events)))
		return nil
	}
	b := event.Bundle{
		Target:    w.cfg.TargetName,
		BundleID:  bundleID,
		Events:    w.events,
		Artifacts: w.refs,
	}
	return postBundle(ctx, w.cfg.ControlPlaneURL, w.cfg.ControlPlaneToken, b)
}

func truncateForRetry(s string) string {
	const max = 4096
	if len(s) > max {
		return s[:max] + oracle.TruncationMarker
	}
	return s
}

// writeFileAtomic writes to a sibling temp file and renames into place,
// ensuring a trailing newline for text content.
func writeFileAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("worker: create dir for %s: %w", path, err)
	}
	if len(content) > 0 && content[len(content)-1] != '\n' && isText(content) {
		content = append(content, '\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("worker: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("worker: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("worker: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("worker: rename %s: %w", path, err)
	}
	return nil
}

func isText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

