// Package gitexec wraps the git binary for clone, worktree, branch, commit
// and push operations. Credentials travel only in rewritten remote URLs and
// are scrubbed from every error before it propagates.
package gitexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 5 * time.Minute

// CommandError carries the failing git invocation with its captured output.
// The token, if any, is redacted from all fields.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Git runs git commands for one repository checkout, authenticating pushes
// and fetches with an optional access token.
type Git struct {
	token   string
	timeout time.Duration
}

// New builds a runner. The token is trimmed of all whitespace; an empty
// token means anonymous access.
func New(token string) *Git {
	return &Git{token: strings.Join(strings.Fields(token), ""), timeout: DefaultTimeout}
}

// AuthURL rewrites an https remote URL to carry the token in the
// x-access-token userinfo form. Non-https URLs and empty tokens pass
// through untouched.
func (g *Git) AuthURL(repoURL string) string {
	if g.token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + g.token + "@" + strings.TrimPrefix(repoURL, "https://")
}

// redact removes the token from any string destined for logs or errors.
func (g *Git) redact(s string) string {
	if g.token == "" {
		return s
	}
	return strings.ReplaceAll(s, g.token, "***")
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Auto-maintenance spawns background helpers that outlive the attempt
	// and make runs nondeterministic.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		redactedArgs := make([]string, len(args))
		for i, a := range args {
			redactedArgs[i] = g.redact(a)
		}
		return stdout.String(), &CommandError{
			Args:   redactedArgs,
			Stdout: g.redact(stdout.String()),
			Stderr: g.redact(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// CloneOrUpdate ensures dir holds a checkout of repoURL at branch: a fresh
// clone when dir has no repository, otherwise fetch plus hard reset to the
// remote branch head.
func (g *Git) CloneOrUpdate(ctx context.Context, repoURL, branch, dir string) error {
	if g.IsRepo(dir) {
		if _, err := g.run(ctx, dir, "fetch", "origin", branch); err != nil {
			return err
		}
		if _, err := g.run(ctx, dir, "checkout", branch); err != nil {
			return err
		}
		_, err := g.run(ctx, dir, "reset", "--hard", "origin/"+branch)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("gitexec: create parent dir: %w", err)
	}
	_, err := g.run(ctx, filepath.Dir(dir), "clone", "--branch", branch, g.AuthURL(repoURL), dir)
	return err
}

// CloneShallow clones one branch at depth 1, for ephemeral attempt
// workspaces where history is dead weight.
func (g *Git) CloneShallow(ctx context.Context, repoURL, branch, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("gitexec: create parent dir: %w", err)
	}
	_, err := g.run(ctx, filepath.Dir(dir), "clone", "--depth", "1", "--branch", branch, g.AuthURL(repoURL), dir)
	return err
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(dir string) bool {
	out, err := g.run(context.Background(), dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the commit HEAD points at.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddWorktree creates a detached worktree for branch at worktreeDir,
// creating the branch from baseRef.
func (g *Git) AddWorktree(ctx context.Context, repoDir, worktreeDir, branch, baseRef string) error {
	_, err := g.run(ctx, repoDir, "worktree", "add", "-b", branch, worktreeDir, baseRef)
	return err
}

// RemoveWorktree tears a worktree down, discarding uncommitted state.
func (g *Git) RemoveWorktree(ctx context.Context, repoDir, worktreeDir string) error {
	_, err := g.run(ctx, repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// CommitAll stages everything and commits. When the environment has no git
// identity configured, a fixed fallback identity is supplied for the single
// commit without mutating repo config.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	_, err := g.run(ctx, dir, "commit", "-m", message)
	if err != nil && identityMissing(err) {
		_, err = g.run(ctx, dir,
			"-c", "user.name=leviathan-worker",
			"-c", "user.email=leviathan-worker@local",
			"commit", "-m", message,
		)
	}
	if err != nil {
		return "", err
	}
	return g.HeadSHA(ctx, dir)
}

// IsClean reports whether the work tree has no pending changes.
func (g *Git) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Push publishes branch to the authenticated remote URL.
func (g *Git) Push(ctx context.Context, dir, repoURL, branch string) error {
	_, err := g.run(ctx, dir, "push", g.AuthURL(repoURL), "HEAD:refs/heads/"+branch)
	return err
}

// CheckoutNew creates and switches to a new branch at HEAD.
func (g *Git) CheckoutNew(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "checkout", "-b", branch)
	return err
}

// RemoteBranchExists probes the remote for a branch head without fetching.
func (g *Git) RemoteBranchExists(ctx context.Context, dir, repoURL, branch string) (bool, error) {
	out, err := g.run(ctx, dir, "ls-remote", "--heads", g.AuthURL(repoURL), "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// DiffNameOnly lists the files changed between baseRef and HEAD.
func (g *Git) DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			files = append(files, t)
		}
	}
	return files, nil
}

// DiffUnified returns the full unified diff between baseRef and HEAD.
func (g *Git) DiffUnified(ctx context.Context, dir, baseRef string) (string, error) {
	return g.run(ctx, dir, "diff", baseRef)
}

// TrialMerge answers whether branch would merge cleanly into baseBranch,
// without leaving any merge state behind. Runs in a throwaway worktree.
func (g *Git) TrialMerge(ctx context.Context, repoDir, baseBranch, branch string) (bool, error) {
	tmp, err := os.MkdirTemp("", "leviathan-merge-*")
	if err != nil {
		return false, fmt.Errorf("gitexec: trial merge dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	dir := filepath.Join(tmp, "wt")

	if _, err := g.run(ctx, repoDir, "worktree", "add", "--detach", dir, baseBranch); err != nil {
		return false, err
	}
	defer g.run(context.Background(), repoDir, "worktree", "remove", "--force", dir)

	_, err = g.run(ctx, dir, "merge", "--no-commit", "--no-ff", branch)
	if err != nil {
		_, _ = g.run(ctx, dir, "merge", "--abort")
		return false, nil
	}
	_, _ = g.run(ctx, dir, "merge", "--abort")
	return true, nil
}

func identityMissing(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Author identity unknown") ||
		strings.Contains(s, "Please tell me who you are") ||
		strings.Contains(s, "unable to auto-detect email address")
}
