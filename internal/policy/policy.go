// Package policy holds the pure guard functions applied before any task is
// scheduled or any file is written: scope checks against a target's
// allow/deny patterns, per-file write-permission checks against a task's
// allowed paths, and the forbidden command list for the shell boundary.
//
// Everything here is side-effect free and deterministic; violations are
// treated as malformed tasks, never as transient faults.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrPathViolation = errors.New("policy: path outside allowed paths")
	ErrScopeDenied   = errors.New("policy: scope not permitted")
	ErrUnsafeCommand = errors.New("policy: forbidden command")
)

// Failure types carried in attempt.failed payloads.
const (
	FailurePathViolation         = "path_violation"
	FailureUnsafeCommand         = "unsafe_command"
	FailureScopeMismatch         = "scope_mismatch"
	FailureModelOutputInvalid    = "model_output_invalid"
	FailureBacklogInvalid        = "backlog_invalid"
	FailureTaskNotFound          = "task_not_found"
	FailureGitError              = "git_error"
	FailureGithubError           = "github_error"
	FailureJobSubmitError        = "job_submit_error"
	FailureTimeout               = "timeout"
	FailureMergeConflictPredicted = "merge_conflict_predicted"
	FailureTestsFailed           = "tests_failed"
	FailureWorkerError           = "worker_error"
)

// Retryable reports whether a failure type is eligible for retry under the
// attempt cap. Policy violations are deterministic and never retried.
func Retryable(failureType string) bool {
	switch failureType {
	case FailurePathViolation, FailureUnsafeCommand, FailureScopeMismatch, FailureTaskNotFound:
		return false
	default:
		return true
	}
}

// matchPattern reports whether path matches a policy pattern: a plain
// prefix, or a prefix with a trailing '*' wildcard. Plain prefixes honor
// the path segment boundary: "docs" matches "docs" and "docs/x" but not
// "docsx".
func matchPattern(pattern, path string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	if path == pattern {
		return true
	}
	prefix := pattern
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(path, prefix)
}

// ScopePermitted answers whether a task's declared allowed_paths are inside
// the target's policy: every path must not match any deny pattern, and when
// the allow list is non-empty, must match at least one allow pattern.
func ScopePermitted(allowedPaths, allowPatterns, denyPatterns []string) error {
	for _, p := range allowedPaths {
		p = strings.TrimSpace(p)
		for _, deny := range denyPatterns {
			if matchPattern(deny, p) {
				return fmt.Errorf("%w: %q matches deny pattern %q", ErrScopeDenied, p, deny)
			}
		}
		if len(allowPatterns) == 0 {
			continue
		}
		allowed := false
		for _, allow := range allowPatterns {
			if matchPattern(allow, p) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %q matches no allow pattern", ErrScopeDenied, p)
		}
	}
	return nil
}

// WritePermitted answers whether one file path falls under at least one of
// the task's allowed_paths. Prefix matching honors the segment boundary and
// rejects traversal outside the workspace.
func WritePermitted(path string, allowedPaths []string) error {
	clean := strings.TrimPrefix(strings.TrimSpace(path), "./")
	if clean == "" || strings.HasPrefix(clean, "/") || strings.Contains(clean, "..") {
		return fmt.Errorf("%w: %q", ErrPathViolation, path)
	}
	for _, allowed := range allowedPaths {
		if matchPattern(strings.TrimSpace(allowed), clean) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrPathViolation, path)
}

// forbiddenCommands are infrastructure mutations rejected at the shell
// boundary, matched case-insensitively against the full command string.
var forbiddenCommands = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bterraform\s+(apply|destroy)\b`),
	regexp.MustCompile(`(?i)\baws\s+.*\b(create|update|delete|put)\b`),
	regexp.MustCompile(`(?i)\bsam\s+(deploy|delete)\b`),
	regexp.MustCompile(`(?i)\bkubectl\s+(apply|create|delete|patch)\b`),
	regexp.MustCompile(`(?i)\bhelm\s+(install|upgrade|delete)\b`),
	regexp.MustCompile(`(?i)\bgcloud\s+.*\b(create|update|delete)\b`),
	regexp.MustCompile(`(?i)\baz\s+.*\b(create|update|delete)\b`),
}

// CheckCommand rejects commands matching the forbidden pattern list.
func CheckCommand(command string) error {
	for _, re := range forbiddenCommands {
		if re.MatchString(command) {
			return fmt.Errorf("%w: %q matches %q", ErrUnsafeCommand, command, re.String())
		}
	}
	return nil
}
