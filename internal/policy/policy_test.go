package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPatternSegmentBoundary(t *testing.T) {
	assert.True(t, matchPattern("docs", "docs"))
	assert.True(t, matchPattern("docs", "docs/guide.md"))
	assert.True(t, matchPattern("docs/", "docs/guide.md"))
	assert.False(t, matchPattern("docs", "docsx/guide.md"))
	assert.False(t, matchPattern("docs", "docsx"))
	assert.False(t, matchPattern("", "docs"))
}

func TestMatchPatternTrailingStar(t *testing.T) {
	assert.True(t, matchPattern("docs*", "docsx"))
	assert.True(t, matchPattern("services/*", "services/api/main.go"))
	assert.False(t, matchPattern("services/*", "tools/x"))
}

func TestWritePermitted(t *testing.T) {
	allowed := []string{"docs/", "README.md"}

	require.NoError(t, WritePermitted("docs/guide.md", allowed))
	require.NoError(t, WritePermitted("./docs/guide.md", allowed))
	require.NoError(t, WritePermitted("README.md", allowed))

	require.ErrorIs(t, WritePermitted("src/main.py", allowed), ErrPathViolation)
	require.ErrorIs(t, WritePermitted("docsx/guide.md", allowed), ErrPathViolation)
	require.ErrorIs(t, WritePermitted("README.md.bak", allowed), ErrPathViolation)
}

func TestWritePermittedRejectsTraversal(t *testing.T) {
	allowed := []string{"docs/"}
	require.ErrorIs(t, WritePermitted("../etc/passwd", allowed), ErrPathViolation)
	require.ErrorIs(t, WritePermitted("docs/../secrets.txt", allowed), ErrPathViolation)
	require.ErrorIs(t, WritePermitted("/etc/passwd", allowed), ErrPathViolation)
	require.ErrorIs(t, WritePermitted("", allowed), ErrPathViolation)
}

func TestScopePermitted(t *testing.T) {
	allow := []string{"docs/", "services/"}
	deny := []string{"infra/", "secrets/"}

	require.NoError(t, ScopePermitted([]string{"docs/guide.md"}, allow, deny))
	require.NoError(t, ScopePermitted([]string{"services/api/"}, allow, deny))

	err := ScopePermitted([]string{"infra/main.tf"}, allow, deny)
	require.ErrorIs(t, err, ErrScopeDenied)

	err = ScopePermitted([]string{"tools/gen.go"}, allow, deny)
	require.ErrorIs(t, err, ErrScopeDenied)
}

func TestScopePermittedEmptyAllowList(t *testing.T) {
	// With no allow patterns, anything not denied is permitted.
	require.NoError(t, ScopePermitted([]string{"anything/at/all"}, nil, []string{"secrets/"}))
	require.ErrorIs(t, ScopePermitted([]string{"secrets/key"}, nil, []string{"secrets/"}), ErrScopeDenied)
}

func TestCheckCommand(t *testing.T) {
	for _, cmd := range []string{
		"terraform apply -auto-approve",
		"aws s3api delete-bucket --bucket x",
		"kubectl delete deployment api",
		"helm upgrade release ./chart",
		"SAM deploy --guided",
	} {
		assert.ErrorIs(t, CheckCommand(cmd), ErrUnsafeCommand, cmd)
	}

	for _, cmd := range []string{
		"go test ./...",
		"terraform fmt -check",
		"kubectl get pods",
		"aws s3 ls",
	} {
		assert.NoError(t, CheckCommand(cmd), cmd)
	}
}

func TestRetryable(t *testing.T) {
	for _, ft := range []string{
		FailurePathViolation, FailureUnsafeCommand, FailureScopeMismatch, FailureTaskNotFound,
	} {
		assert.False(t, Retryable(ft), ft)
	}
	for _, ft := range []string{
		FailureModelOutputInvalid, FailureGitError, FailureGithubError,
		FailureTimeout, FailureMergeConflictPredicted, FailureTestsFailed,
		FailureJobSubmitError, FailureWorkerError, FailureBacklogInvalid,
	} {
		assert.True(t, Retryable(ft), ft)
	}
}
