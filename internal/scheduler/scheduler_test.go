package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/autonomy"
	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/gitexec"
	"github.com/iangreen74/leviathan/internal/githost"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
	"github.com/iangreen74/leviathan/internal/target"
)

type fakeDispatcher struct {
	err   error
	calls []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task backlog.Task, attemptID string) error {
	d.calls = append(d.calls, task.ID)
	return d.err
}

type fixture struct {
	sched      *Scheduler
	jrnl       journal.Journal
	proj       *graph.Projection
	dispatcher *fakeDispatcher
	openPRs    *[]githost.PullRequest
	origin     string
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@local",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@local",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newFixture stands up an origin repo carrying the given backlog, an API
// stub serving the mutable openPRs slice, and a scheduler wired to both.
func newFixture(t *testing.T, backlogYAML string, auto *autonomy.Config) *fixture {
	t.Helper()

	origin := t.TempDir()
	runGit(t, origin, "init", "-b", "main")
	require.NoError(t, os.MkdirAll(filepath.Join(origin, ".leviathan"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(origin, ".leviathan", "backlog.yaml"), []byte(backlogYAML), 0o644))
	runGit(t, origin, "add", "-A")
	runGit(t, origin, "commit", "-m", "seed backlog")

	openPRs := &[]githost.PullRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(*openPRs)
	}))
	t.Cleanup(srv.Close)

	jrnl, err := journal.OpenNDJSON(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	tcfg := &target.Config{
		Name:          "demo",
		RepoURL:       origin,
		DefaultBranch: "main",
		LocalCacheDir: filepath.Join(t.TempDir(), "cache"),
	}
	proj := graph.New()
	dispatcher := &fakeDispatcher{}
	sched := New(tcfg, auto, jrnl, proj,
		githost.New(srv.URL, "acme", "demo", ""),
		gitexec.New(""), dispatcher, zap.NewNop())

	return &fixture{
		sched:      sched,
		jrnl:       jrnl,
		proj:       proj,
		dispatcher: dispatcher,
		openPRs:    openPRs,
		origin:     origin,
	}
}

func enabledConfig() *autonomy.Config {
	return &autonomy.Config{
		AutonomyEnabled:        true,
		TargetID:               "demo",
		MaxOpenPRs:             2,
		MaxAttemptsPerTask:     3,
		RetryBackoffSeconds:    60,
		CircuitBreakerFailures: 3,
		CircuitBreakerWindow:   10,
	}
}

func eventTypes(t *testing.T, jrnl journal.Journal) []event.Type {
	t.Helper()
	events, err := jrnl.Scan(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	types := make([]event.Type, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

const readyBacklog = `
tasks:
  - id: docs-001
    title: Write the guide
    scope: docs
    priority: medium
    ready: true
    allowed_paths:
      - docs/
  - id: urgent-002
    title: Fix the outage doc
    scope: docs
    priority: high
    ready: true
    allowed_paths:
      - docs/
`

func TestTickAutonomyDisabled(t *testing.T) {
	f := newFixture(t, readyBacklog, &autonomy.Config{AutonomyEnabled: false})

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "autonomy disabled", res.Reason)
	assert.Empty(t, f.dispatcher.calls)
	assert.Empty(t, eventTypes(t, f.jrnl))
}

func TestTickDispatchesByPriority(t *testing.T) {
	f := newFixture(t, readyBacklog, enabledConfig())

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	assert.Equal(t, "urgent-002", res.TaskID, "high priority wins over backlog order")
	assert.Equal(t, []string{"urgent-002"}, f.dispatcher.calls)

	types := eventTypes(t, f.jrnl)
	assert.Contains(t, types, event.TypeAttemptCreated)
	assert.Contains(t, types, event.TypeAttemptStarted)
	assert.Contains(t, types, event.TypeAttemptSucceeded)
	assert.Contains(t, types, event.TypeTaskCompleted)

	attempt := f.proj.GetNode(res.AttemptID)
	require.NotNil(t, attempt)
	assert.Equal(t, "succeeded", attempt.Props["status"])
}

// One open agent PR against a cap of one idles the tick without events.
func TestTickOpenPRCap(t *testing.T) {
	auto := enabledConfig()
	auto.MaxOpenPRs = 1
	f := newFixture(t, readyBacklog, auto)

	pr := githost.PullRequest{Number: 5, State: "open"}
	pr.Head.Ref = "agent/other-task"
	*f.openPRs = []githost.PullRequest{pr}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "open pr cap reached", res.Reason)
	assert.Empty(t, f.dispatcher.calls)
	assert.Empty(t, eventTypes(t, f.jrnl))
}

// The backlog's own max_open_prs tightens the operator cap.
func TestTickBacklogCapWins(t *testing.T) {
	f := newFixture(t, "max_open_prs: 1\n"+readyBacklog, enabledConfig())

	pr := githost.PullRequest{Number: 5, State: "open"}
	pr.Head.Ref = "agent/other-task"
	*f.openPRs = []githost.PullRequest{pr}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "open pr cap reached", res.Reason)
}

// A task with an open PR on any recognized worker branch form is latched.
func TestTickInFlightLatch(t *testing.T) {
	backlogYAML := `
tasks:
  - id: taskA
    title: Latched task
    scope: docs
    ready: true
    allowed_paths:
      - docs/
`
	f := newFixture(t, backlogYAML, enabledConfig())

	pr := githost.PullRequest{Number: 9, State: "open"}
	pr.Head.Ref = "agent/task-exec-attempt-taskA-abc12345"
	*f.openPRs = []githost.PullRequest{pr}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "no ready task", res.Reason)
	assert.Empty(t, f.dispatcher.calls)
}

func TestTickSkipsNotReadyAndNonPending(t *testing.T) {
	backlogYAML := `
tasks:
  - id: not-ready
    title: Not ready
    scope: docs
    allowed_paths: [docs/]
  - id: done
    title: Done already
    scope: docs
    ready: true
    status: completed
    allowed_paths: [docs/]
`
	f := newFixture(t, backlogYAML, enabledConfig())

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "no ready task", res.Reason)
}

func TestTickBlocksOnDependencies(t *testing.T) {
	backlogYAML := `
tasks:
  - id: dependent
    title: Needs another task first
    scope: docs
    ready: true
    allowed_paths: [docs/]
    dependencies: [other-task]
`
	f := newFixture(t, backlogYAML, enabledConfig())

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no ready task", res.Reason)
	assert.Contains(t, eventTypes(t, f.jrnl), event.TypeTaskBlocked)

	// The block event is deterministic, so a second tick adds nothing.
	before := len(eventTypes(t, f.jrnl))
	_, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, eventTypes(t, f.jrnl), before)
}

func TestTickDeniedByPolicy(t *testing.T) {
	backlogYAML := `
tasks:
  - id: infra-push
    title: Touch infra
    scope: infra
    ready: true
    allowed_paths: [infra/]
`
	f := newFixture(t, backlogYAML, enabledConfig())

	// Commit a policy denying infra/ into the origin.
	require.NoError(t, os.WriteFile(filepath.Join(f.origin, ".leviathan", "policy.yaml"),
		[]byte("deny_paths:\n  - infra/\n"), 0o644))
	runGit(t, f.origin, "add", "-A")
	runGit(t, f.origin, "commit", "-m", "deny infra")

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Empty(t, f.dispatcher.calls)
}

func TestTickRetryBackoff(t *testing.T) {
	f := newFixture(t, readyBacklog, enabledConfig())
	f.dispatcher.err = errors.New("worker crashed")

	now := time.Now().UTC()
	f.sched.now = func() time.Time { return now }

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	assert.Equal(t, "attempt failed", res.Reason)
	assert.Contains(t, eventTypes(t, f.jrnl), event.TypeRetryScheduled)

	// Inside the back-off window the task stays parked. The other backlog
	// task picks up instead, so park it too by failing again.
	res, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Dispatched)

	res, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "no ready task", res.Reason)

	// Past the back-off the retry dispatches.
	f.sched.now = func() time.Time { return now.Add(2 * time.Minute) }
	res, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
}

func TestTickAttemptCapClosesTask(t *testing.T) {
	auto := enabledConfig()
	auto.MaxAttemptsPerTask = 1
	f := newFixture(t, readyBacklog, auto)
	f.dispatcher.err = errors.New("worker crashed")

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Dispatched)

	// The cap closes the task as failed rather than scheduling a retry.
	events, err := f.jrnl.Scan(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	var closed bool
	for _, e := range events {
		if e.Type == event.TypeTaskCompleted && e.PayloadString("status") == "failed" {
			closed = true
			assert.Equal(t, "max_attempts_exceeded", e.PayloadString("reason"))
		}
	}
	assert.True(t, closed)
	assert.NotContains(t, eventTypes(t, f.jrnl), event.TypeRetryScheduled)

	// The task never dispatches again.
	res, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	if res.Dispatched {
		assert.NotEqual(t, f.dispatcher.calls[0], res.TaskID)
	}
}

func TestTickCircuitBreaker(t *testing.T) {
	auto := enabledConfig()
	f := newFixture(t, readyBacklog, auto)

	// Seed a run of consecutive failures for this target.
	for i := 0; i < auto.CircuitBreakerFailures; i++ {
		e := event.New(event.TypeAttemptFailed, "worker-x", map[string]any{
			"target":     "demo",
			"attempt_id": "a" + string(rune('1'+i)),
		})
		_, err := f.jrnl.Append(context.Background(), e)
		require.NoError(t, err)
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, "circuit breaker open", res.Reason)
	assert.Empty(t, f.dispatcher.calls)
}

// The open-PR cap is the first guardrail: when both the cap and the circuit
// breaker would idle the tick, the cap is the reported reason.
func TestTickOpenPRCapCheckedBeforeCircuit(t *testing.T) {
	auto := enabledConfig()
	auto.MaxOpenPRs = 1
	f := newFixture(t, readyBacklog, auto)

	pr := githost.PullRequest{Number: 5, State: "open"}
	pr.Head.Ref = "agent/other-task"
	*f.openPRs = []githost.PullRequest{pr}

	for i := 0; i < auto.CircuitBreakerFailures; i++ {
		e := event.New(event.TypeAttemptFailed, "worker-x", map[string]any{
			"target":     "demo",
			"attempt_id": "c" + string(rune('1'+i)),
		})
		_, err := f.jrnl.Append(context.Background(), e)
		require.NoError(t, err)
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "open pr cap reached", res.Reason)
	assert.Empty(t, f.dispatcher.calls)
}

func TestTickCircuitBreakerResetBySuccess(t *testing.T) {
	auto := enabledConfig()
	f := newFixture(t, readyBacklog, auto)

	ctx := context.Background()
	for i := 0; i < auto.CircuitBreakerFailures-1; i++ {
		_, err := f.jrnl.Append(ctx, event.New(event.TypeAttemptFailed, "worker-x", map[string]any{
			"target": "demo", "attempt_id": "f" + string(rune('1'+i)),
		}))
		require.NoError(t, err)
	}
	_, err := f.jrnl.Append(ctx, event.New(event.TypeAttemptSucceeded, "worker-x", map[string]any{
		"target": "demo", "attempt_id": "ok-1",
	}))
	require.NoError(t, err)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Dispatched, "a success inside the window keeps the breaker closed")
}

func TestClassifyDispatchError(t *testing.T) {
	assert.Equal(t, "job_submit_error", classifyDispatchError(errors.New("workspace: submit job: boom")))
	assert.Equal(t, "timeout", classifyDispatchError(context.DeadlineExceeded))
	assert.Equal(t, "worker_error", classifyDispatchError(errors.New("anything else")))
}
