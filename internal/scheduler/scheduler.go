// Package scheduler drives the per-tick dispatch loop: it reads the
// target's backlog, applies the guardrails (open-PR cap, in-flight latch,
// attempt cap, retry back-off, circuit breaker), and hands at most one task
// per tick to a dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/autonomy"
	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/event"
	"github.com/iangreen74/leviathan/internal/gitexec"
	"github.com/iangreen74/leviathan/internal/githost"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
	"github.com/iangreen74/leviathan/internal/policy"
	"github.com/iangreen74/leviathan/internal/target"
)

const actorID = "scheduler"

// Dispatcher executes one attempt and returns its outcome. The error is
// classified by the scheduler into the retry policy.
type Dispatcher interface {
	Dispatch(ctx context.Context, task backlog.Task, attemptID string) error
}

// TickResult summarizes what one tick did, for logs and the one-shot exit
// code.
type TickResult struct {
	Dispatched bool
	TaskID     string
	AttemptID  string
	Reason     string
}

// Scheduler runs the tick algorithm against one target.
type Scheduler struct {
	target     *target.Config
	auto       *autonomy.Config
	jrnl       journal.Journal
	proj       *graph.Projection
	host       *githost.Client
	git        *gitexec.Git
	dispatcher Dispatcher
	logger     *zap.Logger

	now func() time.Time
}

// New wires a scheduler. The projection must already reflect the journal;
// the scheduler keeps it current as it appends.
func New(tcfg *target.Config, auto *autonomy.Config, jrnl journal.Journal, proj *graph.Projection,
	host *githost.Client, git *gitexec.Git, dispatcher Dispatcher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		target:     tcfg,
		auto:       auto,
		jrnl:       jrnl,
		proj:       proj,
		host:       host,
		git:        git,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// record appends an event and applies it to the projection. Duplicates are
// an idempotent no-op.
func (s *Scheduler) record(ctx context.Context, e event.Event) error {
	sealed, err := s.jrnl.Append(ctx, e)
	if err != nil {
		if errors.Is(err, journal.ErrDuplicate) {
			return nil
		}
		return err
	}
	s.proj.Apply(sealed)
	return nil
}

// Tick runs one pass of the scheduling algorithm.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.auto.AutonomyEnabled {
		return TickResult{Reason: "autonomy disabled"}, nil
	}

	openPRs, err := s.host.ListOpenPRs(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("scheduler: list open prs: %w", err)
	}
	agentPRs := agentOwned(openPRs)

	if err := s.refreshCache(ctx); err != nil {
		return TickResult{}, err
	}
	blPath, err := s.target.BacklogFile()
	if err != nil {
		return TickResult{}, err
	}
	bl, err := backlog.Load(blPath)
	if err != nil {
		return TickResult{}, fmt.Errorf("scheduler: %w", err)
	}

	maxOpen := s.auto.MaxOpenPRs
	if bl.MaxOpenPRs > 0 && bl.MaxOpenPRs < maxOpen {
		maxOpen = bl.MaxOpenPRs
	}
	if len(agentPRs) >= maxOpen {
		s.logger.Info("open pr cap reached, tick idle",
			zap.Int("open", len(agentPRs)), zap.Int("max", maxOpen))
		return TickResult{Reason: "open pr cap reached"}, nil
	}

	tripped, err := s.circuitOpen(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if tripped {
		s.logger.Warn("circuit breaker open, refusing to dispatch",
			zap.Int("threshold", s.auto.CircuitBreakerFailures))
		return TickResult{Reason: "circuit breaker open"}, nil
	}

	if err := s.projectTasks(ctx, bl); err != nil {
		return TickResult{}, err
	}

	inFlight := inFlightTasks(agentPRs)
	task, reason, err := s.selectTask(ctx, bl, inFlight)
	if err != nil {
		return TickResult{}, err
	}
	if task == nil {
		return TickResult{Reason: reason}, nil
	}

	return s.dispatch(ctx, *task)
}

// refreshCache brings the local clone of the target up to date so backlog
// and policy reads see the current default branch.
func (s *Scheduler) refreshCache(ctx context.Context) error {
	if err := s.git.CloneOrUpdate(ctx, s.target.RepoURL, s.target.DefaultBranch, s.target.LocalCacheDir); err != nil {
		return fmt.Errorf("scheduler: refresh cache: %w", err)
	}
	return nil
}

// agentOwned filters PRs down to those on recognizable worker branches.
func agentOwned(prs []githost.PullRequest) []githost.PullRequest {
	var out []githost.PullRequest
	for _, pr := range prs {
		if githost.TaskIDFromBranch(pr.Head.Ref) != "" {
			out = append(out, pr)
		}
	}
	return out
}

// inFlightTasks extracts the task IDs latched by open agent PR branches.
func inFlightTasks(prs []githost.PullRequest) map[string]bool {
	out := make(map[string]bool, len(prs))
	for _, pr := range prs {
		if id := githost.TaskIDFromBranch(pr.Head.Ref); id != "" {
			out[id] = true
		}
	}
	return out
}

// projectTasks emits task.created for every backlog task missing from the
// projection. Event IDs are deterministic per task so re-projection on a
// later tick deduplicates.
func (s *Scheduler) projectTasks(ctx context.Context, bl *backlog.Backlog) error {
	for _, t := range bl.Tasks {
		if s.proj.GetNode(t.ID) != nil {
			continue
		}
		e := event.NewDeterministic(event.TypeTaskCreated, actorID, map[string]any{
			"task_id":       t.ID,
			"target":        s.target.Name,
			"title":         t.Title,
			"scope":         t.Scope,
			"priority":      t.Priority,
			"allowed_paths": t.AllowedPaths,
			"ready":         t.Ready,
		}, "task", t.ID, "created")
		if err := s.record(ctx, e); err != nil {
			return fmt.Errorf("scheduler: project task %s: %w", t.ID, err)
		}
	}
	return nil
}

// selectTask picks the next dispatchable task: ready, pending, unblocked,
// policy-clean, not in flight, under the attempt cap, past any retry
// back-off. Priority wins before backlog order.
func (s *Scheduler) selectTask(ctx context.Context, bl *backlog.Backlog, inFlight map[string]bool) (*backlog.Task, string, error) {
	pol, err := s.target.LoadPolicy()
	if err != nil {
		return nil, "", fmt.Errorf("scheduler: %w", err)
	}
	allow := pol.AllowPaths
	if len(s.auto.AllowedPathPrefixes) > 0 {
		allow = append(append([]string{}, allow...), s.auto.AllowedPathPrefixes...)
	}

	retryFloors, err := s.retryFloors(ctx)
	if err != nil {
		return nil, "", err
	}

	ordered := make([]backlog.Task, len(bl.Tasks))
	copy(ordered, bl.Tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return backlog.PriorityRank(ordered[i].Priority) < backlog.PriorityRank(ordered[j].Priority)
	})

	for i := range ordered {
		t := &ordered[i]
		if !t.Ready {
			continue
		}
		if t.Status != "" && t.Status != "pending" {
			continue
		}
		if len(t.Dependencies) > 0 {
			// Dependencies are advisory for now; record the block once and
			// skip the task.
			e := event.NewDeterministic(event.TypeTaskBlocked, actorID, map[string]any{
				"task_id":      t.ID,
				"target":       s.target.Name,
				"dependencies": t.Dependencies,
			}, "task", t.ID, "blocked")
			if err := s.record(ctx, e); err != nil {
				return nil, "", err
			}
			continue
		}
		if err := policy.ScopePermitted(t.AllowedPaths, allow, pol.DenyPaths); err != nil {
			s.logger.Warn("task scope denied by policy",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if inFlight[t.ID] {
			continue
		}
		if s.attemptCount(t.ID) >= s.auto.MaxAttemptsPerTask {
			continue
		}
		if floor, ok := retryFloors[t.ID]; ok && floor.After(s.now()) {
			continue
		}
		return t, "", nil
	}
	return nil, "no ready task", nil
}

// attemptCount counts attempts projected for a task.
func (s *Scheduler) attemptCount(taskID string) int {
	return len(s.proj.QueryNodes(graph.NodeAttempt, map[string]any{"task_id": taskID}))
}

// retryFloors maps task IDs to the latest retry.scheduled back-off target.
func (s *Scheduler) retryFloors(ctx context.Context) (map[string]time.Time, error) {
	events, err := s.jrnl.Scan(ctx, time.Time{}, 0)
	if err != nil {
		return nil, fmt.Errorf("scheduler: scan journal: %w", err)
	}
	floors := make(map[string]time.Time)
	for _, e := range events {
		if e.Type != event.TypeRetryScheduled {
			continue
		}
		taskID := e.PayloadString("task_id")
		at, err := time.Parse(time.RFC3339, e.PayloadString("retry_at"))
		if err != nil {
			continue
		}
		if cur, ok := floors[taskID]; !ok || at.After(cur) {
			floors[taskID] = at
		}
	}
	return floors, nil
}

// circuitOpen reports whether the last circuit_breaker_failures terminal
// attempts for this target were all failures, over the configured window.
func (s *Scheduler) circuitOpen(ctx context.Context) (bool, error) {
	events, err := s.jrnl.Scan(ctx, time.Time{}, 0)
	if err != nil {
		return false, fmt.Errorf("scheduler: scan journal: %w", err)
	}
	var terminals []event.Type
	for _, e := range events {
		if e.PayloadString("target") != s.target.Name {
			continue
		}
		if e.Type == event.TypeAttemptSucceeded || e.Type == event.TypeAttemptFailed {
			terminals = append(terminals, e.Type)
		}
	}
	if len(terminals) > s.auto.CircuitBreakerWindow {
		terminals = terminals[len(terminals)-s.auto.CircuitBreakerWindow:]
	}
	if len(terminals) < s.auto.CircuitBreakerFailures {
		return false, nil
	}
	for _, t := range terminals[len(terminals)-s.auto.CircuitBreakerFailures:] {
		if t != event.TypeAttemptFailed {
			return false, nil
		}
	}
	return true, nil
}

// dispatch emits the attempt lifecycle around one dispatcher call and
// applies the retry policy to the outcome.
func (s *Scheduler) dispatch(ctx context.Context, task backlog.Task) (TickResult, error) {
	attemptNum := s.attemptCount(task.ID) + 1
	attemptID := fmt.Sprintf("attempt-%s-%s", task.ID, uuid.NewString()[:8])

	created := event.NewDeterministic(event.TypeAttemptCreated, actorID, map[string]any{
		"task_id":        task.ID,
		"attempt_id":     attemptID,
		"target":         s.target.Name,
		"attempt_number": attemptNum,
	}, attemptID, "created")
	if err := s.record(ctx, created); err != nil {
		return TickResult{}, err
	}
	started := event.NewDeterministic(event.TypeAttemptStarted, actorID, map[string]any{
		"task_id":    task.ID,
		"attempt_id": attemptID,
		"target":     s.target.Name,
	}, attemptID, "started")
	if err := s.record(ctx, started); err != nil {
		return TickResult{}, err
	}

	s.logger.Info("dispatching attempt",
		zap.String("task_id", task.ID),
		zap.String("attempt_id", attemptID),
		zap.Int("attempt_number", attemptNum))

	dispatchErr := s.dispatcher.Dispatch(ctx, task, attemptID)
	if dispatchErr != nil {
		kind := classifyDispatchError(dispatchErr)
		failed := event.NewDeterministic(event.TypeAttemptFailed, actorID, map[string]any{
			"task_id":      task.ID,
			"attempt_id":   attemptID,
			"target":       s.target.Name,
			"failure_type": kind,
			"error":        dispatchErr.Error(),
		}, attemptID, "failed")
		if err := s.record(ctx, failed); err != nil {
			return TickResult{}, err
		}
		if err := s.applyRetryPolicy(ctx, task, attemptNum, kind); err != nil {
			return TickResult{}, err
		}
		return TickResult{Dispatched: true, TaskID: task.ID, AttemptID: attemptID, Reason: "attempt failed"}, nil
	}

	succeeded := event.NewDeterministic(event.TypeAttemptSucceeded, actorID, map[string]any{
		"task_id":    task.ID,
		"attempt_id": attemptID,
		"target":     s.target.Name,
	}, attemptID, "succeeded")
	if err := s.record(ctx, succeeded); err != nil {
		return TickResult{}, err
	}
	completed := event.NewDeterministic(event.TypeTaskCompleted, actorID, map[string]any{
		"task_id": task.ID,
		"target":  s.target.Name,
		"status":  "completed",
	}, "task", task.ID, "completed")
	if err := s.record(ctx, completed); err != nil {
		return TickResult{}, err
	}
	return TickResult{Dispatched: true, TaskID: task.ID, AttemptID: attemptID}, nil
}

// applyRetryPolicy schedules a back-off retry under the attempt cap, or
// closes the task as failed when the cap is reached or the failure is not
// retryable.
func (s *Scheduler) applyRetryPolicy(ctx context.Context, task backlog.Task, attemptNum int, failureType string) error {
	if policy.Retryable(failureType) && attemptNum < s.auto.MaxAttemptsPerTask {
		retryAt := s.now().UTC().Add(time.Duration(s.auto.RetryBackoffSeconds) * time.Second)
		e := event.NewDeterministic(event.TypeRetryScheduled, actorID, map[string]any{
			"task_id":  task.ID,
			"target":   s.target.Name,
			"retry_at": retryAt.Format(time.RFC3339),
			"attempt":  attemptNum,
		}, "task", task.ID, "retry", fmt.Sprint(attemptNum))
		return s.record(ctx, e)
	}
	reason := "max_attempts_exceeded"
	if !policy.Retryable(failureType) {
		reason = failureType
	}
	e := event.NewDeterministic(event.TypeTaskCompleted, actorID, map[string]any{
		"task_id": task.ID,
		"target":  s.target.Name,
		"status":  "failed",
		"reason":  reason,
	}, "task", task.ID, "completed")
	return s.record(ctx, e)
}

// classifyDispatchError maps a dispatcher error to a failure type. The
// worker reports its own precise failure; this covers dispatch-layer
// faults.
func classifyDispatchError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "submit job"):
		return policy.FailureJobSubmitError
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "deadline"):
		return policy.FailureTimeout
	default:
		return policy.FailureWorkerError
	}
}
