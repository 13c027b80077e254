package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/backlog"
	"github.com/iangreen74/leviathan/internal/target"
	"github.com/iangreen74/leviathan/internal/worker"
	"github.com/iangreen74/leviathan/internal/workspace"
)

// LocalDispatcher runs the worker in-process in a local ephemeral
// workspace, with the mergeability probe enabled.
type LocalDispatcher struct {
	Target            *target.Config
	ControlPlaneURL   string
	ControlPlaneToken string
	GitToken          string
	OracleEndpoint    string
	OracleAPIKey      string
	OracleModel       string
	WorkspaceRoot     string
	Store             artifact.Store
	Logger            *zap.Logger
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, task backlog.Task, attemptID string) error {
	w, err := worker.New(worker.Config{
		TargetName:        d.Target.Name,
		RepoURL:           d.Target.RepoURL,
		DefaultBranch:     d.Target.DefaultBranch,
		TaskID:            task.ID,
		AttemptID:         attemptID,
		ControlPlaneURL:   d.ControlPlaneURL,
		ControlPlaneToken: d.ControlPlaneToken,
		GitToken:          d.GitToken,
		OracleEndpoint:    d.OracleEndpoint,
		OracleAPIKey:      d.OracleAPIKey,
		OracleModel:       d.OracleModel,
		WorkspaceRoot:     d.WorkspaceRoot,
		LocalMode:         true,
	}, d.Store, d.Logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// KubeDispatcher realizes the attempt as a single-shot Kubernetes Job and
// captures its pod log as an artifact.
type KubeDispatcher struct {
	Runner     *workspace.KubeRunner
	Target     *target.Config
	Env        map[string]string
	JobTimeout time.Duration
	Store      artifact.Store
	Logger     *zap.Logger
}

func (d *KubeDispatcher) Dispatch(ctx context.Context, task backlog.Task, attemptID string) error {
	name, err := d.Runner.Submit(ctx, workspace.JobSpec{
		Target:    d.Target.Name,
		TaskID:    task.ID,
		AttemptID: attemptID,
		Env:       d.Env,
	})
	if err != nil {
		return err
	}

	waitErr := d.Runner.Wait(ctx, name, d.JobTimeout)

	if logs, logErr := d.Runner.PodLogs(ctx, name); logErr == nil && logs != "" && d.Store != nil {
		if _, putErr := d.Store.Put(ctx, []byte(logs), artifact.KindLog); putErr != nil {
			d.Logger.Warn("pod log artifact store failed", zap.Error(putErr))
		}
	} else if logErr != nil {
		d.Logger.Warn("pod log collection failed", zap.String("job", name), zap.Error(logErr))
	}

	return waitErr
}
