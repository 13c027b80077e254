// leviathan-worker executes exactly one attempt and exits: clone, generate,
// apply under policy, validate, commit, push, open a PR, report the event
// bundle. Exit code 0 on success, 1 on any failure (detail travels in the
// emitted events).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	targetName      string
	repoURL         string
	defaultBranch   string
	taskID          string
	attemptID       string
	controlPlaneURL string
	token           string
	gitToken        string
	oracleEndpoint  string
	oracleAPIKey    string
	oracleModel     string
	workspaceDir    string
	artifactBackend string
	artifactsDir    string
	s3Bucket        string
	s3Prefix        string
	localMode       bool
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "leviathan-worker",
		Short: "Leviathan worker — executes one attempt and reports its event bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("leviathan-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	root.PersistentFlags().StringVar(&cfg.targetName, "target", envOrDefault("LEVIATHAN_TARGET", ""), "Target name (required)")
	root.PersistentFlags().StringVar(&cfg.repoURL, "repo-url", envOrDefault("LEVIATHAN_REPO_URL", ""), "Target repository clone URL (required)")
	root.PersistentFlags().StringVar(&cfg.defaultBranch, "default-branch", envOrDefault("LEVIATHAN_DEFAULT_BRANCH", "main"), "Target default branch")
	root.PersistentFlags().StringVar(&cfg.taskID, "task-id", envOrDefault("LEVIATHAN_TASK_ID", ""), "Task to attempt (required)")
	root.PersistentFlags().StringVar(&cfg.attemptID, "attempt-id", envOrDefault("LEVIATHAN_ATTEMPT_ID", ""), "Attempt identifier (required)")
	root.PersistentFlags().StringVar(&cfg.controlPlaneURL, "control-plane-url", envOrDefault("LEVIATHAN_CONTROL_PLANE_URL", ""), "Ingest API base URL")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("LEVIATHAN_CONTROL_PLANE_TOKEN", ""), "Control-plane bearer token")
	root.PersistentFlags().StringVar(&cfg.gitToken, "git-token", envOrDefault("GITHUB_TOKEN", ""), "Hosting-service access token")
	root.PersistentFlags().StringVar(&cfg.oracleEndpoint, "oracle-endpoint", envOrDefault("LEVIATHAN_MODEL_ENDPOINT", ""), "Code-generation model endpoint")
	root.PersistentFlags().StringVar(&cfg.oracleAPIKey, "oracle-api-key", envOrDefault("LEVIATHAN_MODEL_API_KEY", ""), "Model API key")
	root.PersistentFlags().StringVar(&cfg.oracleModel, "oracle-model", envOrDefault("LEVIATHAN_MODEL_NAME", ""), "Model name passed through to the endpoint")
	root.PersistentFlags().StringVar(&cfg.workspaceDir, "workspace-dir", envOrDefault("LEVIATHAN_WORKSPACE_DIR", ""), "Workspace root override")
	root.PersistentFlags().StringVar(&cfg.artifactBackend, "artifact-backend", envOrDefault("LEVIATHAN_ARTIFACT_BACKEND", "file"), "Artifact back-end (file or s3)")
	root.PersistentFlags().StringVar(&cfg.artifactsDir, "artifacts-dir", envOrDefault("LEVIATHAN_ARTIFACTS_DIR", "./data/artifacts"), "Directory for the file artifact store")
	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("LEVIATHAN_S3_BUCKET", ""), "Bucket for the s3 artifact store")
	root.PersistentFlags().StringVar(&cfg.s3Prefix, "s3-prefix", envOrDefault("LEVIATHAN_S3_PREFIX", "artifacts"), "Key prefix for the s3 artifact store")
	root.PersistentFlags().BoolVar(&cfg.localMode, "local-mode", envOrDefault("LEVIATHAN_LOCAL_MODE", "") == "true", "Enable the pre-push mergeability probe")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LEVIATHAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	for name, v := range map[string]string{
		"target":     cfg.targetName,
		"repo-url":   cfg.repoURL,
		"task-id":    cfg.taskID,
		"attempt-id": cfg.attemptID,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	logger.Info("starting leviathan worker",
		zap.String("version", version),
		zap.String("target", cfg.targetName),
		zap.String("task_id", cfg.taskID),
		zap.String("attempt_id", cfg.attemptID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		TargetName:        cfg.targetName,
		RepoURL:           cfg.repoURL,
		DefaultBranch:     cfg.defaultBranch,
		TaskID:            cfg.taskID,
		AttemptID:         cfg.attemptID,
		ControlPlaneURL:   cfg.controlPlaneURL,
		ControlPlaneToken: cfg.token,
		GitToken:          cfg.gitToken,
		OracleEndpoint:    cfg.oracleEndpoint,
		OracleAPIKey:      cfg.oracleAPIKey,
		OracleModel:       cfg.oracleModel,
		WorkspaceRoot:     cfg.workspaceDir,
		LocalMode:         cfg.localMode,
	}, store, logger)
	if err != nil {
		return err
	}

	return w.Run(ctx)
}

func openArtifactStore(ctx context.Context, cfg *config) (artifact.Store, error) {
	switch cfg.artifactBackend {
	case "file":
		return artifact.NewFS(cfg.artifactsDir)
	case "s3":
		return artifact.NewS3(ctx, cfg.s3Bucket, cfg.s3Prefix)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.artifactBackend)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
