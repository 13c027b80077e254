// leviathan-scheduler runs the dispatch loop for one target: it reads the
// backlog, applies the guardrails, and launches worker attempts either
// in-process or as Kubernetes Jobs. Runs periodically or one-shot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/autonomy"
	"github.com/iangreen74/leviathan/internal/gitexec"
	"github.com/iangreen74/leviathan/internal/githost"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
	"github.com/iangreen74/leviathan/internal/scheduler"
	"github.com/iangreen74/leviathan/internal/target"
	"github.com/iangreen74/leviathan/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	targetRef       string
	autonomyConfig  string
	interval        time.Duration
	once            bool
	dispatchMode    string
	journalBackend  string
	journalDir      string
	dbDSN           string
	artifactsDir    string
	controlPlaneURL string
	token           string
	gitToken        string
	oracleEndpoint  string
	oracleAPIKey    string
	oracleModel     string
	workerImage     string
	workerNamespace string
	kubeconfig      string
	workspaceDir    string
	jobTimeout      time.Duration
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
		Use:   "leviathan-scheduler",
		Short: "Leviathan scheduler — guardrailed dispatch loop for one target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("leviathan-scheduler %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	root.PersistentFlags().StringVar(&cfg.targetRef, "target", envOrDefault("LEVIATHAN_TARGET", ""), "Target name or config path (required)")
	root.PersistentFlags().StringVar(&cfg.autonomyConfig, "autonomy-config", envOrDefault("LEVIATHAN_AUTONOMY_CONFIG", autonomy.DefaultPath), "Path to the mounted autonomy configuration")
	root.PersistentFlags().DurationVar(&cfg.interval, "interval", 5*time.Minute, "Tick interval in periodic mode")
	root.PersistentFlags().BoolVar(&cfg.once, "once", false, "Run a single tick and exit")
	root.PersistentFlags().StringVar(&cfg.dispatchMode, "dispatch-mode", envOrDefault("LEVIATHAN_DISPATCH_MODE", "local"), "Attempt realisation (local or kubernetes)")
	root.PersistentFlags().StringVar(&cfg.journalBackend, "journal-backend", envOrDefault("LEVIATHAN_JOURNAL_BACKEND", "ndjson"), "Journal back-end (ndjson, sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.journalDir, "journal-dir", envOrDefault("LEVIATHAN_JOURNAL_DIR", "./data/journal"), "Directory for the ndjson journal")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("LEVIATHAN_DATABASE_URL", "./data/leviathan.db"), "Database DSN (sqlite path or postgres URL)")
	root.PersistentFlags().StringVar(&cfg.artifactsDir, "artifacts-dir", envOrDefault("LEVIATHAN_ARTIFACTS_DIR", "./data/artifacts"), "Directory for the file artifact store")
	root.PersistentFlags().StringVar(&cfg.controlPlaneURL, "control-plane-url", envOrDefault("LEVIATHAN_CONTROL_PLANE_URL", ""), "Ingest API base URL for worker bundles")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("LEVIATHAN_CONTROL_PLANE_TOKEN", ""), "Control-plane bearer token")
	root.PersistentFlags().StringVar(&cfg.gitToken, "git-token", envOrDefault("GITHUB_TOKEN", ""), "Hosting-service access token")
	root.PersistentFlags().StringVar(&cfg.oracleEndpoint, "oracle-endpoint", envOrDefault("LEVIATHAN_MODEL_ENDPOINT", ""), "Code-generation model endpoint")
	root.PersistentFlags().StringVar(&cfg.oracleAPIKey, "oracle-api-key", envOrDefault("LEVIATHAN_MODEL_API_KEY", ""), "Model API key")
	root.PersistentFlags().StringVar(&cfg.oracleModel, "oracle-model", envOrDefault("LEVIATHAN_MODEL_NAME", ""), "Model name passed through to the endpoint")
	root.PersistentFlags().StringVar(&cfg.workerImage, "worker-image", envOrDefault("LEVIATHAN_WORKER_IMAGE", ""), "Worker container image (kubernetes mode)")
	root.PersistentFlags().StringVar(&cfg.workerNamespace, "worker-namespace", envOrDefault("LEVIATHAN_WORKER_NAMESPACE", "default"), "Namespace for worker Jobs (kubernetes mode)")
	root.PersistentFlags().StringVar(&cfg.kubeconfig, "kubeconfig", envOrDefault("KUBECONFIG", ""), "Kubeconfig path for out-of-cluster development")
	root.PersistentFlags().StringVar(&cfg.workspaceDir, "workspace-dir", envOrDefault("LEVIATHAN_WORKSPACE_DIR", ""), "Workspace root override (local mode)")
	root.PersistentFlags().DurationVar(&cfg.jobTimeout, "job-timeout", 30*time.Minute, "Per-attempt Job deadline (kubernetes mode)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LEVIATHAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.targetRef == "" {
		return fmt.Errorf("target is required — set --target or LEVIATHAN_TARGET")
	}

	tcfg, err := target.Resolve(cfg.targetRef)
	if err != nil {
		return err
	}
	auto, _, err := autonomy.Load(cfg.autonomyConfig)
	if err != nil {
		return err
	}

	logger.Info("starting leviathan scheduler",
		zap.String("version", version),
		zap.String("target", tcfg.Name),
		zap.String("dispatch_mode", cfg.dispatchMode),
		zap.Bool("autonomy_enabled", auto.AutonomyEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jrnl, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	proj := graph.New()
	events, err := jrnl.Scan(ctx, time.Time{}, 0)
	if err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}
	proj.Rebuild(events)

	store, err := artifact.NewFS(cfg.artifactsDir)
	if err != nil {
		return err
	}

	owner, repo, err := githost.ParseRepoURL(tcfg.RepoURL)
	if err != nil {
		return err
	}
	host := githost.New("", owner, repo, cfg.gitToken)
	git := gitexec.New(cfg.gitToken)

	dispatcher, err := buildDispatcher(cfg, tcfg, store, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(tcfg, auto, jrnl, proj, host, git, dispatcher, logger)

	if cfg.once {
		res, err := sched.Tick(ctx)
		if err != nil {
			return err
		}
		if res.Dispatched {
			logger.Info("tick dispatched", zap.String("task_id", res.TaskID), zap.String("attempt_id", res.AttemptID))
		} else {
			logger.Info("tick idle", zap.String("reason", res.Reason))
		}
		return nil
	}

	loop, err := scheduler.NewLoop(sched, cfg.interval)
	if err != nil {
		return err
	}
	loop.Start()
	<-ctx.Done()
	logger.Info("shutting down leviathan scheduler")
	return loop.Stop()
}

func buildDispatcher(cfg *config, tcfg *target.Config, store artifact.Store, logger *zap.Logger) (scheduler.Dispatcher, error) {
	switch cfg.dispatchMode {
	case "local":
		return &scheduler.LocalDispatcher{
			Target:            tcfg,
			ControlPlaneURL:   cfg.controlPlaneURL,
			ControlPlaneToken: cfg.token,
			GitToken:          cfg.gitToken,
			OracleEndpoint:    cfg.oracleEndpoint,
			OracleAPIKey:      cfg.oracleAPIKey,
			OracleModel:       cfg.oracleModel,
			WorkspaceRoot:     cfg.workspaceDir,
			Store:             store,
			Logger:            logger,
		}, nil
	case "kubernetes":
		if cfg.workerImage == "" {
			return nil, fmt.Errorf("worker image is required in kubernetes mode — set --worker-image or LEVIATHAN_WORKER_IMAGE")
		}
		runner, err := workspace.NewKubeRunner(cfg.workerNamespace, cfg.workerImage, cfg.kubeconfig, logger)
		if err != nil {
			return nil, err
		}
		return &scheduler.KubeDispatcher{
			Runner: runner,
			Target: tcfg,
			Env: map[string]string{
				"LEVIATHAN_REPO_URL":            tcfg.RepoURL,
				"LEVIATHAN_DEFAULT_BRANCH":      tcfg.DefaultBranch,
				"LEVIATHAN_CONTROL_PLANE_URL":   cfg.controlPlaneURL,
				"LEVIATHAN_CONTROL_PLANE_TOKEN": cfg.token,
				"GITHUB_TOKEN":                  cfg.gitToken,
				"LEVIATHAN_MODEL_ENDPOINT":      cfg.oracleEndpoint,
				"LEVIATHAN_MODEL_API_KEY":       cfg.oracleAPIKey,
				"LEVIATHAN_MODEL_NAME":          cfg.oracleModel,
			},
			JobTimeout: cfg.jobTimeout,
			Store:      store,
			Logger:     logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.dispatchMode)
	}
}

func openJournal(cfg *config, logger *zap.Logger) (journal.Journal, error) {
	switch cfg.journalBackend {
	case "ndjson":
		return journal.OpenNDJSON(cfg.journalDir)
	case "sqlite", "postgres":
		return journal.OpenDB(journal.DBConfig{
			Driver: cfg.journalBackend,
			DSN:    cfg.dbDSN,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.journalBackend)
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
