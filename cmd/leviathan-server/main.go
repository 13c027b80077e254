// leviathan-server runs the control plane: the hash-chained event journal,
// the graph projection, the artifact store, and the ingest/query HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/api"
	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/autonomy"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr        string
	journalBackend  string
	journalDir      string
	dbDSN           string
	artifactBackend string
	artifactsDir    string
	s3Bucket        string
	s3Prefix        string
	token           string
	sinkURL         string
	sinkEnabled     bool
	autonomyConfig  string
	rebuildOnStart  bool
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
		Use:   "leviathan-server",
		Short: "Leviathan control plane — event journal, graph projection, ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newVerifyCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("LEVIATHAN_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.journalBackend, "journal-backend", envOrDefault("LEVIATHAN_JOURNAL_BACKEND", "ndjson"), "Journal back-end (ndjson, sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.journalDir, "journal-dir", envOrDefault("LEVIATHAN_JOURNAL_DIR", "./data/journal"), "Directory for the ndjson journal")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("LEVIATHAN_DATABASE_URL", "./data/leviathan.db"), "Database DSN (sqlite path or postgres URL)")
	root.PersistentFlags().StringVar(&cfg.artifactBackend, "artifact-backend", envOrDefault("LEVIATHAN_ARTIFACT_BACKEND", "file"), "Artifact back-end (file or s3)")
	root.PersistentFlags().StringVar(&cfg.artifactsDir, "artifacts-dir", envOrDefault("LEVIATHAN_ARTIFACTS_DIR", "./data/artifacts"), "Directory for the file artifact store")
	root.PersistentFlags().StringVar(&cfg.s3Bucket, "s3-bucket", envOrDefault("LEVIATHAN_S3_BUCKET", ""), "Bucket for the s3 artifact store")
	root.PersistentFlags().StringVar(&cfg.s3Prefix, "s3-prefix", envOrDefault("LEVIATHAN_S3_PREFIX", "artifacts"), "Key prefix for the s3 artifact store")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("LEVIATHAN_CONTROL_PLANE_TOKEN", ""), "Control-plane bearer token (required)")
	root.PersistentFlags().StringVar(&cfg.sinkURL, "sink-url", envOrDefault("LEVIATHAN_SINK_URL", ""), "Observability sink URL for best-effort bundle forwarding")
	root.PersistentFlags().BoolVar(&cfg.sinkEnabled, "sink-enabled", envOrDefault("LEVIATHAN_SINK_ENABLED", "") == "true", "Enable bundle forwarding to the sink")
	root.PersistentFlags().StringVar(&cfg.autonomyConfig, "autonomy-config", envOrDefault("LEVIATHAN_AUTONOMY_CONFIG", autonomy.DefaultPath), "Path to the mounted autonomy configuration")
	root.PersistentFlags().BoolVar(&cfg.rebuildOnStart, "rebuild-on-start", envOrDefault("LEVIATHAN_REBUILD_ON_START", "true") != "false", "Rebuild the graph projection from the journal on start")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LEVIATHAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("leviathan-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newVerifyCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-journal",
		Short: "Verify the hash chain of the whole journal and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			jrnl, err := openJournal(cfg, logger)
			if err != nil {
				return err
			}
			defer jrnl.Close()

			if err := jrnl.Verify(cmd.Context()); err != nil {
				return fmt.Errorf("journal verification failed: %w", err)
			}
			fmt.Println("journal ok")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.token == "" {
		return fmt.Errorf("control-plane token is required — set --token or LEVIATHAN_CONTROL_PLANE_TOKEN")
	}

	logger.Info("starting leviathan server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("journal_backend", cfg.journalBackend),
		zap.String("artifact_backend", cfg.artifactBackend),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jrnl, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	store, err := openArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	auto, source, err := autonomy.Load(cfg.autonomyConfig)
	if err != nil {
		return err
	}

	proj := graph.New()
	metrics := api.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.rebuildOnStart {
		events, err := jrnl.Scan(ctx, time.Time{}, 0)
		if err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
		proj.Rebuild(events)
		metrics.JournalSize.Set(float64(len(events)))
		logger.Info("projection rebuilt", zap.Int("events", len(events)))
	}

	var sink *api.Sink
	if cfg.sinkEnabled {
		sink = api.NewSink(cfg.sinkURL, cfg.token, logger)
	}

	srv := &api.Server{
		Journal:        jrnl,
		Projection:     proj,
		Artifacts:      store,
		Autonomy:       auto,
		AutonomySource: source,
		Token:          cfg.token,
		Sink:           sink,
		Hub:            api.NewHub(logger),
		Logger:         logger,
		Metrics:        metrics,
	}

	httpSrv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down leviathan server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
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
