// Autodevd automates a human-in-the-loop issue pipeline: it plans tracker
// issues with a coding agent, implements approved plans in isolated git
// workspaces, verifies merges on a shared staging branch with bounded CI
// repair, and merges the resulting pull request once a reviewer signs off.
//
// Configuration comes from AUTODEV_* environment variables, optionally
// layered over a YAML file passed with --config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodev/internal/agent"
	"github.com/fyrsmithlabs/autodev/internal/config"
	"github.com/fyrsmithlabs/autodev/internal/engine"
	"github.com/fyrsmithlabs/autodev/internal/guard"
	"github.com/fyrsmithlabs/autodev/internal/hosting"
	"github.com/fyrsmithlabs/autodev/internal/httpapi"
	"github.com/fyrsmithlabs/autodev/internal/logging"
	"github.com/fyrsmithlabs/autodev/internal/recovery"
	"github.com/fyrsmithlabs/autodev/internal/store"
	"github.com/fyrsmithlabs/autodev/internal/tracker"
	"github.com/fyrsmithlabs/autodev/internal/trigger"
	"github.com/fyrsmithlabs/autodev/internal/workspace"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     "autodevd",
	Short:   "Issue-to-merge automation daemon",
	Long:    "autodevd drives tracker issues through plan, approval, implementation, staging verification, and merge using a coding agent.",
	Version: version,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to optional YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()
	logger.Info(ctx, "autodevd starting",
		zap.String("version", version),
		zap.String("project", cfg.Tracker.ProjectKey))

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer st.Close()

	trk, err := tracker.NewRESTClient(&cfg.Tracker)
	if err != nil {
		return fmt.Errorf("building tracker client: %w", err)
	}
	host, err := hosting.NewGitHubClient(&cfg.Hosting)
	if err != nil {
		return fmt.Errorf("building hosting client: %w", err)
	}

	g := guard.New(cfg.Engine.MaxConcurrentTasks)
	invoker := agent.NewInvoker(cfg.Agent, logger, nil)
	workspaces := workspace.NewManager(cfg.Engine.WorkspaceBase, cfg.Hosting, logger, nil)
	verifier := recovery.NewLoop(cfg.Hosting, cfg.Engine, host, invoker, workspaces, logger)
	eng := engine.New(cfg, st, g, trk, host, invoker, workspaces, verifier, logger)

	// Tasks caught mid-implementation by the previous process cannot be
	// resumed; hand them back before accepting new work.
	if err := eng.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	sweepStale(ctx, st, workspaces, logger)

	dispatcher := trigger.NewDispatcher(cfg.Tracker, eng, trk, st, logger)
	reconciler := trigger.NewReconciler(cfg.Tracker, cfg.Engine, eng, trk, st, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := httpapi.NewServer(cfg.Server, dispatcher, st, g, reg, logger)

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown incomplete", zap.Error(err))
	}
	<-reconcilerDone

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sweepCancel()
	sweepStale(sweepCtx, st, workspaces, logger)

	logger.Info(context.Background(), "autodevd stopped")
	return nil
}

// sweepStale removes workspace clones no task record references. Tasks
// awaiting review feedback keep theirs for rework.
func sweepStale(ctx context.Context, st *store.Store, workspaces *workspace.Manager, logger *logging.Logger) {
	recs, err := st.ListAll(ctx)
	if err != nil {
		logger.Warn(ctx, "skipping workspace sweep", zap.Error(err))
		return
	}
	keep := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.WorkspacePath != "" {
			keep[rec.WorkspacePath] = true
		}
	}
	workspaces.Sweep(ctx, keep)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if logCfg.Level != zapcore.DebugLevel {
		logCfg.Caller.Enabled = false
	}
	return logging.NewLogger(logCfg)
}
