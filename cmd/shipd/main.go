// Shipd is an autonomous delivery pipeline daemon. It accepts run specs
// over HTTP, drives each run through worker execution, PR creation,
// validation, merge, deploy, and verification, and records every step in
// a JetStream-backed ledger.
//
// Usage:
//
//	# Start with defaults (~/.config/shipd/config.yaml)
//	shipd serve
//
//	# Single-binary development mode with an embedded NATS server
//	shipd serve --config dev.yaml
//
//	SHIPD_GITHUB_TOKEN=ghp_... SHIPD_GITHUB_REPO=acme/widgets shipd serve
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/config"
	"github.com/fyrsmithlabs/shipd/internal/engine"
	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/httpapi"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/logging"
	"github.com/fyrsmithlabs/shipd/internal/telemetry"
	"github.com/fyrsmithlabs/shipd/internal/validator"
	"github.com/fyrsmithlabs/shipd/internal/vcs"
	"github.com/fyrsmithlabs/shipd/internal/verify"
	"github.com/fyrsmithlabs/shipd/internal/worker"

	"github.com/google/uuid"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "shipd",
		Short:         "Autonomous delivery pipeline daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shipd %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildDate)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.config/shipd/config.yaml)")
	return cmd
}

func serve(configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging, nil)
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	logger.Info("shipd starting",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn("telemetry running degraded, some exporters failed to initialize")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	nc, stopNATS, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer stopNATS()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("open jetstream context: %w", err)
	}

	events, err := eventstore.NewJetStreamStore(js, eventstore.JetStreamConfig{}, logger)
	if err != nil {
		return fmt.Errorf("provision event stream: %w", err)
	}
	store, err := ledger.NewKVStore(js)
	if err != nil {
		return fmt.Errorf("provision ledger buckets: %w", err)
	}

	metrics := engine.NewMetrics(logger)
	dispatcher, err := buildEngine(ctx, cfg, nc, events, store, metrics, logger)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	locker := ledger.NewLocker(store, hostname+"/"+uuid.NewString(), cfg.Loop.LockTTL.Duration())
	loop := engine.NewLoop(events, store, dispatcher, locker, logger, metrics,
		cfg.Loop.Interval.Duration(), cfg.Loop.Window.Duration())

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("loop exited", zap.Error(err))
		}
	}()

	server, err := httpapi.NewServer(events, store, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return err
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-loopDone

	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", zap.Error(err))
	}
	logger.Info("shipd stopped")
	return nil
}

// connectNATS dials the configured server, or starts an embedded one for
// single-binary development deployments.
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, func(), error) {
	url := cfg.NATS.URL
	stop := func() {}

	if cfg.NATS.Embedded {
		opts := &natsserver.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  cfg.NATS.StoreDir,
		}
		ns, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("embedded nats server did not become ready")
		}
		url = ns.ClientURL()
		stop = ns.Shutdown
		logger.Info("embedded nats server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("shipd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, stop, nil
}

// buildEngine wires the action set behind the dispatcher: worker executor,
// GitHub provider, validator gate, workflow deployer, and verification.
func buildEngine(ctx context.Context, cfg *config.Config, nc *nats.Conn, events eventstore.Store, store ledger.Store, metrics *engine.Metrics, logger *zap.Logger) (*engine.Dispatcher, error) {
	if !cfg.GitHub.Token.IsSet() {
		return nil, fmt.Errorf("github.token is required (set SHIPD_GITHUB_TOKEN)")
	}
	if cfg.GitHub.Repo == "" {
		return nil, fmt.Errorf("github.repo is required (set SHIPD_GITHUB_REPO)")
	}

	gh, err := vcs.NewGitHub(ctx, cfg.GitHub.Token.Value(), vcs.BranchPolicy{
		AllowedBases: []string{cfg.GitHub.BaseBranch},
		HeadPrefix:   cfg.GitHub.HeadPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	deployer, err := vcs.NewWorkflowDeployer(gh, cfg.GitHub.Repo, cfg.GitHub.Workflow, cfg.GitHub.BaseBranch)
	if err != nil {
		return nil, err
	}

	gate, err := validator.NewGate(logger, cfg.Policy.Rules)
	if err != nil {
		return nil, fmt.Errorf("build validator gate: %w", err)
	}

	lifecycle := engine.NewLifecycle(events, store, logger)
	dispatcher := engine.NewDispatcher(store, lifecycle, logger, metrics,
		cfg.Dispatch.MaxAttempts, cfg.Dispatch.BaseDelay.Duration()).
		WithMaxDelay(cfg.Dispatch.MaxDelay.Duration())

	actions := engine.NewActions(engine.ActionsConfig{
		Events:        events,
		Store:         store,
		Executor:      worker.NewNATSExecutor(nc, cfg.Worker.Timeout.Duration(), logger),
		Provider:      gh,
		Gate:          gate,
		Verifier:      verify.NewPipeline(logger, cfg.Verify.LiveAttempts, cfg.Verify.LiveDelay.Duration()),
		Deployer:      deployer,
		Files:         engine.GitHubFileLoader(gh, cfg.GitHub.Repo),
		Logger:        logger,
		Repo:          cfg.GitHub.Repo,
		BaseBranch:    cfg.GitHub.BaseBranch,
		HeadPrefix:    cfg.GitHub.HeadPrefix,
		DeployBaseURL: cfg.Verify.BaseURL,
	})
	actions.RegisterAll(dispatcher)
	return dispatcher, nil
}
