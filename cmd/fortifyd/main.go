// Command fortifyd runs the agent fortification daemon.
//
// # Usage
//
//	fortifyd --config fortify.yaml --port 8080
//
// # Configuration
//
// The daemon can be configured via:
// - Command-line flags
// - Environment variables (FORTIFY_*)
// - A YAML config file
//
// Secrets (database URL, operator token hash) can additionally come from a
// 1Password vault when a Connect server is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valifi/fortify/db/migrate"
	"github.com/valifi/fortify/internal/api"
	"github.com/valifi/fortify/internal/audit"
	"github.com/valifi/fortify/internal/cache"
	"github.com/valifi/fortify/internal/certification"
	"github.com/valifi/fortify/internal/config"
	"github.com/valifi/fortify/internal/fortify"
	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/learning"
	"github.com/valifi/fortify/internal/probes"
	"github.com/valifi/fortify/internal/remediation"
	"github.com/valifi/fortify/internal/scheduler"
	"github.com/valifi/fortify/internal/secrets"
	"github.com/valifi/fortify/internal/store"
	"github.com/valifi/fortify/internal/validator"
	"github.com/valifi/fortify/pkg/types"
)

func main() {
	var (
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		configPath = flag.String("config", "", "Path to YAML config file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("fortifyd v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := run(*configPath, *port, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int, logger *slog.Logger) error {
	// Load configuration
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	// Resolve secrets
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := secrets.NewSource(secrets.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("initializing secrets: %w", err)
	}
	if cfg.Database.URL == "" {
		url, err := source.Get(ctx, "database-url")
		if err != nil {
			return fmt.Errorf("resolving database URL: %w", err)
		}
		cfg.Database.URL = url
	}
	if cfg.Runtime.Token == "" {
		token, err := source.Get(ctx, "runtime-token")
		if err != nil {
			return fmt.Errorf("resolving runtime token: %w", err)
		}
		cfg.Runtime.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Connect to database
	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	operatorTokenHash, err := db.GetOperatorTokenHash(ctx)
	if err != nil {
		return fmt.Errorf("loading operator token: %w", err)
	}
	if operatorTokenHash == "" {
		logger.Warn("no operator token configured, mutating endpoints are open")
	}

	// Optional certification cache
	var certCache certification.Cache
	if cfg.Redis.URL != "" {
		c, err := cache.New(cfg.Redis.URL, cfg.Redis.CacheTTL, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without certification cache", "error", err)
		} else {
			defer c.Close()
			certCache = c
			logger.Info("certification cache enabled")
		}
	}

	// Agent runtime and audit log access
	runtime := invoker.NewClient(invoker.Config{
		BaseURL:   cfg.Runtime.URL,
		AuthToken: cfg.Runtime.Token,
	})
	auditReader := audit.NewPGReader(db.Pool())

	// Learning service; outcomes are dropped when no endpoint is configured
	var recorder fortify.Recorder = learning.Noop{}
	if cfg.Learning.URL != "" {
		recorder = learning.NewClient(learning.Config{
			BaseURL:   cfg.Learning.URL,
			AuthToken: cfg.Learning.Token,
		}, logger)
	}

	// Build the validator registry from the configured pipeline
	registry := validator.NewRegistry(cfg.Pipeline.ProbeTimeout)
	for _, stage := range cfg.Pipeline.Stages {
		for _, v := range stage.Validators {
			probe, err := probes.ForKind(v.Probe, v.Task, runtime, auditReader)
			if err != nil {
				return fmt.Errorf("stage %s, validator %s: %w", stage.ID, v.ID, err)
			}
			spec := types.ValidatorSpec{
				ID:        v.ID,
				Name:      v.Name,
				Category:  types.Category(v.Category),
				Weight:    v.Weight,
				Threshold: v.Threshold,
			}
			if err := registry.Register(spec, probe); err != nil {
				return fmt.Errorf("registering validator %s: %w", v.ID, err)
			}
		}
	}
	registry.Seal()

	// Remediation asks the agent to repair the failing capability itself.
	policy := remediation.NewPolicy(cfg.Pipeline.RemediationTimeout, logger)
	for _, stage := range cfg.Pipeline.Stages {
		if !stage.AutoRemediate {
			continue
		}
		for _, v := range stage.Validators {
			policy.Register(v.ID, selfRepairAction(runtime, v.ID))
		}
	}

	issuer := certification.NewIssuer(db, certCache, logger)

	engine, err := fortify.New(cfg.Pipeline.ToStages(), registry, issuer, policy, recorder, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Every run's report is archived; archival failures don't fail the run.
	runFn := func(ctx context.Context, agentType string) (*types.FortificationReport, error) {
		report, err := engine.Fortify(ctx, agentType)
		if report != nil {
			if saveErr := db.SaveReport(context.WithoutCancel(ctx), report); saveErr != nil {
				logger.Error("failed to archive report",
					"agent_type", agentType, "error", saveErr)
			}
		}
		return report, err
	}

	schedules := scheduler.NewManager(runFn, logger)
	defer schedules.StopAll()
	for _, sched := range cfg.Schedules {
		interval := time.Duration(sched.IntervalDays) * 24 * time.Hour
		if _, err := schedules.SchedulePeriodic(context.Background(), sched.AgentType, interval); err != nil {
			return fmt.Errorf("scheduling %s: %w", sched.AgentType, err)
		}
		logger.Info("schedule started", "agent_type", sched.AgentType, "interval", interval)
	}

	apiServer := api.NewServer(runFn, issuer, schedules, db, operatorTokenHash, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // fortification runs are slow
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigCh:
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// selfRepairAction instructs the agent to repair the capability behind a
// failed validator. Agents that don't understand the task report an error,
// which the remediation policy logs and drops.
func selfRepairAction(runtime invoker.Invoker, validatorID string) remediation.Action {
	return func(ctx context.Context, agentType string) error {
		res, err := runtime.Execute(ctx, "self_repair:"+validatorID, agentType)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return fmt.Errorf("agent declined self repair: %s", res.Error)
		}
		return nil
	}
}
