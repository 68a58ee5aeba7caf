package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opswarden/opswarden/internal/action"
	"github.com/opswarden/opswarden/internal/alert"
	"github.com/opswarden/opswarden/internal/api"
	"github.com/opswarden/opswarden/internal/audit"
	"github.com/opswarden/opswarden/internal/auth"
	"github.com/opswarden/opswarden/internal/backend"
	ctrbackend "github.com/opswarden/opswarden/internal/backend/container"
	"github.com/opswarden/opswarden/internal/backend/sandbox"
	"github.com/opswarden/opswarden/internal/config"
	"github.com/opswarden/opswarden/internal/docker"
	"github.com/opswarden/opswarden/internal/executor"
	"github.com/opswarden/opswarden/internal/logging"
	"github.com/opswarden/opswarden/internal/policy"
	"github.com/opswarden/opswarden/internal/safety"
	"github.com/opswarden/opswarden/internal/sanitize"
	"github.com/opswarden/opswarden/internal/store"
)

func runStart(configFile string, portOverride int, devMode bool) error {
	// Load config
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Logging.Level = "debug"
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	redactor := sanitize.NewScanner(redactionRules(cfg.Storage.Redaction), logger)
	auditor := audit.New(st, redactor, logger)

	alertMgr := alert.NewManager(cfg.Alerts, logger)
	defer alertMgr.Flush()

	initialMode, err := safety.ParseMode(cfg.Safety.InitialMode)
	if err != nil {
		return err
	}
	ctrl := safety.NewController(safety.Options{
		InitialMode: initialMode,
		KillFile:    cfg.Safety.KillFile,
		Store:       st,
		Auditor:     auditor,
		Alerts:      alertMgr,
		Logger:      logger,
	})
	// A kill file left in place from before the restart fires immediately.
	ctrl.CheckKillFile()
	go ctrl.WatchKillFile(ctx, cfg.Safety.KillFilePollInterval)

	// Policies
	celEval, err := policy.NewCELEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	policyEngine := policy.NewEngine(celEval, logger)
	if err := policyEngine.Load(cfg.Policies, cfg.Safety.ApprovalTiers); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	limiter := policy.NewProposalLimiter(cfg.Safety.MaxProposalsPerMinute, cfg.Safety.ProposalBurst, logger)

	// Backends
	registry := backend.NewRegistry(action.NewCatalog(), logger)
	var dockerClient *docker.Client
	if cfg.Container.Enabled || cfg.Sandbox.Enabled {
		dockerClient, err = docker.NewClient(docker.Options{Host: cfg.Container.Host, Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		defer func() { _ = dockerClient.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := dockerClient.Ping(pingCtx); err != nil {
			logger.Warn("docker daemon unreachable, container actions will fail until it is", "error", err)
		}
		cancel()
	}
	if cfg.Container.Enabled {
		if err := registry.Register(ctrbackend.New(dockerClient, cfg.Container, logger)); err != nil {
			return err
		}
	}
	if cfg.Sandbox.Enabled {
		validator := sandbox.NewValidator(cfg.Sandbox.MaxScriptChars, redactor, logger)
		if err := registry.Register(sandbox.New(dockerClient, validator, cfg.Sandbox, logger)); err != nil {
			return err
		}
	}

	exec := executor.New(executor.Options{
		Store:          st,
		Auditor:        auditor,
		Gate:           ctrl,
		Backends:       registry,
		Policy:         policyEngine,
		Limiter:        limiter,
		Alerts:         alertMgr,
		BackendTimeout: cfg.Executor.BackendTimeout,
		Logger:         logger,
	})
	dispatcher := executor.NewDispatcher(ctx, exec, cfg.Executor.Workers, logger)

	// Hot-reload policies and limits
	if configFile != "" {
		go func() {
			err := cfgLoader.Watch(ctx, logger, func(newCfg *config.Config) {
				if err := policyEngine.Load(newCfg.Policies, newCfg.Safety.ApprovalTiers); err != nil {
					logger.Error("policy reload rejected, keeping previous policies", "error", err)
					return
				}
				limiter.SetLimit(newCfg.Safety.MaxProposalsPerMinute, newCfg.Safety.ProposalBurst)
				logger.Info("policies reloaded", "policies", len(newCfg.Policies))
			})
			if err != nil {
				logger.Error("failed to watch config for hot-reload", "error", err)
			}
		}()
	}

	var tokens *auth.TokenManager
	if cfg.Server.Auth.Enabled {
		tokens, err = auth.NewFromConfig(cfg.Server.Auth, logger)
		if err != nil {
			return fmt.Errorf("failed to load API tokens: %w", err)
		}
	}

	apiServer := api.NewServer(cfg.Server, api.Deps{
		Executor:   exec,
		Dispatcher: dispatcher,
		Safety:     ctrl,
		Auditor:    auditor,
		Tokens:     tokens,
	}, logger)

	addr := api.Addr(cfg.Server.Host, cfg.Server.Port)

	fmt.Println()
	fmt.Printf("  opswarden %s\n", version)
	fmt.Printf("  → API:      http://%s/api\n", displayAddr(cfg.Server.Host, cfg.Server.Port))
	fmt.Printf("  → Mode:     %s\n", ctrl.Mode())
	if tokens != nil {
		fmt.Printf("  → Auth:     %d tokens\n", tokens.ActiveTokenCount())
	}
	fmt.Printf("  → Storage:  %s\n", cfg.Storage.Path)
	fmt.Printf("  → Backends: %v (%d actions)\n", registry.Backends(), registry.Catalog().Len())
	if cfg.Safety.KillFile != "" {
		fmt.Printf("  → Kill file: %s\n", cfg.Safety.KillFile)
	}
	fmt.Println()

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	err = apiServer.Start(addr)
	if waitErr := dispatcher.Close(); waitErr != nil {
		logger.Error("background executions did not finish cleanly", "error", waitErr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func redactionRules(rules []config.RedactionRule) []sanitize.Rule {
	out := make([]sanitize.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, sanitize.Rule{Name: r.Name, Pattern: r.Pattern, Replacement: r.Replacement})
	}
	return out
}

func displayAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func findConfigFile() string {
	candidates := []string{
		"opswarden.yaml",
		"opswarden.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "opswarden", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
