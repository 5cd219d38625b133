// paramsearch server
// Entry point for the plan execution service

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httpapi "github.com/saltfish/paramsearch/internal/api/http"
	"github.com/saltfish/paramsearch/internal/config"
	"github.com/saltfish/paramsearch/internal/db"
	"github.com/saltfish/paramsearch/internal/db/repository"
	"github.com/saltfish/paramsearch/internal/docker"
	"github.com/saltfish/paramsearch/internal/events"
	"github.com/saltfish/paramsearch/internal/matrix"
	"github.com/saltfish/paramsearch/internal/parser"
	"github.com/saltfish/paramsearch/internal/promise"
	"github.com/saltfish/paramsearch/internal/queue"
	"github.com/saltfish/paramsearch/internal/runner"
	"github.com/saltfish/paramsearch/internal/scheduler"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// symbolRankLimit bounds the history ranking loaded into the queue comparator.
const symbolRankLimit = 500

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	plansPath := flag.String("plans", "", "Plan file or directory (overrides plans.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *plansPath != "" {
		cfg.Plans.Path = *plansPath
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting paramsearch",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("paramsearch stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 1. PostgreSQL (optional)
	var pool *db.Pool
	if cfg.Database.Enabled || cfg.Storage.Backend == "postgres" {
		logger.Info("Connecting to PostgreSQL...")
		p, err := db.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer p.Close()
		if err := p.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare database schema: %w", err)
		}
		pool = p
		logger.Info("Connected to PostgreSQL")
	}

	// 2. Repositories
	states, history, err := newRepositories(cfg, pool, logger)
	if err != nil {
		return err
	}

	// 3. Plans and symbols
	plans, err := matrix.LoadPlans(cfg.Plans.Path)
	if err != nil {
		return fmt.Errorf("failed to load plans: %w", err)
	}
	catalog := scheduler.NewCatalog(plans...)
	logger.Info("Plans loaded", zap.String("path", cfg.Plans.Path), zap.Int("plans", len(plans)))

	var symbols matrix.SymbolProvider = matrix.NewCollectionProvider(cfg.Plans.Collections)
	if pool != nil {
		symbols = matrix.NewRankedProvider(history, symbols)
	}
	generator := matrix.NewGenerator(symbols, cfg.Engine.MaxJobsPerPlan, logger)

	// 4. Queue and prioritizer
	jobQueue := queue.New(logger)
	if pool != nil {
		if err := jobQueue.LoadSymbolRanks(ctx, history, "", symbolRankLimit); err != nil {
			logger.Warn("Failed to load symbol ranks, falling back to alphabetical order", zap.Error(err))
		}
	}
	scorer := promise.NewScorer(promise.Weights{
		Symbol:    cfg.Promise.SymbolWeight,
		Timeframe: cfg.Promise.TimeframeWeight,
		Exact:     cfg.Promise.ExactWeight,
		Recency:   cfg.Promise.RecencyWeight,
	}, cfg.Promise.RecencyWindowDuration())
	prioritizer := promise.NewPrioritizer(scorer, jobQueue.Compare)
	followUp := promise.FollowUpConfig{
		CoarseToMedium:  cfg.Promise.CoarseToMedium,
		MediumToFull:    cfg.Promise.MediumToFull,
		MediumBacktests: cfg.Promise.MediumBacktests,
		FullBacktests:   cfg.Promise.FullBacktests,
	}

	// 5. Job runner
	jobRunner, err := newJobRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 6. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := scheduler.NewMetrics(registry)

	// 7. Engine
	bus := events.NewBus(logger)
	defer bus.Close()

	engine, err := scheduler.NewEngine(&cfg.Engine, followUp, scheduler.Deps{
		Plans:       catalog,
		Generator:   generator,
		Queue:       jobQueue,
		Prioritizer: prioritizer,
		Runner:      jobRunner,
		States:      states,
		History:     history,
		Bus:         bus,
		Metrics:     metrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// 8. RabbitMQ event publisher and control subscriber
	var publisher events.Publisher = events.NewNoOpPublisher()
	var subscriber events.Subscriber = events.NewNoOpSubscriber()
	if cfg.RabbitMQ.Enabled {
		logger.Info("Connecting to RabbitMQ...")
		p, err := events.NewRabbitMQPublisher(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
		} else {
			publisher = p
			logger.Info("Connected to RabbitMQ")
		}

		s, err := events.NewRabbitMQSubscriber(&cfg.RabbitMQ, cfg.RabbitMQ.ControlQueue, logger)
		if err != nil {
			logger.Warn("Failed to create RabbitMQ subscriber, remote control disabled", zap.Error(err))
		} else {
			subscriber = s
		}
	}
	defer publisher.Close()
	defer subscriber.Close()

	stream, unsubscribe := engine.Subscribe(1024)
	defer unsubscribe()
	go events.Forward(ctx, stream, publisher, logger)

	if err := subscriber.Subscribe(ctx, []string{events.RoutingKeyControlAll}, engine.ControlHandler(ctx)); err != nil {
		logger.Warn("Failed to subscribe to control commands", zap.Error(err))
	}

	// 9. Cron plan scheduler
	planScheduler := scheduler.NewPlanScheduler(engine, catalog, logger)
	if err := planScheduler.Start(); err != nil {
		return fmt.Errorf("failed to start plan scheduler: %w", err)
	}

	// 10. HTTP server (REST API, health, metrics, WebSocket)
	httpapi.Version = Version
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	httpServer := httpapi.NewServer(httpAddr, engine, pool, registry, logger)

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	logger.Info("paramsearch initialized and running",
		zap.String("http_address", httpAddr),
		zap.String("runner", cfg.Runner.Mode),
		zap.String("storage", cfg.Storage.Backend),
	)

	<-ctx.Done()

	logger.Info("Shutting down paramsearch...")

	serverTimeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		serverTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverTimeout+cfg.Engine.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	if err := planScheduler.Stop(); err != nil {
		logger.Error("Error stopping plan scheduler", zap.Error(err))
	}

	// Persists running plans as paused so the next start resumes them.
	engine.Shutdown(shutdownCtx)
	logger.Info("Engine stopped")

	return nil
}

// newRepositories builds the execution-state and job-history repositories for
// the configured storage backend.
func newRepositories(cfg *config.Config, pool *db.Pool, logger *zap.Logger) (repository.StateRepository, repository.JobHistoryRepository, error) {
	var history repository.JobHistoryRepository = repository.NewMemoryJobHistoryRepository()
	var repos *repository.Repositories
	if pool != nil {
		repos = repository.NewRepositories(pool)
		history = repos.History
	}

	switch cfg.Storage.Backend {
	case "postgres":
		return repos.State, history, nil
	case "memory":
		return repository.NewMemoryStateRepository(), history, nil
	default:
		states, err := repository.NewFileStateRepository(cfg.Storage.StateDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state directory: %w", err)
		}
		return states, history, nil
	}
}

// newJobRunner builds the job runner for the configured mode. "grid" searches
// in-process and sends each backtest batch to a container; "docker" hands the
// whole job to one container.
func newJobRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger) (scheduler.JobRunner, error) {
	logger.Info("Initializing Docker manager...")
	manager, err := docker.NewDockerManager(&cfg.Docker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Docker manager: %w", err)
	}

	timeout := cfg.Docker.ContainerTimeoutDuration()
	if n, err := manager.CleanupStaleContainers(ctx, 2*timeout); err != nil {
		logger.Warn("Failed to clean up stale containers", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale containers", zap.Int("count", n))
	}

	builder := docker.NewConfigBuilder(cfg.Docker.WorkDir, logger)
	resultParser := parser.NewParser(logger)

	switch cfg.Runner.Mode {
	case "docker":
		logDir := filepath.Join(cfg.Docker.WorkDir, "logs")
		return docker.NewJobRunner(manager, builder, resultParser, timeout, logDir, logger), nil
	default:
		batches := docker.NewBatchRunner(manager, builder, resultParser, timeout, logger)
		return runner.NewGridRunner(batches, runner.Options{
			MaxBatchSize: cfg.Search.MaxBatchSize,
			MaxBacktests: cfg.Search.MaxBacktests,
			GoodFitness:  cfg.Engine.GoodFitness,
		}, logger), nil
	}
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Logging.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Logging.OutputPath != "" {
		zapCfg.OutputPaths = []string{cfg.Logging.OutputPath}
	}

	return zapCfg.Build()
}
