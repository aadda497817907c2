package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fetchflow/fetchflow/internal/backoff"
	"github.com/fetchflow/fetchflow/internal/blob/fsblob"
	"github.com/fetchflow/fetchflow/internal/breaker"
	busamqp "github.com/fetchflow/fetchflow/internal/bus/amqp"
	"github.com/fetchflow/fetchflow/internal/config"
	"github.com/fetchflow/fetchflow/internal/fetch/httpfetch"
	"github.com/fetchflow/fetchflow/internal/lifecycle"
	"github.com/fetchflow/fetchflow/internal/store/postgres"
	"github.com/fetchflow/fetchflow/internal/transfer"
	"github.com/fetchflow/fetchflow/shared/logger"
	"github.com/fetchflow/fetchflow/shared/postgresql"
	"github.com/fetchflow/fetchflow/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Wire the shared lifecycle stack
	jobStore := postgres.New(dbClient.GetDB(), appLogger.Logger)
	eventBus := busamqp.New(rabbitClient, cfg.RabbitMQ.MaxDeliveries, appLogger.Logger)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	}, appLogger.Logger)

	manager := lifecycle.NewManager(jobStore, eventBus, breakers, lifecycle.Config{
		MinPriority:        cfg.Scheduler.MinPriority,
		MaxPriority:        cfg.Scheduler.MaxPriority,
		DefaultMaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff: backoff.Policy{
			Base:    cfg.Scheduler.BackoffBase,
			Ceiling: cfg.Scheduler.BackoffCeiling,
		},
		CircuitDeferral: cfg.Scheduler.CircuitDeferral,
		ReclaimInterval: cfg.Scheduler.ReclaimInterval,
	}, appLogger.Logger)

	dispatcher := lifecycle.NewDispatcher(manager,
		cfg.Scheduler.DispatchRate,
		cfg.Scheduler.DispatchBurst,
		cfg.Worker.LeaseTTL,
		appLogger.Logger,
	)

	fetcher := httpfetch.New(httpfetch.Config{
		ChunkSize:      cfg.Fetch.ChunkSize,
		RequestTimeout: cfg.Fetch.RequestTimeout,
	}, appLogger.Logger)

	blobs, err := fsblob.New(cfg.Worker.ArtifactDir, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One coordinator per concurrency slot, each with its own worker id.
	hostname, _ := os.Hostname()
	var wg sync.WaitGroup
	errChan := make(chan error, cfg.Worker.Concurrency)

	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

		coordinator, err := transfer.NewCoordinator(transfer.Config{
			WorkerID:           workerID,
			LeaseTTL:           cfg.Worker.LeaseTTL,
			HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
			CheckpointInterval: cfg.Worker.CheckpointInterval,
			SpoolDir:           cfg.Worker.SpoolDir,
			PollInterval:       cfg.Worker.PollInterval,
		}, manager, dispatcher, fetcher, blobs, eventBus, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to create transfer coordinator: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coordinator.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop coordinators; in-flight transfers release
	// their claims through the reaper once the leases lapse.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange,
		PrefetchCount:      cfg.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
