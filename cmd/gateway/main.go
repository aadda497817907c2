package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fetchflow/fetchflow/internal/backoff"
	"github.com/fetchflow/fetchflow/internal/breaker"
	busamqp "github.com/fetchflow/fetchflow/internal/bus/amqp"
	"github.com/fetchflow/fetchflow/internal/config"
	"github.com/fetchflow/fetchflow/internal/gateway/handler"
	"github.com/fetchflow/fetchflow/internal/gateway/router"
	"github.com/fetchflow/fetchflow/internal/lifecycle"
	"github.com/fetchflow/fetchflow/internal/metrics"
	"github.com/fetchflow/fetchflow/internal/store/postgres"
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
	defaultConfigPath := os.Getenv("GATEWAY_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/gateway/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateGatewayConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting gateway service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	// Initialize the queue store and run migrations
	jobStore := postgres.New(dbClient.GetDB(), appLogger.Logger)
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = jobStore.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Wire the lifecycle manager on top of the store and bus
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

	// The reaper recovers jobs whose worker stopped heartbeating.
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	go manager.RunReaper(reaperCtx)

	// The aggregator feeds the stats endpoint.
	aggregator := metrics.NewAggregator(eventBus, appLogger.Logger)
	go func() {
		if err := aggregator.Run(reaperCtx); err != nil {
			appLogger.Error("Metrics aggregator failed",
				slog.Any("error", err),
			)
		}
	}()

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, manager, aggregator)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Gateway service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		reaperCancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, manager *lifecycle.Manager, aggregator *metrics.Aggregator) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:    logger,
		Lifecycle: manager,
		Metrics:   aggregator,
	}

	return router.SetupRouter(handlerDeps)
}
