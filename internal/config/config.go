package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Fetch     FetchConfig     `yaml:"fetch"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host          string           `yaml:"host"`
	Port          int              `yaml:"port"`
	User          string           `yaml:"user"`
	Password      string           `yaml:"password"`
	VHost         string           `yaml:"vhost"`
	Exchange      string           `yaml:"exchange"`
	PrefetchCount int              `yaml:"prefetch_count"`
	MaxDeliveries int              `yaml:"max_deliveries"`
	Connection    ConnectionConfig `yaml:"connection"`
	Publish       PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SpoolDir           string        `yaml:"spool_dir"`
	ArtifactDir        string        `yaml:"artifact_dir"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig holds job scheduling and retry policy configuration
type SchedulerConfig struct {
	MinPriority     int           `yaml:"min_priority"`
	MaxPriority     int           `yaml:"max_priority"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCeiling  time.Duration `yaml:"backoff_ceiling"`
	CircuitDeferral time.Duration `yaml:"circuit_deferral"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	DispatchRate    float64       `yaml:"dispatch_rate"`
	DispatchBurst   int           `yaml:"dispatch_burst"`
}

// BreakerConfig holds per-dependency circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// FetchConfig holds HTTP fetcher configuration
type FetchConfig struct {
	ChunkSize      int           `yaml:"chunk_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateGatewayConfig checks the configuration the gateway service needs
func (c *Config) ValidateGatewayConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return c.validateScheduler()
}

// ValidateWorkerConfig checks the configuration the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("worker lease_ttl must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
		return fmt.Errorf("worker heartbeat_interval (%s) must be shorter than lease_ttl (%s)",
			c.Worker.HeartbeatInterval, c.Worker.LeaseTTL)
	}

	if c.Worker.SpoolDir == "" {
		return fmt.Errorf("worker spool_dir is required")
	}

	if c.Worker.ArtifactDir == "" {
		return fmt.Errorf("worker artifact_dir is required")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validateScheduler()
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MinPriority > c.Scheduler.MaxPriority {
		return fmt.Errorf("scheduler min_priority (%d) must not exceed max_priority (%d)",
			c.Scheduler.MinPriority, c.Scheduler.MaxPriority)
	}

	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler max_attempts must be greater than 0")
	}

	if c.Scheduler.BackoffBase <= 0 {
		return fmt.Errorf("scheduler backoff_base must be greater than 0")
	}

	if c.Scheduler.BackoffCeiling < c.Scheduler.BackoffBase {
		return fmt.Errorf("scheduler backoff_ceiling (%s) must not be below backoff_base (%s)",
			c.Scheduler.BackoffCeiling, c.Scheduler.BackoffBase)
	}

	return nil
}
