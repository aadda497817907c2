package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "fetchflow_db", cfg.Database.Database)
				assert.Equal(t, "fetchflow", cfg.RabbitMQ.Exchange)
				assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
				assert.Equal(t, time.Second, cfg.Scheduler.BackoffBase)
				assert.Equal(t, 60*time.Second, cfg.Scheduler.BackoffCeiling)
				assert.Equal(t, "fetchflow-gateway", cfg.App.Name)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "fetchflow_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: "fetchflow",
		},
		Worker: WorkerConfig{
			Concurrency:        4,
			LeaseTTL:           30 * time.Second,
			HeartbeatInterval:  10 * time.Second,
			CheckpointInterval: 5 * time.Second,
			SpoolDir:           "/var/lib/fetchflow/spool",
			ArtifactDir:        "/var/lib/fetchflow/artifacts",
			ShutdownTimeout:    30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MinPriority:    0,
			MaxPriority:    9,
			MaxAttempts:    5,
			BackoffBase:    time.Second,
			BackoffCeiling: 60 * time.Second,
		},
	}
}

func TestConfig_ValidateGatewayConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty rabbitmq exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "priority bounds inverted",
			mutate:    func(c *Config) { c.Scheduler.MinPriority = 10 },
			wantErr:   true,
			errString: "min_priority",
		},
		{
			name:      "zero max attempts",
			mutate:    func(c *Config) { c.Scheduler.MaxAttempts = 0 },
			wantErr:   true,
			errString: "max_attempts must be greater than 0",
		},
		{
			name:      "backoff ceiling below base",
			mutate:    func(c *Config) { c.Scheduler.BackoffCeiling = time.Millisecond },
			wantErr:   true,
			errString: "backoff_ceiling",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateGatewayConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero lease ttl",
			mutate:    func(c *Config) { c.Worker.LeaseTTL = 0 },
			wantErr:   true,
			errString: "lease_ttl must be greater than 0",
		},
		{
			name:      "heartbeat not shorter than lease",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 30 * time.Second },
			wantErr:   true,
			errString: "heartbeat_interval",
		},
		{
			name:      "empty spool dir",
			mutate:    func(c *Config) { c.Worker.SpoolDir = "" },
			wantErr:   true,
			errString: "spool_dir is required",
		},
		{
			name:      "empty artifact dir",
			mutate:    func(c *Config) { c.Worker.ArtifactDir = "" },
			wantErr:   true,
			errString: "artifact_dir is required",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			wantErr:   true,
			errString: "shutdown_timeout must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateGatewayConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})
}
