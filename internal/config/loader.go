package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file and applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if exists
	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	envString("ENV", &cfg.Env)
	envInt("HTTP_PORT", &cfg.Server.HTTPPort)

	// Database
	envBool("DB_ENABLED", &cfg.Database.Enabled)
	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_NAME", &cfg.Database.Name)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)
	envInt("DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections)

	// RabbitMQ
	envBool("RABBITMQ_ENABLED", &cfg.RabbitMQ.Enabled)
	envString("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	envString("RABBITMQ_EXCHANGE", &cfg.RabbitMQ.Exchange)

	// Engine
	envInt("PARALLEL_WORKERS", &cfg.Engine.ParallelWorkers)
	envInt("MAX_CONCURRENT_JOBS", &cfg.Engine.MaxConcurrentJobs)
	envInt("AUTO_SAVE_INTERVAL", &cfg.Engine.AutoSaveInterval)
	envString("SHUTDOWN_TIMEOUT", &cfg.Engine.ShutdownTimeout)
	envInt("MAX_JOBS_PER_PLAN", &cfg.Engine.MaxJobsPerPlan)

	// Search
	envInt("MAX_BATCH_SIZE", &cfg.Search.MaxBatchSize)
	if v := os.Getenv("MAX_BACKTESTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Search.MaxBacktests = n
		}
	}

	// Storage and runner
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	envString("STATE_DIR", &cfg.Storage.StateDir)
	if v := os.Getenv("RUNNER_MODE"); v != "" {
		cfg.Runner.Mode = strings.ToLower(v)
	}
	envString("PLANS_PATH", &cfg.Plans.Path)

	// Docker
	envString("DOCKER_IMAGE", &cfg.Docker.Image)
	envString("DOCKER_NETWORK", &cfg.Docker.Network)
	envString("DOCKER_DATA_MOUNT", &cfg.Docker.DataMount)
	envString("DOCKER_CPU_LIMIT", &cfg.Docker.CPULimit)
	envString("DOCKER_MEMORY_LIMIT", &cfg.Docker.MemoryLimit)

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// MustLoad loads configuration and panics on error.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
