package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	// Validate environment
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs = append(errs, ValidationError{
			Field:   "env",
			Message: "must be one of: development, staging, production, test",
		})
	}

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.http_port",
			Message: "must be a valid port number (1-65535)",
		})
	}

	if cfg.Database.Enabled || cfg.Storage.Backend == "postgres" {
		errs = append(errs, validateDatabase(&cfg.Database)...)
	}
	if cfg.RabbitMQ.Enabled {
		errs = append(errs, validateRabbitMQ(&cfg.RabbitMQ)...)
	}
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateSearch(&cfg.Search)...)
	errs = append(errs, validatePromise(&cfg.Promise)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)

	switch cfg.Runner.Mode {
	case "grid":
	case "docker":
		errs = append(errs, validateDocker(&cfg.Docker)...)
	default:
		errs = append(errs, ValidationError{
			Field:   "runner.mode",
			Message: "must be one of: grid, docker",
		})
	}

	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "database.host",
			Message: "is required",
		})
	}
	if db.Port <= 0 || db.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "database.port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if db.User == "" {
		errs = append(errs, ValidationError{
			Field:   "database.user",
			Message: "is required",
		})
	}
	if db.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "database.name",
			Message: "is required",
		})
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[db.SSLMode] {
		errs = append(errs, ValidationError{
			Field:   "database.sslmode",
			Message: "must be one of: disable, require, verify-ca, verify-full",
		})
	}

	if db.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_connections",
			Message: "must be greater than 0",
		})
	}
	if db.MaxIdleConnections < 0 || db.MaxIdleConnections > db.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must be between 0 and max_connections",
		})
	}

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if mq.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "is required",
		})
	} else if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "must start with amqp:// or amqps://",
		})
	}
	if mq.Exchange == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.exchange",
			Message: "is required",
		})
	}
	if mq.PrefetchCount <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.prefetch_count",
			Message: "must be greater than 0",
		})
	}

	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if e.ParallelWorkers <= 0 || e.ParallelWorkers > 256 {
		errs = append(errs, ValidationError{
			Field:   "engine.parallel_workers",
			Message: "must be between 1 and 256",
		})
	}
	if e.MaxConcurrentJobs < e.ParallelWorkers {
		errs = append(errs, ValidationError{
			Field:   "engine.max_concurrent_jobs",
			Message: "must be at least parallel_workers",
		})
	}
	if e.AutoSaveInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.auto_save_interval",
			Message: "must be non-negative",
		})
	}
	if e.MaxJobsPerPlan <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_jobs_per_plan",
			Message: "must be greater than 0",
		})
	}
	for field, v := range map[string]string{
		"engine.dequeue_backoff":  e.DequeueBackoff,
		"engine.shutdown_timeout": e.ShutdownTimeout,
		"engine.job_timeout":      e.JobTimeout,
	} {
		if err := validateDuration(v); err != "" {
			errs = append(errs, ValidationError{Field: field, Message: err})
		}
	}

	return errs
}

func validateSearch(s *SearchConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MaxBatchSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "search.max_batch_size",
			Message: "must be greater than 0",
		})
	}
	if s.MaxBacktests < 0 {
		errs = append(errs, ValidationError{
			Field:   "search.max_backtests",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validatePromise(p *PromiseConfig) ValidationErrors {
	var errs ValidationErrors

	weights := []float64{p.SymbolWeight, p.TimeframeWeight, p.ExactWeight, p.RecencyWeight}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			errs = append(errs, ValidationError{
				Field:   "promise.*_weight",
				Message: "weights must be non-negative",
			})
			break
		}
		sum += w
	}
	if sum > 1+1e-9 {
		errs = append(errs, ValidationError{
			Field:   "promise.*_weight",
			Message: "weights must not sum above 1",
		})
	}
	if p.CoarseToMedium <= 0 || p.MediumToFull <= 0 {
		errs = append(errs, ValidationError{
			Field:   "promise.coarse_to_medium/medium_to_full",
			Message: "thresholds must be greater than 0",
		})
	}
	if err := validateDuration(p.RecencyWindow); err != "" {
		errs = append(errs, ValidationError{Field: "promise.recency_window", Message: err})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "file":
		if s.StateDir == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.state_dir",
				Message: "is required for the file backend",
			})
		}
	case "postgres", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: "must be one of: file, postgres, memory",
		})
	}

	return errs
}

func validateDocker(d *DockerConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Image == "" {
		errs = append(errs, ValidationError{
			Field:   "docker.image",
			Message: "is required",
		})
	}
	if d.WorkDir == "" {
		errs = append(errs, ValidationError{
			Field:   "docker.work_dir",
			Message: "is required",
		})
	}
	if err := validateDuration(d.ContainerTimeout); err != "" {
		errs = append(errs, ValidationError{Field: "docker.container_timeout", Message: err})
	}

	return errs
}

func validateDuration(s string) string {
	if s == "" {
		return ""
	}
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		return "must be a non-negative duration such as 500ms or 30s"
	}
	return ""
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, console",
		})
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
