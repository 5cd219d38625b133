package docker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/lod"
	"github.com/saltfish/paramsearch/internal/search"
)

// Runtime config modes understood by the backtester image.
const (
	ModeJob   = "job"
	ModeBatch = "batch"

	runtimeConfigName = "config.json"
)

// RuntimeConfig is the file the backtester container reads from /work.
type RuntimeConfig struct {
	Mode         string    `json:"mode"`
	JobID        string    `json:"job_id"`
	PlanID       string    `json:"plan_id"`
	Bot          string    `json:"bot"`
	Exchange     string    `json:"exchange"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	DateRange    string    `json:"date_range"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Tier         string    `json:"tier,omitempty"`
	MaxBacktests int       `json:"max_backtests,omitempty"`

	// Job mode: the container searches the grid itself.
	Parameters []lod.ParameterSpec `json:"parameters,omitempty"`

	// Batch mode: the container runs exactly these backtests.
	BatchID string       `json:"batch_id,omitempty"`
	Tasks   []TaskConfig `json:"tasks,omitempty"`
}

// TaskConfig is one backtest of a batch.
type TaskConfig struct {
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
	Params any            `json:"params,omitempty"`
}

// BuildResult contains the result of building a runtime config.
type BuildResult struct {
	// Dir is the host directory mounted into the container.
	Dir string

	// ConfigPath is the path to the generated config file.
	ConfigPath string

	// Cleanup removes the workspace directory.
	Cleanup func()
}

// ConfigBuilder builds runtime workspaces for backtester containers.
type ConfigBuilder struct {
	baseDir string
	logger  *zap.Logger
}

// NewConfigBuilder creates a new ConfigBuilder writing under baseDir.
func NewConfigBuilder(baseDir string, logger *zap.Logger) *ConfigBuilder {
	return &ConfigBuilder{
		baseDir: baseDir,
		logger:  logger,
	}
}

// BuildJobConfig writes the workspace of a whole-job container run.
func (b *ConfigBuilder) BuildJobConfig(job *domain.Job, plan *domain.Plan) (*BuildResult, error) {
	cfg := newRuntimeConfig(ModeJob, job)
	cfg.Parameters = plan.Parameters
	return b.write(cfg)
}

// BuildBatchConfig writes the workspace of one batch of backtests.
func (b *ConfigBuilder) BuildBatchConfig(job *domain.Job, batchID string, tasks []search.Task) (*BuildResult, error) {
	cfg := newRuntimeConfig(ModeBatch, job)
	cfg.BatchID = batchID
	cfg.Tasks = make([]TaskConfig, len(tasks))
	for i, t := range tasks {
		cfg.Tasks[i] = TaskConfig{ID: t.ID, Values: t.Values, Params: t.Params}
	}
	return b.write(cfg)
}

func newRuntimeConfig(mode string, job *domain.Job) *RuntimeConfig {
	return &RuntimeConfig{
		Mode:         mode,
		JobID:        job.ID,
		PlanID:       job.PlanID,
		Bot:          job.Bot,
		Exchange:     job.Exchange,
		Symbol:       job.Symbol,
		Timeframe:    job.Timeframe,
		DateRange:    job.DateRange.Name,
		Start:        job.DateRange.Start,
		End:          job.DateRange.End,
		Tier:         job.Tier.String(),
		MaxBacktests: job.MaxBacktests,
	}
}

func (b *ConfigBuilder) write(cfg *RuntimeConfig) (*BuildResult, error) {
	if err := os.MkdirAll(b.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(b.baseDir, cfg.Mode+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, runtimeConfigName)
	f, err := os.Create(path)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create runtime config: %w", err)
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cfg); err != nil {
		f.Close()
		cleanup()
		return nil, fmt.Errorf("failed to write runtime config: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write runtime config: %w", err)
	}

	b.logger.Debug("Built runtime config",
		zap.String("path", path),
		zap.String("mode", cfg.Mode),
		zap.String("job_id", cfg.JobID),
		zap.Int("tasks", len(cfg.Tasks)),
	)

	return &BuildResult{
		Dir:        dir,
		ConfigPath: path,
		Cleanup:    cleanup,
	}, nil
}
