package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/parser"
	"github.com/saltfish/paramsearch/internal/search"
)

// containerConfigPath is where the runtime config appears inside the container.
const containerConfigPath = workMount + "/" + runtimeConfigName

// executor runs one container to completion.
type executor struct {
	manager Manager
	timeout time.Duration
	logger  *zap.Logger
}

// execute runs cmd against the workspace in dir and returns its output. The
// container is always removed; it is stopped first when ctx ends early.
func (e *executor) execute(ctx context.Context, jobID, dir string, cmd []string) (*ContainerResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	containerID, err := e.manager.RunContainer(ctx, &RunParams{
		JobID:   jobID,
		WorkDir: dir,
		Cmd:     cmd,
	})
	if err != nil {
		return nil, err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := e.manager.RemoveContainer(cleanupCtx, containerID); err != nil {
			e.logger.Warn("Failed to remove container",
				zap.String("container_id", shortID(containerID)),
				zap.Error(err),
			)
		}
	}()

	exitCode, logs, err := e.manager.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			if running, _ := e.manager.IsContainerRunning(cleanupCtx, containerID); running {
				_ = e.manager.StopContainer(cleanupCtx, containerID)
			}
			return nil, fmt.Errorf("container %s: %w", shortID(containerID), context.Cause(ctx))
		}
		return nil, err
	}

	result := &ContainerResult{ExitCode: exitCode, Logs: logs, Duration: time.Since(start)}
	if exitCode != 0 {
		return result, fmt.Errorf("container exited with code %d: %s", exitCode, lastLine(logs))
	}
	return result, nil
}

// JobRunner runs a whole job inside one container. The image searches the
// grid itself and prints a summary table.
type JobRunner struct {
	exec    executor
	builder *ConfigBuilder
	parser  *parser.Parser
	logDir  string
}

// NewJobRunner creates a whole-job container runner. Compressed container logs
// are kept under logDir when it is set.
func NewJobRunner(manager Manager, builder *ConfigBuilder, p *parser.Parser, timeout time.Duration, logDir string, logger *zap.Logger) *JobRunner {
	return &JobRunner{
		exec:    executor{manager: manager, timeout: timeout, logger: logger},
		builder: builder,
		parser:  p,
		logDir:  logDir,
	}
}

// Run executes job in a container and parses its summary.
func (r *JobRunner) Run(ctx context.Context, job *domain.Job, plan *domain.Plan) (*domain.JobResult, error) {
	ws, err := r.builder.BuildJobConfig(job, plan)
	if err != nil {
		return nil, err
	}
	defer ws.Cleanup()

	out, err := r.exec.execute(ctx, job.ID, ws.Dir, []string{ModeJob, containerConfigPath})
	var location string
	if out != nil {
		location = r.saveLogs(job.ID, out.Logs)
	}
	if err != nil {
		if location != "" {
			err = fmt.Errorf("%w (logs: %s)", err, location)
		}
		return nil, err
	}

	result, err := r.parser.ParseJobResult(out.Logs, job)
	if err != nil {
		return nil, err
	}
	result.OutputLocation = location

	r.exec.logger.Info("Container job finished",
		zap.String("job_id", job.ID),
		zap.Duration("duration", out.Duration),
		zap.Float64("best_fitness", result.BestFitness),
	)
	return result, nil
}

func (r *JobRunner) logPath(jobID string) string {
	if r.logDir == "" {
		return ""
	}
	return filepath.Join(r.logDir, jobID+".log.gz")
}

// saveLogs writes the compressed logs and returns their location.
func (r *JobRunner) saveLogs(jobID, logs string) string {
	path := r.logPath(jobID)
	if path == "" {
		return ""
	}
	compressed, err := r.parser.CompressLog(logs)
	if err == nil {
		err = os.MkdirAll(r.logDir, 0o755)
	}
	if err == nil {
		err = os.WriteFile(path, compressed, 0o644)
	}
	if err != nil {
		r.exec.logger.Warn("Failed to save container logs", zap.String("job_id", jobID), zap.Error(err))
		return ""
	}
	return path
}

// BatchRunner runs each backtest batch of an in-process grid search in its
// own container.
type BatchRunner struct {
	exec    executor
	builder *ConfigBuilder
	parser  *parser.Parser
}

// NewBatchRunner creates a batch container runner.
func NewBatchRunner(manager Manager, builder *ConfigBuilder, p *parser.Parser, timeout time.Duration, logger *zap.Logger) *BatchRunner {
	return &BatchRunner{
		exec:    executor{manager: manager, timeout: timeout, logger: logger},
		builder: builder,
		parser:  p,
	}
}

// ForJob returns a backtest runner bound to the cell of job.
func (r *BatchRunner) ForJob(job *domain.Job, _ *domain.Plan) search.BacktestRunner {
	return &jobBatches{runner: r, job: job}
}

type jobBatches struct {
	runner *BatchRunner
	job    *domain.Job
}

// RunBatch runs tasks in one container and reports every task before
// returning.
func (b *jobBatches) RunBatch(ctx context.Context, batchID string, tasks []search.Task) error {
	r := b.runner
	ws, err := r.builder.BuildBatchConfig(b.job, batchID, tasks)
	if err != nil {
		return err
	}
	defer ws.Cleanup()

	out, err := r.exec.execute(ctx, b.job.ID, ws.Dir, []string{ModeBatch, containerConfigPath})
	if err != nil {
		return err
	}

	results, err := r.parser.ParseBacktestResults(out.Logs)
	if err != nil {
		return err
	}

	byID := make(map[string]parser.BacktestResult, len(results))
	for _, res := range results {
		byID[res.TaskID] = res
	}
	for _, task := range tasks {
		res, ok := byID[task.ID]
		switch {
		case !ok:
			task.OnComplete(search.TaskResult{Err: fmt.Errorf("no result reported for task %s", task.ID)})
		case res.Error != "":
			task.OnComplete(search.TaskResult{Err: fmt.Errorf("backtest failed: %s", res.Error)})
		default:
			task.OnComplete(search.TaskResult{Fitness: res.Fitness})
		}
	}

	r.exec.logger.Debug("Container batch finished",
		zap.String("job_id", b.job.ID),
		zap.String("batch_id", batchID),
		zap.Int("tasks", len(tasks)),
		zap.Int("results", len(results)),
		zap.Duration("duration", out.Duration),
	)
	return nil
}

func lastLine(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
