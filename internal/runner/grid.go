// Package runner executes optimization jobs in-process by searching the
// plan's parameter grid at the job's resolution tier.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/lod"
	"github.com/saltfish/paramsearch/internal/search"
)

// ErrNoResults is returned when every backtest of a job failed.
var ErrNoResults = errors.New("no backtest completed")

// BacktestSource provides the backtest runner for the cell of one job.
type BacktestSource interface {
	ForJob(job *domain.Job, plan *domain.Plan) search.BacktestRunner
}

// BacktestSourceFunc adapts a function to BacktestSource.
type BacktestSourceFunc func(job *domain.Job, plan *domain.Plan) search.BacktestRunner

// ForJob calls f.
func (f BacktestSourceFunc) ForJob(job *domain.Job, plan *domain.Plan) search.BacktestRunner {
	return f(job, plan)
}

// Options configures a GridRunner.
type Options struct {
	MaxBatchSize int
	// MaxBacktests applies when a job carries no budget of its own.
	MaxBacktests int64
	GoodFitness  float64
}

// GridRunner runs one job as a batch search over the plan's parameters.
type GridRunner struct {
	source BacktestSource
	opts   Options
	logger *zap.Logger

	// caches holds one *lod.LevelCache per plan ID.
	caches sync.Map
}

// NewGridRunner creates a grid runner.
func NewGridRunner(source BacktestSource, opts Options, logger *zap.Logger) *GridRunner {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = search.DefaultMaxBatchSize
	}
	if opts.MaxBacktests <= 0 {
		opts.MaxBacktests = search.DefaultMaxBacktests
	}
	return &GridRunner{
		source: source,
		opts:   opts,
		logger: logger,
	}
}

// Run searches the grid of plan at the level matching job's tier.
func (r *GridRunner) Run(ctx context.Context, job *domain.Job, plan *domain.Plan) (*domain.JobResult, error) {
	cache, err := r.levelCache(plan)
	if err != nil {
		return nil, err
	}

	budget := int64(job.MaxBacktests)
	if budget <= 0 {
		budget = r.opts.MaxBacktests
	}
	level := cache.Get(job.Tier.Level())

	logger := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("symbol", job.Symbol),
		zap.String("timeframe", job.Timeframe),
		zap.String("tier", job.Tier.String()),
	)
	logger.Debug("Starting grid search",
		zap.Int("level", level.Level),
		zap.Int64("total_permutations", level.TotalPermutations),
		zap.Int64("budget", budget),
	)

	pipeline := search.NewPipeline(r.source.ForJob(job, plan), cache.Specs(), logger)
	res, err := pipeline.Run(ctx, level, search.Options{
		MaxBatchSize: r.opts.MaxBatchSize,
		MaxBacktests: budget,
		GoodFitness:  r.opts.GoodFitness,
		RunID:        job.ID,
	})
	if err != nil {
		return nil, err
	}
	if res.Completed == 0 && res.Failed > 0 {
		return nil, fmt.Errorf("%w: %d backtests failed", ErrNoResults, res.Failed)
	}

	return &domain.JobResult{
		BestFitness:     res.BestFitness,
		AverageFitness:  res.AverageFitness,
		BacktestsRun:    res.Completed,
		GoodBacktests:   res.GoodResults,
		PartialCoverage: res.PartialCoverage,
		BestParameters:  res.BestValues,
	}, nil
}

// Forget drops the cached grid of a plan. A restarted plan rebuilds it from
// its current parameters.
func (r *GridRunner) Forget(planID string) {
	r.caches.Delete(planID)
}

func (r *GridRunner) levelCache(plan *domain.Plan) (*lod.LevelCache, error) {
	if v, ok := r.caches.Load(plan.ID); ok {
		return v.(*lod.LevelCache), nil
	}
	cache, err := lod.NewLevelCache(plan.Parameters)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
	}
	actual, _ := r.caches.LoadOrStore(plan.ID, cache)
	return actual.(*lod.LevelCache), nil
}
