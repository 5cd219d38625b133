// Package search turns a sampled parameter grid into batches of backtest
// tasks and aggregates their fitness.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saltfish/paramsearch/internal/lod"
)

// ErrCancelled is returned when a search is cancelled before it drains.
var ErrCancelled = errors.New("search cancelled")

// Default pipeline options.
const (
	DefaultMaxBatchSize = 64
	DefaultMaxBacktests = 1000
)

// GridPoint is one tuple of per-parameter grid indexes.
type GridPoint struct {
	Seq     int64
	Indexes []int
}

// TaskResult is the outcome of one backtest.
type TaskResult struct {
	Fitness float64
	Err     error
}

// Task is one materialized backtest submitted to a BacktestRunner. The runner
// must call OnComplete exactly once per task, from any goroutine; later calls
// are ignored.
type Task struct {
	ID      string
	BatchID string
	Point   GridPoint
	// Values holds the optimized parameter values by key.
	Values map[string]any
	// Params is the bot parameter object built through the bindings.
	Params     any
	OnComplete func(TaskResult)
}

// BacktestRunner executes batches of backtests. RunBatch may return before the
// tasks complete. When it returns an error, tasks that have not reported yet are
// marked failed with that error.
type BacktestRunner interface {
	RunBatch(ctx context.Context, batchID string, tasks []Task) error
}

// Options configures one pipeline run.
type Options struct {
	MaxBatchSize int
	// MaxBacktests caps the number of grid points produced; zero means unlimited.
	MaxBacktests int64
	GoodFitness  float64
	// RunID prefixes batch IDs; a random one is used when empty.
	RunID string
	// NewTarget creates the bot parameter object for one task. Defaults to an
	// empty map[string]any, matching MapBindings.
	NewTarget func() any
	Bindings  []ParameterBinding
	// Aggregator replaces the built-in callback aggregation when the runner
	// stores results elsewhere.
	Aggregator ResultAggregator
}

// LevelResult aggregates every batch of one level.
type LevelResult struct {
	Level             int
	TotalPermutations int64
	Produced          int64
	Completed         int
	Failed            int
	GoodResults       int
	Batches           int
	// PartialCoverage is set when the budget stopped production before the
	// grid was exhausted.
	PartialCoverage bool
	BestFitness     float64
	AverageFitness  float64
	BestValues      map[string]any
}

// Pipeline runs grid searches for one parameter set.
type Pipeline struct {
	runner BacktestRunner
	specs  []lod.ParameterSpec
	logger *zap.Logger
}

// NewPipeline creates a pipeline submitting to runner. specs lists every bot
// parameter, optimized or not, so defaults can be applied.
func NewPipeline(runner BacktestRunner, specs []lod.ParameterSpec, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		runner: runner,
		specs:  specs,
		logger: logger,
	}
}

func (p *Pipeline) withDefaults(opts Options) Options {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxBacktests < 0 {
		opts.MaxBacktests = 0
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.NewTarget == nil {
		opts.NewTarget = func() any { return make(map[string]any) }
		if opts.Bindings == nil {
			opts.Bindings = MapBindings(p.specs)
		}
	}
	return opts
}

// Run enumerates level, submits batches to the runner and waits until every
// submitted task has completed.
func (p *Pipeline) Run(ctx context.Context, level *lod.LevelOfDetail, opts Options) (*LevelResult, error) {
	if level == nil {
		return nil, fmt.Errorf("%w: level of detail is required", ErrBinding)
	}
	opts = p.withDefaults(opts)
	bindings, err := p.indexBindings(level, opts.Bindings)
	if err != nil {
		return nil, err
	}

	var memory *MemoryAggregator
	aggregator := opts.Aggregator
	if aggregator == nil {
		memory = NewMemoryAggregator(opts.GoodFitness)
		aggregator = memory
	}

	points := make(chan GridPoint, 2*opts.MaxBatchSize)
	tracker := newInflight()

	var (
		produced int64
		partial  bool
		batchIDs []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		produced, partial, err = p.produce(gctx, level, opts.MaxBacktests, points)
		return err
	})
	g.Go(func() error {
		var err error
		batchIDs, err = p.consume(gctx, ctx, level, opts, bindings, points, tracker, memory)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tracker.seal()
	select {
	case <-tracker.drained:
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}

	result := &LevelResult{
		Level:             level.Level,
		TotalPermutations: level.TotalPermutations,
		Produced:          produced,
		PartialCoverage:   partial,
		Batches:           len(batchIDs),
	}
	var sum float64
	for _, id := range batchIDs {
		s, err := aggregator.Aggregate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("aggregate batch %s: %w", id, err)
		}
		if s.Count > 0 && (result.Completed == 0 || s.BestFitness > result.BestFitness) {
			result.BestFitness = s.BestFitness
			result.BestValues = s.BestValues
		}
		result.Completed += s.Count
		result.Failed += s.Failed
		result.GoodResults += s.GoodCount
		sum += s.AverageFitness * float64(s.Count)
	}
	if result.Completed > 0 {
		result.AverageFitness = sum / float64(result.Completed)
	}

	p.logger.Info("Level search finished",
		zap.Int("level", level.Level),
		zap.Int64("produced", produced),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Bool("partial_coverage", partial),
		zap.Float64("best_fitness", result.BestFitness),
	)
	return result, nil
}

// produce walks the grid into points until it is exhausted, the budget runs
// out or ctx is cancelled. It always closes points.
func (p *Pipeline) produce(ctx context.Context, level *lod.LevelOfDetail, budget int64, points chan<- GridPoint) (int64, bool, error) {
	defer close(points)

	e := level.Enumerator()
	var seq int64
	for {
		if ctx.Err() != nil {
			return seq, false, cancelled(ctx)
		}
		if !e.Advance() {
			return seq, false, nil
		}
		if budget > 0 && seq >= budget {
			p.logger.Warn("Backtest budget exhausted, grid only partially covered",
				zap.Int("level", level.Level),
				zap.Int64("budget", budget),
				zap.Int64("total_permutations", level.TotalPermutations),
			)
			return seq, true, nil
		}
		point := GridPoint{Seq: seq, Indexes: e.Current()}
		select {
		case points <- point:
			seq++
		case <-ctx.Done():
			return seq, false, cancelled(ctx)
		}
	}
}

// consume batches points and submits them. Batches are submitted with runCtx,
// which outlives the errgroup context. It returns the submitted batch IDs.
func (p *Pipeline) consume(
	ctx context.Context,
	runCtx context.Context,
	level *lod.LevelOfDetail,
	opts Options,
	bindings levelBindings,
	points <-chan GridPoint,
	tracker *inflight,
	memory *MemoryAggregator,
) ([]string, error) {
	var batchIDs []string
	batch := make([]GridPoint, 0, opts.MaxBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		batchID := fmt.Sprintf("%s-L%d-B%04d", opts.RunID, level.Level, len(batchIDs))
		tasks, err := p.materialize(level, opts, bindings, batchID, batch, tracker, memory)
		if err != nil {
			return err
		}
		batchIDs = append(batchIDs, batchID)
		tracker.add(len(tasks))

		p.logger.Debug("Submitting batch",
			zap.String("batch_id", batchID),
			zap.Int("tasks", len(tasks)),
		)
		if err := p.runner.RunBatch(runCtx, batchID, tasks); err != nil {
			p.logger.Warn("Batch submission failed",
				zap.String("batch_id", batchID),
				zap.Error(err),
			)
			for _, t := range tasks {
				t.OnComplete(TaskResult{Err: err})
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return batchIDs, cancelled(ctx)
		case point, ok := <-points:
			if !ok {
				return batchIDs, flush()
			}
			batch = append(batch, point)
			if len(batch) >= opts.MaxBatchSize {
				if err := flush(); err != nil {
					return batchIDs, err
				}
			}
		}
	}
}

func (p *Pipeline) materialize(
	level *lod.LevelOfDetail,
	opts Options,
	bindings levelBindings,
	batchID string,
	batch []GridPoint,
	tracker *inflight,
	memory *MemoryAggregator,
) ([]Task, error) {
	tasks := make([]Task, 0, len(batch))
	for _, point := range batch {
		target := opts.NewTarget()
		for _, d := range bindings.defaults {
			if err := d.binding.Setter(target, d.value); err != nil {
				return nil, err
			}
		}
		values := make(map[string]any, len(bindings.optimized))
		for i, b := range bindings.optimized {
			v := level.Value(i, point.Indexes[i])
			if err := b.Setter(target, v); err != nil {
				return nil, err
			}
			values[b.Key] = v
		}

		task := Task{
			ID:      fmt.Sprintf("%s-%06d", batchID, point.Seq),
			BatchID: batchID,
			Point:   point,
			Values:  values,
			Params:  target,
		}
		var once sync.Once
		task.OnComplete = func(res TaskResult) {
			once.Do(func() {
				if res.Err == nil && (math.IsNaN(res.Fitness) || math.IsInf(res.Fitness, 0)) {
					res.Err = fmt.Errorf("non-finite fitness %v", res.Fitness)
				}
				if memory != nil {
					memory.Record(task, res)
				}
				tracker.done()
			})
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

type defaultBinding struct {
	binding ParameterBinding
	value   any
}

// levelBindings splits the bindings into defaults for parameters outside the
// grid and setters in grid-digit order.
type levelBindings struct {
	defaults  []defaultBinding
	optimized []ParameterBinding
}

func (p *Pipeline) indexBindings(level *lod.LevelOfDetail, bindings []ParameterBinding) (levelBindings, error) {
	byKey := make(map[string]ParameterBinding, len(bindings))
	for _, b := range bindings {
		byKey[b.Key] = b
	}

	var lb levelBindings
	inGrid := make(map[string]bool)
	for _, key := range level.Keys() {
		b, ok := byKey[key]
		if !ok {
			return lb, fmt.Errorf("%w: %s: no binding for optimized parameter", ErrBinding, key)
		}
		lb.optimized = append(lb.optimized, b)
		inGrid[key] = true
	}
	for _, spec := range p.specs {
		if inGrid[spec.Key] {
			continue
		}
		b, ok := byKey[spec.Key]
		if !ok {
			continue
		}
		lb.defaults = append(lb.defaults, defaultBinding{binding: b, value: spec.DefaultValue()})
	}
	return lb, nil
}

// inflight counts submitted tasks that have not completed. drained closes once
// the counter is sealed and back at zero.
type inflight struct {
	mu      sync.Mutex
	n       int64
	sealed  bool
	drained chan struct{}
	closed  atomic.Bool
}

func newInflight() *inflight {
	return &inflight{drained: make(chan struct{})}
}

func (f *inflight) add(n int) {
	f.mu.Lock()
	f.n += int64(n)
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	f.signal()
	f.mu.Unlock()
}

// seal marks the end of submissions.
func (f *inflight) seal() {
	f.mu.Lock()
	f.sealed = true
	f.signal()
	f.mu.Unlock()
}

func (f *inflight) signal() {
	if f.sealed && f.n <= 0 && f.closed.CompareAndSwap(false, true) {
		close(f.drained)
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
