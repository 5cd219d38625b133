package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/promise"
)

// errNoResult is returned when a runner reports success without a result.
var errNoResult = errors.New("job runner returned no result")

// Worker is one dequeue loop of a plan.
type Worker struct {
	id     int
	engine *Engine
	ex     *execution
	order  func([]*domain.Job) []*domain.Job
	logger *zap.Logger
}

func newWorker(id int, engine *Engine, ex *execution) *Worker {
	return &Worker{
		id:     id,
		engine: engine,
		ex:     ex,
		order: engine.prioritizer.Order(func() []*domain.Job {
			return engine.completedFor(ex)
		}),
		logger: engine.logger.With(
			zap.String("plan_id", ex.plan.ID),
			zap.Int("worker_id", id),
		),
	}
}

// Run loops until the plan is cancelled or no work is left. A panic in the
// loop's own bookkeeping ends only this worker.
func (w *Worker) Run() {
	defer w.ex.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker crashed", zap.Any("panic", r))
		}
	}()

	e := w.engine
	ctx := w.ex.ctx
	planID := w.ex.plan.ID
	backoff := e.cfg.DequeueBackoffDuration()

	w.logger.Debug("Worker started")
	for {
		if err := w.ex.gate.wait(ctx); err != nil {
			w.logger.Debug("Worker stopped")
			return
		}
		if err := e.slots.Acquire(ctx, 1); err != nil {
			w.logger.Debug("Worker stopped")
			return
		}

		// A pause may land while the slot is awaited.
		if w.ex.gate.isPaused() {
			e.slots.Release(1)
			continue
		}

		job, ok := e.queue.DequeueNextOrdered(planID, w.order)
		if !ok {
			e.slots.Release(1)
			if !e.outstanding(planID) {
				w.logger.Debug("No work left, worker exiting")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		e.execute(ctx, w.ex, job, w.logger)
		e.slots.Release(1)
	}
}

// execute runs one dequeued job and records its outcome. Runner errors and
// panics fail the job; plan cancellation cancels it, or sends it back to
// pending when the engine is shutting down.
func (e *Engine) execute(ctx context.Context, ex *execution, job *domain.Job, logger *zap.Logger) {
	ctx, span := e.tracer.Start(ctx, "scheduler.execute_job", trace.WithAttributes(
		attribute.String("plan_id", job.PlanID),
		attribute.String("job_id", job.ID),
		attribute.String("symbol", job.Symbol),
		attribute.String("timeframe", job.Timeframe),
		attribute.String("tier", job.Tier.String()),
	))
	defer span.End()

	e.recordStarted(ex, job)
	logger.Info("Processing job",
		zap.String("job_id", job.ID),
		zap.String("symbol", job.Symbol),
		zap.String("timeframe", job.Timeframe),
		zap.String("date_range", job.DateRange.Name),
		zap.String("tier", job.Tier.String()),
	)

	result, runErr := e.runJob(ctx, ex, job)
	now := e.now()

	var (
		next   *domain.Job
		change domain.StateChangeType
		err    error
	)
	switch {
	case runErr == nil:
		next, err = job.Complete(result, now)
		change = domain.ChangeJobCompleted
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), errShutdown):
		next, err = job.Requeue()
	case ctx.Err() != nil:
		next, err = job.Cancel(now)
		change = domain.ChangeJobCancelled
	default:
		next, err = job.Fail(runErr.Error(), now)
		change = domain.ChangeJobFailed
	}
	if err != nil {
		logger.Error("Failed to record job outcome", zap.String("job_id", job.ID), zap.Error(err))
		span.RecordError(err)
		return
	}
	if !e.queue.CompareAndSwap(job, next) {
		logger.Warn("Job was replaced while running, dropping its outcome", zap.String("job_id", job.ID))
		return
	}
	e.recordFinished(ex, next, change)
	e.metrics.jobFinished(next)

	switch next.Status {
	case domain.JobStatusCompleted:
		span.SetStatus(codes.Ok, "")
		logger.Info("Job completed",
			zap.String("job_id", next.ID),
			zap.Duration("duration", next.Duration()),
			zap.Float64("best_fitness", next.Result.BestFitness),
			zap.Int("backtests", next.Result.BacktestsRun),
			zap.Bool("partial_coverage", next.Result.PartialCoverage),
		)
		e.promote(ex, next)
	case domain.JobStatusFailed:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Warn("Job failed", zap.String("job_id", next.ID), zap.Error(runErr))
	default:
		logger.Info("Job interrupted",
			zap.String("job_id", next.ID),
			zap.String("status", next.Status.String()),
		)
	}
	if next.Status.IsTerminal() {
		e.recordHistory(ctx, next, logger)
	}
}

func (e *Engine) runJob(ctx context.Context, ex *execution, job *domain.Job) (result *domain.JobResult, err error) {
	if timeout := e.cfg.JobTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("job runner panic: %v", r)
		}
	}()

	result, err = e.runner.Run(ctx, job, ex.plan)
	if err == nil && result == nil {
		err = errNoResult
	}
	return result, err
}

func (e *Engine) recordStarted(ex *execution, job *domain.Job) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished.Load() {
		return
	}
	e.update(ex, domain.ChangeJobStarted, job, func(s *domain.PlanExecutionState) {
		s.RecordJobStarted(e.now())
	})
}

// recordFinished folds a finished job into the plan state and auto-saves
// every AutoSaveInterval finished jobs.
func (e *Engine) recordFinished(ex *execution, job *domain.Job, change domain.StateChangeType) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished.Load() {
		return
	}
	e.update(ex, change, job, func(s *domain.PlanExecutionState) {
		s.RecordJobFinished(job, e.cfg.GoodFitness, e.now())
	})
	if !job.Status.IsTerminal() {
		return
	}
	ex.sinceSave++
	if k := ex.opts.AutoSaveInterval; k > 0 && ex.sinceSave >= k {
		e.save(ex.ctx, ex)
	}
}

// promote queues a finer-tier follow-up of a completed job when the plan
// enables promotion and the job's fitness reaches its tier threshold.
func (e *Engine) promote(ex *execution, job *domain.Job) {
	if !ex.plan.AutoPromote {
		return
	}
	f, ok := promise.ShouldQueueFollowUp(job, e.followUp)
	if !ok {
		return
	}
	followUp := promise.NewFollowUpJob(job, f, e.now())

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished.Load() || ex.stopping {
		return
	}
	if err := e.queue.Enqueue(followUp); err != nil {
		e.logger.Debug("Follow-up already queued",
			zap.String("job_id", job.ID),
			zap.String("follow_up_id", followUp.ID),
		)
		return
	}
	e.update(ex, domain.ChangeFollowUpQueued, followUp, func(s *domain.PlanExecutionState) {
		s.RecordJobAdded(e.now())
	})
	e.metrics.followUpQueued(f.Tier)

	e.logger.Info("Queued follow-up job",
		zap.String("plan_id", ex.plan.ID),
		zap.String("job_id", job.ID),
		zap.String("follow_up_id", followUp.ID),
		zap.String("tier", f.Tier.String()),
		zap.Float64("fitness", f.Fitness),
		zap.Float64("threshold", f.Threshold),
	)
}

func (e *Engine) recordHistory(ctx context.Context, job *domain.Job, logger *zap.Logger) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(context.WithoutCancel(ctx), job); err != nil {
		logger.Warn("Failed to record job history", zap.String("job_id", job.ID), zap.Error(err))
	}
}
