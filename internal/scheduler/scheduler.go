// Package scheduler runs optimization plans: it expands a plan into jobs,
// drives a bounded worker pool over the job queue and keeps the aggregate
// execution state of every active plan.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/saltfish/paramsearch/internal/config"
	"github.com/saltfish/paramsearch/internal/db/repository"
	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/events"
	"github.com/saltfish/paramsearch/internal/matrix"
	"github.com/saltfish/paramsearch/internal/promise"
	"github.com/saltfish/paramsearch/internal/queue"
)

// historyLimit caps the completed jobs of earlier runs loaded for scoring.
const historyLimit = 5000

var (
	errStopRequested = errors.New("plan stop requested")
	errShutdown      = errors.New("engine shutting down")
)

// JobRunner executes one optimization job and returns its result summary.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job, plan *domain.Plan) (*domain.JobResult, error)
}

// planForgetter is implemented by runners that cache per-plan state. The
// engine calls Forget once a plan leaves the active set.
type planForgetter interface {
	Forget(planID string)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, job *domain.Job, plan *domain.Plan) (*domain.JobResult, error)

// Run calls f.
func (f JobRunnerFunc) Run(ctx context.Context, job *domain.Job, plan *domain.Plan) (*domain.JobResult, error) {
	return f(ctx, job, plan)
}

// StartOptions tune one plan run. Zero values fall back to the engine config.
type StartOptions struct {
	ParallelWorkers  int  `json:"parallel_workers"`
	ResumeIfPaused   bool `json:"resume_if_paused"`
	AutoSaveInterval int  `json:"auto_save_interval"`
}

// Deps are the collaborators of an Engine. Prioritizer, History, Bus and
// Metrics are optional.
type Deps struct {
	Plans       *Catalog
	Generator   *matrix.Generator
	Queue       *queue.Queue
	Prioritizer *promise.Prioritizer
	Runner      JobRunner
	States      repository.StateRepository
	History     repository.JobHistoryRepository
	Bus         *events.Bus
	Metrics     *Metrics
}

// Engine executes plans.
type Engine struct {
	cfg      config.EngineConfig
	followUp promise.FollowUpConfig

	plans       *Catalog
	generator   *matrix.Generator
	queue       *queue.Queue
	prioritizer *promise.Prioritizer
	runner      JobRunner
	states      repository.StateRepository
	history     repository.JobHistoryRepository
	bus         *events.Bus
	metrics     *Metrics

	// slots bounds the jobs running at once across every plan.
	slots  *semaphore.Weighted
	tracer trace.Tracer
	logger *zap.Logger

	// controlMu serializes Start, Stop, Resume, RetryFailed and Shutdown.
	controlMu sync.Mutex

	mu     sync.RWMutex
	active map[string]*execution

	now func() time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg *config.EngineConfig, followUp promise.FollowUpConfig, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Plans == nil:
		return nil, errors.New("scheduler: plan catalog is required")
	case deps.Generator == nil:
		return nil, errors.New("scheduler: job matrix generator is required")
	case deps.Queue == nil:
		return nil, errors.New("scheduler: job queue is required")
	case deps.Runner == nil:
		return nil, errors.New("scheduler: job runner is required")
	case deps.States == nil:
		return nil, errors.New("scheduler: state repository is required")
	}
	if deps.Prioritizer == nil {
		deps.Prioritizer = promise.NewPrioritizer(nil, deps.Queue.Compare)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(logger)
	}

	slots := cfg.MaxConcurrentJobs
	if slots < cfg.ParallelWorkers {
		slots = cfg.ParallelWorkers
	}
	if slots <= 0 {
		slots = 1
	}

	e := &Engine{
		cfg:         *cfg,
		followUp:    followUp,
		plans:       deps.Plans,
		generator:   deps.Generator,
		queue:       deps.Queue,
		prioritizer: deps.Prioritizer,
		runner:      deps.Runner,
		states:      deps.States,
		history:     deps.History,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		slots:       semaphore.NewWeighted(int64(slots)),
		tracer:      otel.Tracer("github.com/saltfish/paramsearch/internal/scheduler"),
		logger:      logger,
		active:      make(map[string]*execution),
		now:         time.Now,
	}
	e.queue.OnStatusChanged(func(prev, next *domain.Job) {
		from := "new"
		if prev != nil {
			from = prev.Status.String()
		}
		e.metrics.transition(from, next.Status.String())
	})
	return e, nil
}

// Plans returns the plan catalog.
func (e *Engine) Plans() *Catalog {
	return e.plans
}

// Subscribe registers a StateChanged listener. See events.Bus.Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan domain.StateChangedEvent, func()) {
	return e.bus.Subscribe(buffer)
}

func (e *Engine) withDefaults(opts StartOptions) StartOptions {
	if opts.ParallelWorkers <= 0 {
		opts.ParallelWorkers = e.cfg.ParallelWorkers
	}
	if opts.ParallelWorkers <= 0 {
		opts.ParallelWorkers = 1
	}
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = e.cfg.AutoSaveInterval
	}
	return opts
}

func (e *Engine) lookup(planID string) *execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.active[planID]
	if !ok || ex.finished.Load() {
		return nil
	}
	return ex
}

func (e *Engine) remove(ex *execution) {
	e.mu.Lock()
	if e.active[ex.plan.ID] == ex {
		delete(e.active, ex.plan.ID)
	}
	n := len(e.active)
	e.mu.Unlock()
	e.metrics.setActivePlans(n)

	if f, ok := e.runner.(planForgetter); ok {
		f.Forget(ex.plan.ID)
	}
}

// Start launches a plan. With ResumeIfPaused a persisted paused (or
// interrupted) run of the plan is resumed instead of generating a fresh job
// matrix. Configuration errors are returned synchronously.
func (e *Engine) Start(ctx context.Context, planID string, opts StartOptions) (*domain.PlanExecutionState, error) {
	plan, ok := e.plans.Get(planID)
	if !ok {
		return nil, domain.NewNotFoundError("plan", planID)
	}

	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	if e.lookup(planID) != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanAlreadyActive)
	}
	var saved *domain.PlanExecutionState
	if opts.ResumeIfPaused {
		saved = e.resumable(ctx, planID)
	}
	return e.launch(ctx, plan, e.withDefaults(opts), saved)
}

// resumable returns the persisted snapshot of a plan that was paused or
// interrupted mid-run, or nil.
func (e *Engine) resumable(ctx context.Context, planID string) *domain.PlanExecutionState {
	saved, err := e.states.Load(ctx, planID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("Failed to load persisted state, starting fresh",
				zap.String("plan_id", planID),
				zap.Error(err),
			)
		}
		return nil
	}
	if saved.Status != domain.PlanStatusPaused && saved.Status != domain.PlanStatusRunning {
		return nil
	}
	if len(saved.Jobs) == 0 {
		return nil
	}
	return saved
}

func (e *Engine) launch(ctx context.Context, plan *domain.Plan, opts StartOptions, saved *domain.PlanExecutionState) (*domain.PlanExecutionState, error) {
	now := e.now()

	var jobs []*domain.Job
	change := domain.ChangePlanStarted
	if saved != nil {
		jobs = restoreJobs(saved.Jobs)
		change = domain.ChangePlanResumed
	} else {
		generated, err := e.generator.Generate(ctx, plan, now)
		if err != nil {
			return nil, err
		}
		jobs = generated
	}

	state := rebuildState(plan, jobs, e.cfg.GoodFitness, now)
	if saved != nil && saved.StartedAt != nil {
		started := *saved.StartedAt
		state.StartedAt = &started
	}

	e.queue.RemovePlan(plan.ID)
	e.queue.EnqueueAll(jobs)

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	ex := newExecution(runCtx, cancel, plan, opts, e.loadHistory(ctx, plan.ID))
	ex.state.Store(state)

	e.mu.Lock()
	e.active[plan.ID] = ex
	n := len(e.active)
	e.mu.Unlock()
	e.metrics.setActivePlans(n)

	ex.mu.Lock()
	e.publish(ex, change, nil)
	e.save(ctx, ex)
	ex.mu.Unlock()

	e.spawn(ex)

	e.logger.Info("Plan started",
		zap.String("plan_id", plan.ID),
		zap.Bool("resumed", saved != nil),
		zap.Int("jobs", state.TotalJobs),
		zap.Int("pending", state.PendingJobs),
		zap.Int("workers", opts.ParallelWorkers),
	)
	return state.Summary(), nil
}

// restoreJobs copies persisted jobs, moving jobs that were running when the
// snapshot was taken back to pending.
func restoreJobs(saved []*domain.Job) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(saved))
	for _, j := range saved {
		if j.Status == domain.JobStatusRunning {
			if requeued, err := j.Requeue(); err == nil {
				jobs = append(jobs, requeued)
				continue
			}
		}
		jobs = append(jobs, j.Clone())
	}
	return jobs
}

// rebuildState derives the aggregate state from a job set.
func rebuildState(plan *domain.Plan, jobs []*domain.Job, goodFitness float64, now time.Time) *domain.PlanExecutionState {
	state := domain.NewPlanExecutionState(plan, len(jobs), now)
	for _, j := range jobs {
		if j.Status.IsTerminal() {
			state.RecordJobStarted(now)
			state.RecordJobFinished(j, goodFitness, now)
		}
	}
	return state
}

func (e *Engine) loadHistory(ctx context.Context, planID string) []*domain.Job {
	if e.history == nil {
		return nil
	}
	jobs, err := e.history.Completed(ctx, time.Time{}, historyLimit)
	if err != nil {
		e.logger.Warn("Failed to load job history, scoring without it",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		return nil
	}
	return jobs
}

// completedFor returns the completed jobs used to score the plan's pending
// jobs: the plan's own plus earlier history not superseded by them.
func (e *Engine) completedFor(ex *execution) []*domain.Job {
	current := e.queue.ListByStatus(ex.plan.ID, domain.JobStatusCompleted)
	if len(ex.history) == 0 {
		return current
	}
	seen := lo.SliceToMap(current, func(j *domain.Job) (string, struct{}) {
		return j.ID, struct{}{}
	})
	earlier := lo.Filter(ex.history, func(j *domain.Job, _ int) bool {
		_, dup := seen[j.ID]
		return !dup
	})
	return slices.Concat(current, earlier)
}

// spawn starts the worker loops of ex and a watcher that finishes the plan
// once they all exit.
func (e *Engine) spawn(ex *execution) {
	for i := 0; i < ex.opts.ParallelWorkers; i++ {
		ex.wg.Add(1)
		w := newWorker(i, e, ex)
		go w.Run()
	}
	go e.watch(ex)
}

func (e *Engine) watch(ex *execution) {
	ex.wg.Wait()
	e.finish(ex)
}

// finish completes a plan whose workers all exited. Work added after the last
// worker left (a retry or follow-up) relaunches the pool instead.
func (e *Engine) finish(ex *execution) {
	ex.mu.Lock()
	if ex.stopping {
		ex.mu.Unlock()
		close(ex.done)
		return
	}
	if e.outstanding(ex.plan.ID) && ex.ctx.Err() == nil {
		ex.mu.Unlock()
		e.logger.Debug("Work queued after workers exited, relaunching", zap.String("plan_id", ex.plan.ID))
		e.spawn(ex)
		return
	}

	now := e.now()
	state := e.update(ex, domain.ChangePlanCompleted, nil, func(s *domain.PlanExecutionState) {
		s.Status = domain.PlanStatusCompleted
		s.CompletedAt = &now
	})
	e.save(context.Background(), ex)
	ex.finished.Store(true)
	ex.mu.Unlock()

	e.queue.RemovePlan(ex.plan.ID)
	e.remove(ex)
	ex.cancel(nil)
	e.metrics.planFinished(state.Status)

	e.logger.Info("Plan completed",
		zap.String("plan_id", ex.plan.ID),
		zap.Int("completed", state.CompletedJobs),
		zap.Int("failed", state.FailedJobs),
		zap.Int("cancelled", state.CancelledJobs),
		zap.Float64("best_fitness", state.BestFitness),
		zap.String("best_job_id", state.BestJobID),
	)
	close(ex.done)
}

func (e *Engine) outstanding(planID string) bool {
	counts := e.queue.Counts(planID)
	return counts[domain.JobStatusPending] > 0 || counts[domain.JobStatusRunning] > 0
}

// update applies fn to a copy of the plan state, stores the copy and
// publishes change. ex.mu must be held. An empty change publishes nothing.
func (e *Engine) update(ex *execution, change domain.StateChangeType, job *domain.Job, fn func(*domain.PlanExecutionState)) *domain.PlanExecutionState {
	next := ex.current().Clone()
	fn(next)
	next.UpdatedAt = e.now()
	ex.state.Store(next)
	if change != "" {
		e.publish(ex, change, job)
	}
	return next
}

// publish emits the current state of ex. ex.mu must be held so events of one
// plan are published in order.
func (e *Engine) publish(ex *execution, change domain.StateChangeType, job *domain.Job) {
	e.bus.Publish(domain.StateChangedEvent{
		State:      ex.current(),
		ChangeType: change,
		Job:        job,
		Timestamp:  e.now(),
	})
}

// save persists the state of ex together with its jobs. Failures are logged
// and otherwise ignored. ex.mu must be held.
func (e *Engine) save(ctx context.Context, ex *execution) {
	snapshot := ex.current().Clone()
	snapshot.Jobs = e.queue.List(ex.plan.ID)
	ex.sinceSave = 0

	if err := e.states.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		e.metrics.stateSaved(false)
		e.logger.Warn("Failed to persist plan state",
			zap.String("plan_id", ex.plan.ID),
			zap.Error(err),
		)
		return
	}
	e.metrics.stateSaved(true)
	e.publish(ex, domain.ChangeStateSaved, nil)
}

// Stop cancels a plan, waits up to the shutdown timeout for in-flight jobs,
// clears its jobs from the queue and deletes its persisted state.
func (e *Engine) Stop(ctx context.Context, planID string) (*domain.PlanExecutionState, error) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	ex := e.lookup(planID)
	if ex == nil {
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	ex.mu.Lock()
	if ex.finished.Load() {
		ex.mu.Unlock()
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	ex.stopping = true
	ex.mu.Unlock()

	e.logger.Info("Stopping plan", zap.String("plan_id", planID))
	ex.cancel(errStopRequested)
	timedOut := !e.waitWorkers(ex)

	now := e.now()
	ex.mu.Lock()
	state := e.update(ex, domain.ChangePlanStopped, nil, func(s *domain.PlanExecutionState) {
		s.Status = domain.PlanStatusStopped
		s.CompletedAt = &now
		if timedOut {
			s.Error = fmt.Sprintf("stop timed out with %d jobs in flight", s.RunningJobs)
		}
	})
	ex.finished.Store(true)
	ex.mu.Unlock()

	e.queue.RemovePlan(planID)
	if err := e.states.Delete(context.WithoutCancel(ctx), planID); err != nil {
		e.logger.Warn("Failed to delete persisted plan state",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
	}
	e.remove(ex)
	e.metrics.planFinished(state.Status)

	e.logger.Info("Plan stopped",
		zap.String("plan_id", planID),
		zap.Bool("timed_out", timedOut),
		zap.Int("completed", state.CompletedJobs),
	)
	return state.Summary(), nil
}

// waitWorkers waits for the workers of a cancelled plan. It reports false when
// the shutdown timeout expired first.
func (e *Engine) waitWorkers(ex *execution) bool {
	timer := time.NewTimer(e.cfg.ShutdownTimeoutDuration())
	defer timer.Stop()
	select {
	case <-ex.done:
		return true
	case <-timer.C:
		e.logger.Warn("Plan shutdown timed out, abandoning in-flight jobs",
			zap.String("plan_id", ex.plan.ID),
			zap.Duration("timeout", e.cfg.ShutdownTimeoutDuration()),
			zap.Int("running", ex.current().RunningJobs),
		)
		return false
	}
}

// Pause stops workers from picking up new jobs and persists the paused
// snapshot. Jobs already running finish normally.
func (e *Engine) Pause(ctx context.Context, planID string) (*domain.PlanExecutionState, error) {
	ex := e.lookup(planID)
	if ex == nil {
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished.Load() || ex.stopping {
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	if ex.current().Status == domain.PlanStatusPaused {
		return ex.current().Summary(), nil
	}

	ex.gate.pause()
	now := e.now()
	state := e.update(ex, domain.ChangePlanPaused, nil, func(s *domain.PlanExecutionState) {
		s.Status = domain.PlanStatusPaused
		s.PausedAt = &now
	})
	e.save(ctx, ex)

	e.logger.Info("Plan paused", zap.String("plan_id", planID))
	return state.Summary(), nil
}

// Resume reopens a paused plan. A plan that is not active but has a persisted
// paused snapshot is relaunched from it.
func (e *Engine) Resume(ctx context.Context, planID string) (*domain.PlanExecutionState, error) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	ex := e.lookup(planID)
	if ex == nil {
		plan, ok := e.plans.Get(planID)
		if !ok {
			return nil, domain.NewNotFoundError("plan", planID)
		}
		saved := e.resumable(ctx, planID)
		if saved == nil {
			return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
		}
		return e.launch(ctx, plan, e.withDefaults(StartOptions{}), saved)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.current().Status != domain.PlanStatusPaused {
		return ex.current().Summary(), nil
	}
	state := e.update(ex, domain.ChangePlanResumed, nil, func(s *domain.PlanExecutionState) {
		s.Status = domain.PlanStatusRunning
		s.PausedAt = nil
	})
	e.save(ctx, ex)
	ex.gate.resume()

	e.logger.Info("Plan resumed", zap.String("plan_id", planID))
	return state.Summary(), nil
}

// RetryFailed resets failed jobs of a plan to pending, all of them or only
// jobIDs, and returns how many were reset. A finished plan is relaunched from
// its persisted snapshot.
func (e *Engine) RetryFailed(ctx context.Context, planID string, jobIDs ...string) (int, error) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	selected := func(id string) bool {
		return len(jobIDs) == 0 || slices.Contains(jobIDs, id)
	}

	if ex := e.lookup(planID); ex != nil {
		ex.mu.Lock()
		defer ex.mu.Unlock()

		n := 0
		for _, j := range e.queue.ListByStatus(planID, domain.JobStatusFailed) {
			if !selected(j.ID) {
				continue
			}
			reset, err := j.ResetForRetry()
			if err != nil {
				continue
			}
			if e.queue.CompareAndSwap(j, reset) {
				n++
			}
		}
		if n > 0 {
			e.update(ex, domain.ChangeJobsRetried, nil, func(s *domain.PlanExecutionState) {
				s.RecordRetried(n, e.now())
			})
			e.save(ctx, ex)
		}
		e.logger.Info("Retrying failed jobs", zap.String("plan_id", planID), zap.Int("jobs", n))
		return n, nil
	}

	plan, ok := e.plans.Get(planID)
	if !ok {
		return 0, domain.NewNotFoundError("plan", planID)
	}
	saved, err := e.states.Load(ctx, planID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
		}
		return 0, fmt.Errorf("failed to load plan state: %w", err)
	}

	n := 0
	jobs := make([]*domain.Job, len(saved.Jobs))
	for i, j := range saved.Jobs {
		jobs[i] = j
		if j.Status != domain.JobStatusFailed || !selected(j.ID) {
			continue
		}
		if reset, err := j.ResetForRetry(); err == nil {
			jobs[i] = reset
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	saved.Jobs = jobs
	if _, err := e.launch(ctx, plan, e.withDefaults(StartOptions{}), saved); err != nil {
		return 0, err
	}
	e.logger.Info("Relaunched plan to retry failed jobs", zap.String("plan_id", planID), zap.Int("jobs", n))
	return n, nil
}

// GetStatus returns the state of an active plan, or its last persisted state.
func (e *Engine) GetStatus(ctx context.Context, planID string) (*domain.PlanExecutionState, error) {
	if ex := e.lookup(planID); ex != nil {
		return ex.current().Summary(), nil
	}
	state, err := e.states.Load(ctx, planID)
	if err != nil {
		return nil, err
	}
	return state.Summary(), nil
}

// GetAllActive returns the states of every active plan ordered by plan ID.
func (e *Engine) GetAllActive() []*domain.PlanExecutionState {
	e.mu.RLock()
	out := make([]*domain.PlanExecutionState, 0, len(e.active))
	for _, ex := range e.active {
		if !ex.finished.Load() {
			out = append(out, ex.current().Summary())
		}
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.PlanExecutionState) int {
		return strings.Compare(a.PlanID, b.PlanID)
	})
	return out
}

// Jobs returns the queued jobs of an active plan in dequeue order.
func (e *Engine) Jobs(planID string) ([]*domain.Job, error) {
	if e.lookup(planID) == nil {
		return nil, fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	return e.queue.List(planID), nil
}

// NextBest returns the most promising pending job of an active plan with an
// explanation of its score.
func (e *Engine) NextBest(planID string) (promise.Ranked, string, error) {
	ex := e.lookup(planID)
	if ex == nil {
		return promise.Ranked{}, "", fmt.Errorf("plan %s: %w", planID, domain.ErrPlanNotActive)
	}
	pending := e.queue.ListByStatus(planID, domain.JobStatusPending)
	ranked, why, ok := e.prioritizer.NextBest(pending, e.completedFor(ex))
	if !ok {
		return promise.Ranked{}, "", domain.NewNotFoundError("pending job", planID)
	}
	return ranked, why, nil
}

// Shutdown cancels every active plan and persists it as paused so it resumes
// after a restart. Jobs interrupted by the shutdown go back to pending.
func (e *Engine) Shutdown(ctx context.Context) {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	e.mu.RLock()
	running := lo.Filter(lo.Values(e.active), func(ex *execution, _ int) bool {
		return !ex.finished.Load()
	})
	e.mu.RUnlock()

	running = lo.Filter(running, func(ex *execution, _ int) bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		if ex.finished.Load() {
			return false
		}
		ex.stopping = true
		ex.cancel(errShutdown)
		return true
	})
	for _, ex := range running {
		e.waitWorkers(ex)

		now := e.now()
		ex.mu.Lock()
		e.update(ex, "", nil, func(s *domain.PlanExecutionState) {
			if s.Status == domain.PlanStatusRunning {
				s.Status = domain.PlanStatusPaused
				s.PausedAt = &now
			}
		})
		e.save(ctx, ex)
		ex.finished.Store(true)
		ex.mu.Unlock()

		e.queue.RemovePlan(ex.plan.ID)
		e.remove(ex)
		e.logger.Info("Plan suspended for shutdown", zap.String("plan_id", ex.plan.ID))
	}
}
