package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/paramsearch/internal/config"
	"github.com/saltfish/paramsearch/internal/db/repository"
	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/matrix"
	"github.com/saltfish/paramsearch/internal/promise"
	"github.com/saltfish/paramsearch/internal/queue"
)

const waitTimeout = 5 * time.Second

func testPlan(id string, symbols ...string) *domain.Plan {
	return &domain.Plan{
		ID:         id,
		Bot:        "ema-cross",
		Exchange:   "binance",
		Symbols:    domain.SymbolSelector{Static: symbols},
		Timeframes: []string{"h1"},
		DateRanges: []domain.DateRangeSpec{{Name: "q", Start: "-3M", End: "now"}},
	}
}

// countingStates counts saves on top of the in-memory repository.
type countingStates struct {
	repository.StateRepository
	saves atomic.Int64
}

func (c *countingStates) Save(ctx context.Context, state *domain.PlanExecutionState) error {
	c.saves.Add(1)
	return c.StateRepository.Save(ctx, state)
}

// recordingRunner succeeds with a fixed fitness unless fn overrides it, and
// counts calls per job.
type recordingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, job *domain.Job) (*domain.JobResult, error)
}

func newRecordingRunner(fn func(ctx context.Context, job *domain.Job) (*domain.JobResult, error)) *recordingRunner {
	return &recordingRunner{calls: make(map[string]int), fn: fn}
}

func (r *recordingRunner) Run(ctx context.Context, job *domain.Job, _ *domain.Plan) (*domain.JobResult, error) {
	r.mu.Lock()
	r.calls[job.ID]++
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, job)
	}
	return &domain.JobResult{BestFitness: 1.0, AverageFitness: 0.5, BacktestsRun: 10}, nil
}

func (r *recordingRunner) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.calls))
	for k, v := range r.calls {
		out[k] = v
	}
	return out
}

type testEnv struct {
	engine  *Engine
	queue   *queue.Queue
	states  *countingStates
	history repository.JobHistoryRepository
	metrics *Metrics
}

func newTestEnv(t *testing.T, logger *zap.Logger, runner JobRunner, mutate func(*config.EngineConfig), plans ...*domain.Plan) *testEnv {
	t.Helper()
	cfg := config.Default().Engine
	cfg.DequeueBackoff = "5ms"
	cfg.ShutdownTimeout = "2s"
	cfg.AutoSaveInterval = 2
	if mutate != nil {
		mutate(&cfg)
	}

	q := queue.New(logger)
	env := &testEnv{
		queue:   q,
		states:  &countingStates{StateRepository: repository.NewMemoryStateRepository()},
		history: repository.NewMemoryJobHistoryRepository(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	engine, err := NewEngine(&cfg, promise.DefaultFollowUpConfig(), Deps{
		Plans:     NewCatalog(plans...),
		Generator: matrix.NewGenerator(nil, cfg.MaxJobsPerPlan, logger),
		Queue:     q,
		Runner:    runner,
		States:    env.states,
		History:   env.history,
		Metrics:   env.metrics,
	}, logger)
	require.NoError(t, err)
	env.engine = engine
	return env
}

// waitFinished blocks until the current run of planID has finished.
func waitFinished(t *testing.T, e *Engine, planID string) {
	t.Helper()
	e.mu.RLock()
	ex, ok := e.active[planID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case <-ex.done:
	case <-time.After(waitTimeout):
		t.Fatalf("plan %s did not finish", planID)
	}
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	cfg := config.Default().Engine
	_, err := NewEngine(&cfg, promise.DefaultFollowUpConfig(), Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestEngine_RunsPlanToCompletion(t *testing.T) {
	plan := testPlan("p1", "BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT")
	runner := newRecordingRunner(nil)
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	events, cancel := env.engine.Subscribe(1024)
	defer cancel()

	state, err := env.engine.Start(context.Background(), "p1", StartOptions{ParallelWorkers: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusRunning, state.Status)
	assert.Equal(t, 4, state.TotalJobs)

	waitFinished(t, env.engine, "p1")

	final, err := env.engine.GetStatus(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCompleted, final.Status)
	assert.Equal(t, 4, final.CompletedJobs)
	assert.Equal(t, 0, final.FailedJobs)
	assert.Equal(t, 0, final.RunningJobs)
	assert.Equal(t, 0, final.PendingJobs)
	assert.Equal(t, 4, final.GoodJobs)
	assert.InDelta(t, 1.0, final.BestFitness, 1e-9)
	assert.NotNil(t, final.CompletedAt)

	calls := runner.snapshot()
	assert.Len(t, calls, 4)
	for id, n := range calls {
		assert.Equal(t, 1, n, "job %s", id)
	}

	assert.Empty(t, env.engine.GetAllActive())
	assert.Equal(t, 0, env.queue.Len())
	// initial save, two auto-saves, final save
	assert.GreaterOrEqual(t, env.states.saves.Load(), int64(4))

	recorded, err := env.history.ByPlan(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, recorded, 4)

	assert.Equal(t, 4.0, testutil.ToFloat64(env.metrics.JobsTotal.WithLabelValues("completed", "coarse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.PlansFinished.WithLabelValues("completed")))

	var changes []domain.StateChangeType
	for len(events) > 0 {
		changes = append(changes, (<-events).ChangeType)
	}
	require.NotEmpty(t, changes)
	assert.Equal(t, domain.ChangePlanStarted, changes[0])
	assert.Contains(t, changes, domain.ChangeJobStarted)
	assert.Contains(t, changes, domain.ChangeJobCompleted)
	assert.Contains(t, changes, domain.ChangePlanCompleted)
}

// forgettingRunner records the plans the engine asks it to forget.
type forgettingRunner struct {
	*recordingRunner
	mu        sync.Mutex
	forgotten []string
}

func (r *forgettingRunner) Forget(planID string) {
	r.mu.Lock()
	r.forgotten = append(r.forgotten, planID)
	r.mu.Unlock()
}

func (r *forgettingRunner) plans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgotten...)
}

func TestEngine_ForgetsPlanCaches(t *testing.T) {
	block := make(chan struct{})
	runner := &forgettingRunner{recordingRunner: newRecordingRunner(func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
		if job.PlanID == "stopped" {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &domain.JobResult{BestFitness: 1}, nil
	})}
	defer close(block)
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, testPlan("done", "A"), testPlan("stopped", "B"))
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "done", StartOptions{})
	require.NoError(t, err)
	waitFinished(t, env.engine, "done")
	assert.Equal(t, []string{"done"}, runner.plans())

	_, err = env.engine.Start(ctx, "stopped", StartOptions{})
	require.NoError(t, err)
	_, err = env.engine.Stop(ctx, "stopped")
	require.NoError(t, err)
	assert.Equal(t, []string{"done", "stopped"}, runner.plans())
}

func TestEngine_StartErrors(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := newRecordingRunner(func(ctx context.Context, _ *domain.Job) (*domain.JobResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &domain.JobResult{}, nil
	})
	env := newTestEnv(t, zap.NewNop(), runner, nil,
		testPlan("p1", "BTCUSDT"),
		testPlan("empty"),
	)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "missing", StartOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.engine.Start(ctx, "empty", StartOptions{})
	assert.ErrorIs(t, err, domain.ErrNoSymbols)
	assert.Empty(t, env.engine.GetAllActive())

	_, err = env.engine.Start(ctx, "p1", StartOptions{})
	require.NoError(t, err)
	_, err = env.engine.Start(ctx, "p1", StartOptions{})
	assert.ErrorIs(t, err, domain.ErrPlanAlreadyActive)

	_, err = env.engine.Pause(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPlanNotActive)

	_, err = env.engine.Stop(ctx, "p1")
	require.NoError(t, err)
}

func TestEngine_PauseWhileAwaitingSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := newRecordingRunner(func(_ context.Context, job *domain.Job) (*domain.JobResult, error) {
		if job.PlanID == "hog" {
			started <- struct{}{}
			<-release
		}
		return &domain.JobResult{BestFitness: 0.5}, nil
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, func(c *config.EngineConfig) {
		c.ParallelWorkers = 1
		c.MaxConcurrentJobs = 1
	}, testPlan("hog", "H"), testPlan("p1", "A", "B"))
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "hog", StartOptions{})
	require.NoError(t, err)
	<-started

	// p1's worker passes its gate and waits for the only slot.
	_, err = env.engine.Start(ctx, "p1", StartOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = env.engine.Pause(ctx, "p1")
	require.NoError(t, err)

	close(release)
	waitFinished(t, env.engine, "hog")
	time.Sleep(50 * time.Millisecond)

	st, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingJobs)
	assert.Zero(t, st.RunningJobs)
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.JobTransitions.WithLabelValues("running", "pending")))
	assert.Len(t, runner.snapshot(), 1)

	_, err = env.engine.Resume(ctx, "p1")
	require.NoError(t, err)
	waitFinished(t, env.engine, "p1")
	assert.Len(t, runner.snapshot(), 3)
}

func TestEngine_PauseHoldsPendingJobs(t *testing.T) {
	plan := testPlan("p1", "A", "B", "C", "D", "E", "F")
	runner := newRecordingRunner(func(_ context.Context, _ *domain.Job) (*domain.JobResult, error) {
		time.Sleep(5 * time.Millisecond)
		return &domain.JobResult{BestFitness: 0.5}, nil
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 2})
	require.NoError(t, err)
	paused, err := env.engine.Pause(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)

	// Jobs already running when the pause landed may finish.
	require.Eventually(t, func() bool {
		st, err := env.engine.GetStatus(ctx, "p1")
		return err == nil && st.RunningJobs == 0
	}, waitTimeout, 5*time.Millisecond)

	held := runner.snapshot()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, runner.snapshot())

	st, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6-len(held), st.PendingJobs)
	assert.Equal(t, len(held), st.CompletedJobs)

	persisted, err := env.states.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusPaused, persisted.Status)
	assert.Len(t, persisted.Jobs, 6)

	_, err = env.engine.Resume(ctx, "p1")
	require.NoError(t, err)
	waitFinished(t, env.engine, "p1")

	final, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCompleted, final.Status)
	assert.Equal(t, 6, final.CompletedJobs)

	calls := runner.snapshot()
	assert.Len(t, calls, 6)
	for id, n := range calls {
		assert.Equal(t, 1, n, "job %s ran more than once", id)
	}
}

func TestEngine_RunnerFailuresAndRetry(t *testing.T) {
	plan := testPlan("p1", "GOOD", "BAD", "PANIC", "FINE")
	var healthy atomic.Bool
	runner := newRecordingRunner(func(_ context.Context, job *domain.Job) (*domain.JobResult, error) {
		if !healthy.Load() {
			switch job.Symbol {
			case "BAD":
				return nil, errors.New("backtester crashed")
			case "PANIC":
				panic("nil strategy")
			}
		}
		return &domain.JobResult{BestFitness: 2.0}, nil
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 3})
	require.NoError(t, err)
	waitFinished(t, env.engine, "p1")

	st, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusCompleted, st.Status)
	assert.Equal(t, 2, st.CompletedJobs)
	assert.Equal(t, 2, st.FailedJobs)

	persisted, err := env.states.Load(ctx, "p1")
	require.NoError(t, err)
	errs := map[string]string{}
	for _, j := range persisted.Jobs {
		if j.Status == domain.JobStatusFailed {
			errs[j.Symbol] = j.Error
		}
	}
	assert.Equal(t, "backtester crashed", errs["BAD"])
	assert.Contains(t, errs["PANIC"], "panic")

	healthy.Store(true)
	badID := domain.NewJobID("p1", "BAD", "h1", "q")
	n, err := env.engine.RetryFailed(ctx, "p1", badID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitFinished(t, env.engine, "p1")

	st, err = env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.CompletedJobs)
	assert.Equal(t, 1, st.FailedJobs)

	persisted, err = env.states.Load(ctx, "p1")
	require.NoError(t, err)
	for _, j := range persisted.Jobs {
		if j.ID == badID {
			assert.Equal(t, domain.JobStatusCompleted, j.Status)
			assert.Equal(t, 1, j.RetryCount)
			assert.Empty(t, j.Error)
		}
	}
	assert.Equal(t, 1, runner.snapshot()[domain.NewJobID("p1", "GOOD", "h1", "q")])
}

func TestEngine_RetryWhileActive(t *testing.T) {
	plan := testPlan("p1", "BAD", "SLOW")
	release := make(chan struct{})
	var failed atomic.Bool
	runner := newRecordingRunner(func(_ context.Context, job *domain.Job) (*domain.JobResult, error) {
		if job.Symbol == "BAD" && failed.CompareAndSwap(false, true) {
			return nil, errors.New("transient")
		}
		if job.Symbol == "SLOW" {
			<-release
		}
		return &domain.JobResult{BestFitness: 1.0}, nil
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := env.engine.GetStatus(ctx, "p1")
		return st != nil && st.FailedJobs == 1
	}, waitTimeout, 5*time.Millisecond)

	n, err := env.engine.RetryFailed(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	close(release)
	waitFinished(t, env.engine, "p1")

	st, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CompletedJobs)
	assert.Equal(t, 0, st.FailedJobs)
	assert.Equal(t, 2, runner.snapshot()[domain.NewJobID("p1", "BAD", "h1", "q")])
}

func TestEngine_StopCancelsRunningJobs(t *testing.T) {
	plan := testPlan("p1", "A", "B", "C")
	started := make(chan struct{}, 3)
	runner := newRecordingRunner(func(ctx context.Context, _ *domain.Job) (*domain.JobResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 2})
	require.NoError(t, err)
	<-started
	<-started

	st, err := env.engine.Stop(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusStopped, st.Status)
	assert.Equal(t, 2, st.CancelledJobs)
	assert.Equal(t, 0, st.FailedJobs)
	assert.Empty(t, st.Error)

	_, err = env.states.Load(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, env.queue.Len())
	assert.Empty(t, env.engine.GetAllActive())

	_, err = env.engine.Stop(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPlanNotActive)
}

func TestEngine_StopTimeout(t *testing.T) {
	plan := testPlan("p1", "A")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := newRecordingRunner(func(_ context.Context, _ *domain.Job) (*domain.JobResult, error) {
		started <- struct{}{}
		<-release
		return &domain.JobResult{}, nil
	})
	env := newTestEnv(t, zap.NewNop(), runner, func(c *config.EngineConfig) {
		c.ShutdownTimeout = "50ms"
	}, plan)
	defer close(release)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 1})
	require.NoError(t, err)
	<-started

	begin := time.Now()
	st, err := env.engine.Stop(ctx, "p1")
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, domain.PlanStatusStopped, st.Status)
	assert.Contains(t, st.Error, "timed out")
	assert.Equal(t, 1, st.RunningJobs)
	assert.Equal(t, 0, env.queue.Len())
}

func TestEngine_FollowUpPromotion(t *testing.T) {
	plan := testPlan("p1", "BTCUSDT")
	plan.AutoPromote = true
	runner := newRecordingRunner(func(_ context.Context, job *domain.Job) (*domain.JobResult, error) {
		if job.Tier == domain.TierCoarse {
			return &domain.JobResult{BestFitness: 2.5}, nil
		}
		return &domain.JobResult{BestFitness: 1.2}, nil
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 1})
	require.NoError(t, err)
	waitFinished(t, env.engine, "p1")

	st, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalJobs)
	assert.Equal(t, 2, st.CompletedJobs)
	assert.InDelta(t, 2.5, st.BestFitness, 1e-9)

	persisted, err := env.states.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, persisted.Jobs, 2)
	var followUp *domain.Job
	for _, j := range persisted.Jobs {
		if j.ParentJobID != "" {
			followUp = j
		}
	}
	require.NotNil(t, followUp)
	assert.Equal(t, domain.TierMedium, followUp.Tier)
	assert.Equal(t, domain.DefaultMediumBacktests, followUp.MaxBacktests)
	assert.Equal(t, domain.NewJobID("p1", "BTCUSDT", "h1", "q"), followUp.ParentJobID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.FollowUpsQueued.WithLabelValues("medium")))
}

func TestEngine_ResumeFromPersistedState(t *testing.T) {
	plan := testPlan("p1", "A", "B", "C")
	runner := newRecordingRunner(nil)
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	now := time.Now()
	ids := []string{
		domain.NewJobID("p1", "A", "h1", "q"),
		domain.NewJobID("p1", "B", "h1", "q"),
		domain.NewJobID("p1", "C", "h1", "q"),
	}
	started := now.Add(-time.Minute)
	jobs := []*domain.Job{
		{ID: ids[0], PlanID: "p1", Symbol: "A", Timeframe: "h1", Status: domain.JobStatusCompleted,
			Result: &domain.JobResult{BestFitness: 3}, StartedAt: &started, CompletedAt: &now},
		{ID: ids[1], PlanID: "p1", Symbol: "B", Timeframe: "h1", Status: domain.JobStatusRunning, StartedAt: &started},
		{ID: ids[2], PlanID: "p1", Symbol: "C", Timeframe: "h1", Status: domain.JobStatusPending},
	}
	saved := domain.NewPlanExecutionState(plan, 3, started)
	saved.Status = domain.PlanStatusPaused
	saved.Jobs = jobs
	require.NoError(t, env.states.Save(ctx, saved))

	st, err := env.engine.Start(ctx, "p1", StartOptions{ResumeIfPaused: true, ParallelWorkers: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, st.CompletedJobs)
	assert.Equal(t, 2, st.PendingJobs)
	assert.Equal(t, started.Unix(), st.StartedAt.Unix())
	waitFinished(t, env.engine, "p1")

	calls := runner.snapshot()
	assert.Equal(t, map[string]int{ids[1]: 1, ids[2]: 1}, calls)

	final, err := env.engine.GetStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, final.CompletedJobs)
	assert.InDelta(t, 3.0, final.BestFitness, 1e-9)
	assert.Equal(t, ids[0], final.BestJobID)
}

func TestEngine_ResumeInactivePlan(t *testing.T) {
	plan := testPlan("p1", "A")
	env := newTestEnv(t, zaptest.NewLogger(t), newRecordingRunner(nil), nil, plan)
	ctx := context.Background()

	_, err := env.engine.Resume(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPlanNotActive)

	saved := domain.NewPlanExecutionState(plan, 1, time.Now())
	saved.Status = domain.PlanStatusPaused
	saved.Jobs = []*domain.Job{{ID: "j1", PlanID: "p1", Symbol: "A", Timeframe: "h1", Status: domain.JobStatusPending}}
	require.NoError(t, env.states.Save(ctx, saved))

	st, err := env.engine.Resume(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusRunning, st.Status)
	waitFinished(t, env.engine, "p1")
}

func TestEngine_ShutdownPersistsPausedState(t *testing.T) {
	plan := testPlan("p1", "A", "B")
	started := make(chan struct{}, 2)
	runner := newRecordingRunner(func(ctx context.Context, _ *domain.Job) (*domain.JobResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, zaptest.NewLogger(t), runner, nil, plan)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 1})
	require.NoError(t, err)
	<-started

	env.engine.Shutdown(ctx)
	assert.Empty(t, env.engine.GetAllActive())

	persisted, err := env.states.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusPaused, persisted.Status)
	assert.Equal(t, 2, persisted.PendingJobs)
	assert.Equal(t, 0, persisted.RunningJobs)
	for _, j := range persisted.Jobs {
		assert.Equal(t, domain.JobStatusPending, j.Status)
	}
}

func TestEngine_NextBest(t *testing.T) {
	plan := testPlan("p1", "A", "B")
	block := make(chan struct{})
	defer close(block)
	runner := newRecordingRunner(func(ctx context.Context, _ *domain.Job) (*domain.JobResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &domain.JobResult{}, nil
	})
	env := newTestEnv(t, zap.NewNop(), runner, nil, plan)
	ctx := context.Background()

	_, _, err := env.engine.NextBest("p1")
	assert.ErrorIs(t, err, domain.ErrPlanNotActive)

	_, err = env.engine.Start(ctx, "p1", StartOptions{ParallelWorkers: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := env.engine.GetStatus(ctx, "p1")
		return st != nil && st.RunningJobs == 1
	}, waitTimeout, 5*time.Millisecond)

	ranked, why, err := env.engine.NextBest("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, ranked.Job.Status)
	assert.InDelta(t, 0.5, ranked.Score.Value, 1e-9)
	assert.Contains(t, why, "neutral")

	jobs, err := env.engine.Jobs("p1")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = env.engine.Stop(ctx, "p1")
	require.NoError(t, err)
}

func TestEngine_ConcurrentPlansShareSlots(t *testing.T) {
	var running, peak atomic.Int64
	runner := newRecordingRunner(func(_ context.Context, _ *domain.Job) (*domain.JobResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return &domain.JobResult{BestFitness: 1}, nil
	})
	var plans []*domain.Plan
	for i := 0; i < 3; i++ {
		plans = append(plans, testPlan(fmt.Sprintf("p%d", i), "A", "B", "C", "D"))
	}
	env := newTestEnv(t, zaptest.NewLogger(t), runner, func(c *config.EngineConfig) {
		c.ParallelWorkers = 2
		c.MaxConcurrentJobs = 3
	}, plans...)
	ctx := context.Background()

	for _, p := range plans {
		_, err := env.engine.Start(ctx, p.ID, StartOptions{})
		require.NoError(t, err)
	}
	for _, p := range plans {
		waitFinished(t, env.engine, p.ID)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Len(t, runner.snapshot(), 12)
}

func TestGate(t *testing.T) {
	g := newGate()
	require.NoError(t, g.wait(context.Background()))

	g.pause()
	assert.True(t, g.isPaused())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- g.wait(context.Background()) }()
	g.resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resume did not release waiter")
	}
}
