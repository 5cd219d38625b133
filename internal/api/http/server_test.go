package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
	"github.com/saltfish/paramsearch/internal/db/repository"
	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/matrix"
	"github.com/saltfish/paramsearch/internal/promise"
	"github.com/saltfish/paramsearch/internal/queue"
	"github.com/saltfish/paramsearch/internal/scheduler"
)

// blockingRunner holds every job until its context is cancelled.
func blockingRunner(ctx context.Context, _ *domain.Job, _ *domain.Plan) (*domain.JobResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestServer(t *testing.T) (*Server, *scheduler.Engine) {
	t.Helper()
	logger := zap.NewNop()

	cfg := config.Default().Engine
	cfg.DequeueBackoff = "5ms"
	cfg.ShutdownTimeout = "2s"

	plan := &domain.Plan{
		ID:         "p1",
		Name:       "EMA sweep",
		Bot:        "ema-cross",
		Exchange:   "binance",
		Symbols:    domain.SymbolSelector{Static: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}},
		Timeframes: []string{"h1"},
		DateRanges: []domain.DateRangeSpec{{Name: "q", Start: "-3M", End: "now"}},
	}
	empty := &domain.Plan{
		ID:         "empty",
		Bot:        "ema-cross",
		Exchange:   "binance",
		Timeframes: []string{"h1"},
		DateRanges: plan.DateRanges,
	}

	reg := prometheus.NewRegistry()
	q := queue.New(logger)
	engine, err := scheduler.NewEngine(&cfg, promise.DefaultFollowUpConfig(), scheduler.Deps{
		Plans:     scheduler.NewCatalog(plan, empty),
		Generator: matrix.NewGenerator(nil, cfg.MaxJobsPerPlan, logger),
		Queue:     q,
		Runner:    scheduler.JobRunnerFunc(blockingRunner),
		States:    repository.NewMemoryStateRepository(),
		History:   repository.NewMemoryJobHistoryRepository(),
		Metrics:   scheduler.NewMetrics(reg),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	return NewServer(":0", engine, nil, reg, logger), engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["engine"])
	assert.NotContains(t, health.Services, "postgres")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/ready", "").Code)
}

func TestServer_PlanLifecycle(t *testing.T) {
	srv, engine := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListPlansResponse](t, rec)
	require.Len(t, list.Plans, 2)
	assert.Equal(t, "empty", list.Plans[0].Plan.ID)
	assert.Nil(t, list.Plans[1].State)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/plans/missing/start", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/plans/empty/start", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/plans/p1/start", "{bad").Code)

	rec = do(t, h, http.MethodPost, "/api/v1/plans/p1/start", `{"parallel_workers":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[StateResponse](t, rec)
	assert.Equal(t, domain.PlanStatusRunning, started.State.Status)
	assert.Equal(t, 3, started.State.TotalJobs)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/plans/p1/start", "").Code)

	require.Eventually(t, func() bool {
		states := engine.GetAllActive()
		return len(states) == 1 && states[0].RunningJobs == 1
	}, 5*time.Second, 5*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/v1/plans/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListActiveResponse](t, rec).States, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/plans/p1/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[ListJobsResponse](t, rec)
	assert.Len(t, jobs.Jobs, 2)
	assert.Equal(t, 2, jobs.Counts[domain.JobStatusPending])
	assert.Equal(t, 1, jobs.Counts[domain.JobStatusRunning])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/plans/p1/jobs?status=bogus", "").Code)

	rec = do(t, h, http.MethodGet, "/api/v1/plans/p1/next", "")
	require.Equal(t, http.StatusOK, rec.Code)
	next := decode[NextBestResponse](t, rec)
	require.NotNil(t, next.Job)
	assert.Equal(t, domain.JobStatusPending, next.Job.Status)
	assert.InDelta(t, 0.5, next.Score.Value, 1e-9)
	assert.NotEmpty(t, next.Explanation)

	rec = do(t, h, http.MethodPost, "/api/v1/plans/p1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PlanStatusPaused, decode[StateResponse](t, rec).State.Status)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[MetricsResponse](t, rec)
	assert.Equal(t, 1, metrics.Engine.ActivePlans)
	assert.Equal(t, 1, metrics.Engine.PausedPlans)
	assert.Equal(t, 3, metrics.Engine.TotalJobs)
	assert.Nil(t, metrics.Database)

	rec = do(t, h, http.MethodPost, "/api/v1/plans/p1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PlanStatusRunning, decode[StateResponse](t, rec).State.Status)

	rec = do(t, h, http.MethodPost, "/api/v1/plans/p1/retry", `{"job_ids":["nope"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[RetryResponse](t, rec).Retried)

	rec = do(t, h, http.MethodPost, "/api/v1/plans/p1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PlanStatusStopped, decode[StateResponse](t, rec).State.Status)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/plans/p1/stop", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodGet, "/api/v1/plans/p1/next", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodGet, "/api/v1/plans/p1/jobs", "").Code)

	// Stopped plans drop their persisted state.
	rec = do(t, h, http.MethodGet, "/api/v1/plans/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[PlanView](t, rec).State)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/plans/missing", "").Code)
}

func TestServer_PrometheusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics/prometheus", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "paramsearch_engine_active_plans")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(domain.NewNotFoundError("plan", "x")))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrPlanAlreadyActive))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrNoSymbols))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
