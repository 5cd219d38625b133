package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/promise"
	"github.com/saltfish/paramsearch/internal/scheduler"
)

// Handler provides the plan control REST API.
type Handler struct {
	engine *scheduler.Engine
	logger *zap.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(engine *scheduler.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// RegisterRoutes adds the API routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/plans", h.HandleListPlans)
	mux.HandleFunc("GET /api/v1/plans/active", h.HandleListActive)
	mux.HandleFunc("GET /api/v1/plans/{id}", h.HandleGetPlan)
	mux.HandleFunc("GET /api/v1/plans/{id}/jobs", h.HandleListJobs)
	mux.HandleFunc("GET /api/v1/plans/{id}/next", h.HandleNextBest)
	mux.HandleFunc("POST /api/v1/plans/{id}/start", h.HandleStart)
	mux.HandleFunc("POST /api/v1/plans/{id}/stop", h.HandleStop)
	mux.HandleFunc("POST /api/v1/plans/{id}/pause", h.HandlePause)
	mux.HandleFunc("POST /api/v1/plans/{id}/resume", h.HandleResume)
	mux.HandleFunc("POST /api/v1/plans/{id}/retry", h.HandleRetry)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPlanAlreadyActive),
		errors.Is(err, domain.ErrPlanNotActive),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrNoSymbols),
		errors.Is(err, domain.ErrTooManyJobs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status, logging server-side failures.
func (h *Handler) fail(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, err, message)
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst
// untouched.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// PlanView is a plan with its latest execution state, if any.
type PlanView struct {
	Plan  *domain.Plan               `json:"plan"`
	State *domain.PlanExecutionState `json:"state,omitempty"`
}

// ListPlansResponse represents the response for listing plans.
type ListPlansResponse struct {
	Plans []PlanView `json:"plans"`
}

// HandleListPlans lists every known plan with its latest state.
func (h *Handler) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.engine.Plans().List()
	views := make([]PlanView, 0, len(plans))
	for _, p := range plans {
		state, err := h.engine.GetStatus(r.Context(), p.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("Failed to load plan state", zap.String("plan_id", p.ID), zap.Error(err))
		}
		views = append(views, PlanView{Plan: p, State: state})
	}
	writeJSON(w, http.StatusOK, ListPlansResponse{Plans: views})
}

// ListActiveResponse represents the response for listing active plans.
type ListActiveResponse struct {
	States []*domain.PlanExecutionState `json:"states"`
}

// HandleListActive lists the states of running and paused plans.
func (h *Handler) HandleListActive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ListActiveResponse{States: h.engine.GetAllActive()})
}

// HandleGetPlan returns one plan with its latest state.
func (h *Handler) HandleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	plan, ok := h.engine.Plans().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, domain.NewNotFoundError("plan", id), "plan not found")
		return
	}
	state, err := h.engine.GetStatus(r.Context(), id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.fail(w, err, "failed to get plan state")
		return
	}
	writeJSON(w, http.StatusOK, PlanView{Plan: plan, State: state})
}

// ListJobsResponse represents the response for listing the jobs of a plan.
type ListJobsResponse struct {
	Jobs   []*domain.Job            `json:"jobs"`
	Counts map[domain.JobStatus]int `json:"counts"`
}

// HandleListJobs lists the queued jobs of an active plan, optionally filtered
// by ?status=.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.Jobs(r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to list jobs")
		return
	}
	counts := lo.CountValuesBy(jobs, func(j *domain.Job) domain.JobStatus { return j.Status })
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "unknown job status "+s)
			return
		}
		jobs = lo.Filter(jobs, func(j *domain.Job, _ int) bool { return j.Status == status })
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Counts: counts})
}

// NextBestResponse represents the most promising pending job of a plan.
type NextBestResponse struct {
	Job         *domain.Job   `json:"job"`
	Score       promise.Score `json:"score"`
	Explanation string        `json:"explanation"`
}

// HandleNextBest returns the pending job the plan would prefer next.
func (h *Handler) HandleNextBest(w http.ResponseWriter, r *http.Request) {
	ranked, why, err := h.engine.NextBest(r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to rank pending jobs")
		return
	}
	writeJSON(w, http.StatusOK, NextBestResponse{
		Job:         ranked.Job,
		Score:       ranked.Score,
		Explanation: why,
	})
}

// StateResponse wraps the state returned by a control action.
type StateResponse struct {
	State *domain.PlanExecutionState `json:"state"`
}

// HandleStart starts a plan. The body may carry scheduler.StartOptions.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var opts scheduler.StartOptions
	if err := decodeOptional(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}
	state, err := h.engine.Start(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		h.fail(w, err, "failed to start plan")
		return
	}
	writeJSON(w, http.StatusAccepted, StateResponse{State: state})
}

// HandleStop stops a plan and waits for its in-flight jobs.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to stop plan")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

// HandlePause pauses a plan.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to pause plan")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

// HandleResume resumes a paused plan.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to resume plan")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

// RetryRequest selects the failed jobs to retry. Empty retries all of them.
type RetryRequest struct {
	JobIDs []string `json:"job_ids,omitempty"`
}

// RetryResponse reports how many jobs were reset.
type RetryResponse struct {
	Retried int `json:"retried"`
}

// HandleRetry resets failed jobs of a plan to pending.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid request body")
		return
	}
	n, err := h.engine.RetryFailed(r.Context(), r.PathValue("id"), req.JobIDs...)
	if err != nil {
		h.fail(w, err, "failed to retry jobs")
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{Retried: n})
}
