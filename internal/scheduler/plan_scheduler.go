package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
)

// PlanStarter starts plans. *Engine implements it.
type PlanStarter interface {
	Start(ctx context.Context, planID string, opts StartOptions) (*domain.PlanExecutionState, error)
}

// PlanScheduler starts plans on the cron schedule in their Schedule field.
type PlanScheduler struct {
	starter PlanStarter
	plans   *Catalog
	logger  *zap.Logger

	cronParser   cron.Parser
	schedules    map[string]*scheduledPlan
	mu           sync.RWMutex
	pollInterval time.Duration
	now          func() time.Time

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// scheduledPlan tracks the next run of one plan.
type scheduledPlan struct {
	PlanID     string
	Expression string
	NextRun    time.Time
	CronSpec   cron.Schedule
}

// NewPlanScheduler creates a plan scheduler over the plans of catalog.
func NewPlanScheduler(starter PlanStarter, plans *Catalog, logger *zap.Logger) *PlanScheduler {
	return &PlanScheduler{
		starter:      starter,
		plans:        plans,
		logger:       logger,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules:    make(map[string]*scheduledPlan),
		pollInterval: 30 * time.Second,
		now:          time.Now,
	}
}

// Start loads the schedules and begins polling for due plans.
func (s *PlanScheduler) Start() error {
	s.logger.Info("Starting plan scheduler",
		zap.Duration("poll_interval", s.pollInterval),
	)

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.ReloadSchedules(); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.ticker = time.NewTicker(s.pollInterval)
	s.wg.Add(1)
	go s.schedulerLoop()

	s.mu.RLock()
	count := len(s.schedules)
	s.mu.RUnlock()
	s.logger.Info("Plan scheduler started", zap.Int("active_schedules", count))
	return nil
}

// Stop stops polling and waits for triggered starts to return.
func (s *PlanScheduler) Stop() error {
	s.logger.Info("Stopping plan scheduler")

	if s.cancel != nil {
		s.cancel()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.wg.Wait()

	s.logger.Info("Plan scheduler stopped")
	return nil
}

// ReloadSchedules rebuilds the schedule table from the catalog. Plans with an
// invalid cron expression are skipped with a warning.
func (s *PlanScheduler) ReloadSchedules() error {
	now := s.now()
	schedules := make(map[string]*scheduledPlan)
	var invalid []error

	for _, plan := range s.plans.List() {
		if plan.Schedule == "" {
			continue
		}
		spec, err := s.cronParser.Parse(plan.Schedule)
		if err != nil {
			s.logger.Warn("Failed to parse cron expression, skipping plan",
				zap.String("plan_id", plan.ID),
				zap.String("cron_expression", plan.Schedule),
				zap.Error(err),
			)
			invalid = append(invalid, fmt.Errorf("plan %s: %w", plan.ID, err))
			continue
		}
		next := spec.Next(now)
		schedules[plan.ID] = &scheduledPlan{
			PlanID:     plan.ID,
			Expression: plan.Schedule,
			NextRun:    next,
			CronSpec:   spec,
		}
		s.logger.Debug("Loaded schedule",
			zap.String("plan_id", plan.ID),
			zap.String("cron_expression", plan.Schedule),
			zap.Time("next_run", next),
		)
	}

	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()

	s.logger.Info("Plan schedules reloaded",
		zap.Int("active_schedules", len(schedules)),
		zap.Int("invalid", len(invalid)),
	)
	if len(schedules) == 0 && len(invalid) > 0 {
		return errors.Join(invalid...)
	}
	return nil
}

// NextRuns returns the next run time of every scheduled plan.
func (s *PlanScheduler) NextRuns() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.schedules))
	for id, task := range s.schedules {
		out[id] = task.NextRun
	}
	return out
}

func (s *PlanScheduler) schedulerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.checkSchedules()
		}
	}
}

// checkSchedules triggers every plan whose next run is due.
func (s *PlanScheduler) checkSchedules() {
	now := s.now()

	var due []string
	s.mu.Lock()
	for id, task := range s.schedules {
		if !task.NextRun.After(now) {
			due = append(due, id)
			task.NextRun = task.CronSpec.Next(now)
		}
	}
	s.mu.Unlock()

	for _, planID := range due {
		s.logger.Info("Executing scheduled plan run", zap.String("plan_id", planID))
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.executeSchedule(id)
		}(planID)
	}
}

// executeSchedule starts one scheduled plan, resuming a paused run when one
// exists. A plan that is still running is left alone.
func (s *PlanScheduler) executeSchedule(planID string) {
	state, err := s.starter.Start(s.ctx, planID, StartOptions{ResumeIfPaused: true})
	switch {
	case errors.Is(err, domain.ErrPlanAlreadyActive):
		s.logger.Info("Scheduled plan still active, skipping run", zap.String("plan_id", planID))
	case err != nil:
		s.logger.Error("Failed to start scheduled plan",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
	default:
		s.logger.Info("Scheduled plan started",
			zap.String("plan_id", planID),
			zap.Int("jobs", state.TotalJobs),
		)
	}
}
