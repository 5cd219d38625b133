package domain

import "time"

// PlanExecutionState aggregates the jobs of one plan. It is replaced wholesale on
// every change: callers Clone, mutate the clone, then publish it.
type PlanExecutionState struct {
	PlanID   string     `json:"plan_id"`
	PlanName string     `json:"plan_name"`
	Status   PlanStatus `json:"status"`

	TotalJobs     int `json:"total_jobs"`
	PendingJobs   int `json:"pending_jobs"`
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
	GoodJobs      int `json:"good_jobs"`

	BestFitness    float64 `json:"best_fitness"`
	BestJobID      string  `json:"best_job_id,omitempty"`
	AverageFitness float64 `json:"average_fitness"`
	ScoredJobs     int     `json:"scored_jobs"`

	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Jobs is only populated on persisted snapshots.
	Jobs []*Job `json:"jobs,omitempty"`
}

// NewPlanExecutionState creates the initial state for a plan.
func NewPlanExecutionState(plan *Plan, totalJobs int, now time.Time) *PlanExecutionState {
	return &PlanExecutionState{
		PlanID:      plan.ID,
		PlanName:    plan.DisplayName(),
		Status:      PlanStatusRunning,
		TotalJobs:   totalJobs,
		PendingJobs: totalJobs,
		StartedAt:   &now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the state.
func (s *PlanExecutionState) Clone() *PlanExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.PausedAt = cloneTime(s.PausedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	if s.Jobs != nil {
		c.Jobs = make([]*Job, len(s.Jobs))
		for i, j := range s.Jobs {
			c.Jobs[i] = j.Clone()
		}
	}
	return &c
}

// Summary returns a copy without the job list.
func (s *PlanExecutionState) Summary() *PlanExecutionState {
	c := *s
	c.StartedAt = cloneTime(s.StartedAt)
	c.PausedAt = cloneTime(s.PausedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.Jobs = nil
	return &c
}

// RecordJobStarted moves one job from pending to running.
func (s *PlanExecutionState) RecordJobStarted(now time.Time) {
	s.PendingJobs = max(0, s.PendingJobs-1)
	s.RunningJobs++
	s.UpdatedAt = now
}

// RecordJobFinished applies the terminal outcome of a running job. Fitness at or
// above goodThreshold counts the job as good.
func (s *PlanExecutionState) RecordJobFinished(job *Job, goodThreshold float64, now time.Time) {
	s.RunningJobs = max(0, s.RunningJobs-1)
	switch job.Status {
	case JobStatusCompleted:
		s.CompletedJobs++
		if fitness, ok := job.BestFitness(); ok {
			s.ScoredJobs++
			s.AverageFitness += (fitness - s.AverageFitness) / float64(s.ScoredJobs)
			if s.ScoredJobs == 1 || fitness > s.BestFitness {
				s.BestFitness = fitness
				s.BestJobID = job.ID
			}
			if fitness >= goodThreshold {
				s.GoodJobs++
			}
		}
	case JobStatusFailed:
		s.FailedJobs++
	case JobStatusCancelled:
		s.CancelledJobs++
	case JobStatusPending:
		s.PendingJobs++
	}
	s.UpdatedAt = now
}

// RecordRetried moves n failed jobs back to pending.
func (s *PlanExecutionState) RecordRetried(n int, now time.Time) {
	s.FailedJobs = max(0, s.FailedJobs-n)
	s.PendingJobs += n
	s.UpdatedAt = now
}

// RecordJobAdded accounts for a job added after start (follow-up promotion).
func (s *PlanExecutionState) RecordJobAdded(now time.Time) {
	s.TotalJobs++
	s.PendingJobs++
	s.UpdatedAt = now
}

// Outstanding reports whether any job is still pending or running.
func (s *PlanExecutionState) Outstanding() bool {
	return s.PendingJobs > 0 || s.RunningJobs > 0
}

// Progress returns the finished fraction of jobs in [0,1].
func (s *PlanExecutionState) Progress() float64 {
	if s.TotalJobs == 0 {
		return 0
	}
	done := s.CompletedJobs + s.FailedJobs + s.CancelledJobs
	return float64(done) / float64(s.TotalJobs)
}

// StateChangedEvent is emitted on every plan state change.
type StateChangedEvent struct {
	State      *PlanExecutionState `json:"state"`
	ChangeType StateChangeType     `json:"change_type"`
	Job        *Job                `json:"job,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
