// Package domain contains the core domain models for paramsearch.
package domain

// JobStatus represents the lifecycle status of an optimization job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is terminal (no further transitions
// except an explicit retry of a failed job).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the job state machine allows moving to next.
//
// Running may fall back to Pending when a paused or crashed plan is resumed, and
// Failed may only return to Pending through an explicit retry.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed ||
			next == JobStatusCancelled || next == JobStatusPending
	case JobStatusFailed:
		return next == JobStatusPending
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// JobStatusFromString converts a string to JobStatus.
func JobStatusFromString(s string) JobStatus {
	status := JobStatus(s)
	if status.IsValid() {
		return status
	}
	return JobStatusPending
}

// PlanStatus represents the status of a plan execution.
type PlanStatus string

const (
	PlanStatusNotStarted PlanStatus = "not_started"
	PlanStatusRunning    PlanStatus = "running"
	PlanStatusPaused     PlanStatus = "paused"
	PlanStatusCompleted  PlanStatus = "completed"
	PlanStatusStopped    PlanStatus = "stopped"
	PlanStatusCancelled  PlanStatus = "cancelled"
)

// IsTerminal returns true if the status is terminal.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusStopped || s == PlanStatusCancelled
}

// IsActive returns true while workers may still pick up jobs for the plan.
func (s PlanStatus) IsActive() bool {
	return s == PlanStatusRunning || s == PlanStatusPaused
}

// IsValid returns true if the status is a valid PlanStatus.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusNotStarted, PlanStatusRunning, PlanStatusPaused,
		PlanStatusCompleted, PlanStatusStopped, PlanStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	return string(s)
}

// PlanStatusFromString converts a string to PlanStatus.
func PlanStatusFromString(s string) PlanStatus {
	status := PlanStatus(s)
	if status.IsValid() {
		return status
	}
	return PlanStatusNotStarted
}

// ResolutionTier is the search resolution of a job, ordered by backtest ceiling.
type ResolutionTier string

const (
	TierCoarse ResolutionTier = "coarse"
	TierMedium ResolutionTier = "medium"
	TierFull   ResolutionTier = "full"
)

// Default backtest ceilings per tier.
const (
	DefaultCoarseBacktests = 1000
	DefaultMediumBacktests = 5000
	DefaultFullBacktests   = 20000
)

// IsValid returns true if the tier is a valid ResolutionTier.
func (t ResolutionTier) IsValid() bool {
	switch t {
	case TierCoarse, TierMedium, TierFull:
		return true
	default:
		return false
	}
}

// Next returns the next finer tier, or false at the full tier.
func (t ResolutionTier) Next() (ResolutionTier, bool) {
	switch t {
	case TierCoarse:
		return TierMedium, true
	case TierMedium:
		return TierFull, true
	default:
		return t, false
	}
}

// DefaultMaxBacktests returns the default backtest ceiling for the tier.
func (t ResolutionTier) DefaultMaxBacktests() int {
	switch t {
	case TierMedium:
		return DefaultMediumBacktests
	case TierFull:
		return DefaultFullBacktests
	default:
		return DefaultCoarseBacktests
	}
}

// Level returns the level-of-detail used to sample parameters at this tier.
// Level 0 is the baseline; coarser tiers use negative levels.
func (t ResolutionTier) Level() int {
	switch t {
	case TierMedium:
		return -1
	case TierFull:
		return 0
	default:
		return -2
	}
}

// String returns the string representation of the tier.
func (t ResolutionTier) String() string {
	return string(t)
}

// ResolutionTierFromString converts a string to ResolutionTier.
func ResolutionTierFromString(s string) ResolutionTier {
	tier := ResolutionTier(s)
	if tier.IsValid() {
		return tier
	}
	return TierCoarse
}

// TierForBacktests returns the smallest tier whose default ceiling covers n.
func TierForBacktests(n int) ResolutionTier {
	switch {
	case n <= DefaultCoarseBacktests:
		return TierCoarse
	case n <= DefaultMediumBacktests:
		return TierMedium
	default:
		return TierFull
	}
}

// StateChangeType describes what caused a StateChanged notification.
type StateChangeType string

const (
	ChangePlanStarted    StateChangeType = "plan_started"
	ChangePlanResumed    StateChangeType = "plan_resumed"
	ChangePlanPaused     StateChangeType = "plan_paused"
	ChangePlanCompleted  StateChangeType = "plan_completed"
	ChangePlanStopped    StateChangeType = "plan_stopped"
	ChangeJobStarted     StateChangeType = "job_started"
	ChangeJobCompleted   StateChangeType = "job_completed"
	ChangeJobFailed      StateChangeType = "job_failed"
	ChangeJobCancelled   StateChangeType = "job_cancelled"
	ChangeJobsRetried    StateChangeType = "jobs_retried"
	ChangeFollowUpQueued StateChangeType = "follow_up_queued"
	ChangeStateSaved     StateChangeType = "state_saved"
)

// String returns the string representation of the change type.
func (c StateChangeType) String() string {
	return string(c)
}
