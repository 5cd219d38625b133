package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// jobNamespace seeds deterministic job IDs.
var jobNamespace = uuid.MustParse("6f1c3b8e-2d4a-5e7f-9a0b-1c2d3e4f5a6b")

// NewJobID derives a deterministic job ID from the plan and cell coordinates, so
// regenerating a plan's job matrix never duplicates work.
func NewJobID(planID, symbol, timeframe, dateRangeName string) string {
	key := strings.Join([]string{planID, symbol, timeframe, dateRangeName}, "|")
	return uuid.NewSHA1(jobNamespace, []byte(key)).String()
}

// NewFollowUpJobID derives the ID of a higher-resolution follow-up job.
func NewFollowUpJobID(parentID string, tier ResolutionTier) string {
	return uuid.NewSHA1(jobNamespace, []byte(parentID+"|follow-up|"+tier.String())).String()
}

// DateRange is a resolved backtest window.
type DateRange struct {
	Name  string    `json:"name" yaml:"name"`
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Duration returns the length of the window.
func (r DateRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// JobResult summarizes the outcome of one optimization job.
type JobResult struct {
	BestFitness     float64        `json:"best_fitness"`
	AverageFitness  float64        `json:"average_fitness"`
	BacktestsRun    int            `json:"backtests_run"`
	GoodBacktests   int            `json:"good_backtests"`
	PartialCoverage bool           `json:"partial_coverage"`
	BestParameters  map[string]any `json:"best_parameters,omitempty"`
	OutputLocation  string         `json:"output_location,omitempty"`
}

// Job is one independently schedulable optimization run for a
// (symbol, timeframe, date-range) cell. Jobs are treated as immutable snapshots:
// every lifecycle method returns a new *Job and leaves the receiver untouched.
type Job struct {
	ID           string         `json:"id"`
	PlanID       string         `json:"plan_id"`
	ParentJobID  string         `json:"parent_job_id,omitempty"`
	Bot          string         `json:"bot"`
	Exchange     string         `json:"exchange"`
	Symbol       string         `json:"symbol"`
	Timeframe    string         `json:"timeframe"`
	DateRange    DateRange      `json:"date_range"`
	Tier         ResolutionTier `json:"tier"`
	MaxBacktests int            `json:"max_backtests"`
	Priority     int            `json:"priority"`

	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.BestParameters != nil {
			r.BestParameters = make(map[string]any, len(j.Result.BestParameters))
			for k, v := range j.Result.BestParameters {
				r.BestParameters[k] = v
			}
		}
		c.Result = &r
	}
	return &c
}

// transition validates and applies a status change on a copy.
func (j *Job) transition(to JobStatus) (*Job, error) {
	if !j.Status.CanTransitionTo(to) {
		return nil, TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	c := j.Clone()
	c.Status = to
	return c, nil
}

// Start returns a Running snapshot of a Pending job.
func (j *Job) Start(now time.Time) (*Job, error) {
	c, err := j.transition(JobStatusRunning)
	if err != nil {
		return nil, err
	}
	c.StartedAt = &now
	c.CompletedAt = nil
	c.Error = ""
	return c, nil
}

// Complete returns a Completed snapshot carrying the result.
func (j *Job) Complete(result *JobResult, now time.Time) (*Job, error) {
	c, err := j.transition(JobStatusCompleted)
	if err != nil {
		return nil, err
	}
	if result != nil {
		r := *result
		c.Result = &r
	}
	c.CompletedAt = &now
	return c, nil
}

// Fail returns a Failed snapshot carrying the error message.
func (j *Job) Fail(msg string, now time.Time) (*Job, error) {
	c, err := j.transition(JobStatusFailed)
	if err != nil {
		return nil, err
	}
	c.Error = msg
	c.CompletedAt = &now
	return c, nil
}

// Cancel returns a Cancelled snapshot.
func (j *Job) Cancel(now time.Time) (*Job, error) {
	c, err := j.transition(JobStatusCancelled)
	if err != nil {
		return nil, err
	}
	c.CompletedAt = &now
	return c, nil
}

// Requeue returns a Pending snapshot of a Running job whose worker went away
// (pause snapshot or crash) so it can be picked up again.
func (j *Job) Requeue() (*Job, error) {
	if j.Status != JobStatusRunning {
		return nil, TransitionError{JobID: j.ID, From: j.Status, To: JobStatusPending}
	}
	c, err := j.transition(JobStatusPending)
	if err != nil {
		return nil, err
	}
	c.StartedAt = nil
	return c, nil
}

// ResetForRetry returns a Pending snapshot of a Failed job with error and
// timestamps cleared.
func (j *Job) ResetForRetry() (*Job, error) {
	if j.Status != JobStatusFailed {
		return nil, TransitionError{JobID: j.ID, From: j.Status, To: JobStatusPending}
	}
	c, err := j.transition(JobStatusPending)
	if err != nil {
		return nil, err
	}
	c.Error = ""
	c.StartedAt = nil
	c.CompletedAt = nil
	c.Result = nil
	c.RetryCount++
	return c, nil
}

// Duration returns the duration of the job execution.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// BestFitness returns the job's best fitness, or false when it has no result.
func (j *Job) BestFitness() (float64, bool) {
	if j.Result == nil {
		return 0, false
	}
	return j.Result.BestFitness, true
}
