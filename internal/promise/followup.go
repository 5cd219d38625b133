package promise

import (
	"time"

	"github.com/saltfish/paramsearch/internal/domain"
)

// FollowUpConfig holds the fitness thresholds and backtest ceilings of tier
// promotion.
type FollowUpConfig struct {
	CoarseToMedium  float64 `yaml:"coarse_to_medium" json:"coarse_to_medium"`
	MediumToFull    float64 `yaml:"medium_to_full" json:"medium_to_full"`
	MediumBacktests int     `yaml:"medium_backtests" json:"medium_backtests"`
	FullBacktests   int     `yaml:"full_backtests" json:"full_backtests"`
}

// DefaultFollowUpConfig returns the standard promotion thresholds.
func DefaultFollowUpConfig() FollowUpConfig {
	return FollowUpConfig{
		CoarseToMedium:  1.5,
		MediumToFull:    2.0,
		MediumBacktests: domain.DefaultMediumBacktests,
		FullBacktests:   domain.DefaultFullBacktests,
	}
}

// FollowUp is a suggested re-run of a completed job at a finer tier.
type FollowUp struct {
	Tier         domain.ResolutionTier
	MaxBacktests int
	Threshold    float64
	Fitness      float64
}

// ShouldQueueFollowUp suggests a follow-up for a completed job whose best
// fitness reaches the threshold of its tier. Full-tier jobs never get one.
func ShouldQueueFollowUp(job *domain.Job, cfg FollowUpConfig) (FollowUp, bool) {
	if job == nil || job.Status != domain.JobStatusCompleted {
		return FollowUp{}, false
	}
	fitness, ok := job.BestFitness()
	if !ok {
		return FollowUp{}, false
	}

	tier := job.Tier
	if tier == "" {
		tier = domain.TierForBacktests(job.MaxBacktests)
	}
	var threshold float64
	var ceiling int
	switch tier {
	case domain.TierCoarse:
		threshold, ceiling = cfg.CoarseToMedium, cfg.MediumBacktests
	case domain.TierMedium:
		threshold, ceiling = cfg.MediumToFull, cfg.FullBacktests
	default:
		return FollowUp{}, false
	}
	if fitness < threshold {
		return FollowUp{}, false
	}
	next, _ := tier.Next()
	if ceiling <= 0 {
		ceiling = next.DefaultMaxBacktests()
	}
	return FollowUp{Tier: next, MaxBacktests: ceiling, Threshold: threshold, Fitness: fitness}, true
}

// NewFollowUpJob builds the pending follow-up job of parent.
func NewFollowUpJob(parent *domain.Job, f FollowUp, now time.Time) *domain.Job {
	return &domain.Job{
		ID:           domain.NewFollowUpJobID(parent.ID, f.Tier),
		PlanID:       parent.PlanID,
		ParentJobID:  parent.ID,
		Bot:          parent.Bot,
		Exchange:     parent.Exchange,
		Symbol:       parent.Symbol,
		Timeframe:    parent.Timeframe,
		DateRange:    parent.DateRange,
		Tier:         f.Tier,
		MaxBacktests: f.MaxBacktests,
		Priority:     parent.Priority,
		Status:       domain.JobStatusPending,
		CreatedAt:    now,
	}
}
