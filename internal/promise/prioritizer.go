package promise

import (
	"fmt"
	"slices"
	"time"

	"github.com/saltfish/paramsearch/internal/domain"
)

// Ranked is a pending job with its promise score.
type Ranked struct {
	Job   *domain.Job `json:"job"`
	Score Score       `json:"score"`
}

// Prioritizer orders pending jobs by explicit priority, then promise.
type Prioritizer struct {
	scorer   *Scorer
	tiebreak func(a, b *domain.Job) int
	now      func() time.Time
}

// NewPrioritizer creates a prioritizer. tiebreak orders jobs with equal
// priority, score and confidence; it may be nil.
func NewPrioritizer(scorer *Scorer, tiebreak func(a, b *domain.Job) int) *Prioritizer {
	if scorer == nil {
		scorer = NewScorer(DefaultWeights(), DefaultRecencyWindow)
	}
	return &Prioritizer{
		scorer:   scorer,
		tiebreak: tiebreak,
		now:      time.Now,
	}
}

// Rank scores every pending job against completed and returns them most
// promising first: priority ascending, score descending, confidence descending.
func (p *Prioritizer) Rank(pending, completed []*domain.Job) []Ranked {
	h := p.scorer.index(completed, p.now())
	ranked := make([]Ranked, len(pending))
	for i, job := range pending {
		ranked[i] = Ranked{Job: job, Score: h.score(job, p.scorer.weights)}
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		if a.Job.Priority != b.Job.Priority {
			return a.Job.Priority - b.Job.Priority
		}
		if c := compareDesc(a.Score.Value, b.Score.Value); c != 0 {
			return c
		}
		if c := compareDesc(a.Score.Confidence, b.Score.Confidence); c != 0 {
			return c
		}
		if p.tiebreak != nil {
			return p.tiebreak(a.Job, b.Job)
		}
		return 0
	})
	return ranked
}

// Order returns a candidate ordering backed by Rank, reading completed history
// from history on every call.
func (p *Prioritizer) Order(history func() []*domain.Job) func([]*domain.Job) []*domain.Job {
	return func(candidates []*domain.Job) []*domain.Job {
		ranked := p.Rank(candidates, history())
		out := make([]*domain.Job, len(ranked))
		for i, r := range ranked {
			out[i] = r.Job
		}
		return out
	}
}

// NextBest returns the most promising pending job with a human-readable
// explanation.
func (p *Prioritizer) NextBest(pending, completed []*domain.Job) (Ranked, string, bool) {
	ranked := p.Rank(pending, completed)
	if len(ranked) == 0 {
		return Ranked{}, "", false
	}
	return ranked[0], Explain(ranked[0]), true
}

// Explain describes a ranked job from its dominant factor and its score and
// confidence bands.
func Explain(r Ranked) string {
	head := fmt.Sprintf("%s %s: %s promise (%.2f), %s confidence (%.2f)",
		r.Job.Symbol, r.Job.Timeframe,
		band(r.Score.Value, 0.7, 0.4), r.Score.Value,
		band(r.Score.Confidence, 0.7, 0.3), r.Score.Confidence)

	dominant, ok := dominantFactor(r.Score.Factors)
	if !ok {
		return head + "; no completed history, neutral score"
	}
	return fmt.Sprintf("%s; driven by %s (avg fitness %.2f over %d jobs)",
		head, describeFactor(dominant.Name), dominant.AvgFitness, dominant.DataPoints)
}

func dominantFactor(factors []Factor) (Factor, bool) {
	var best Factor
	found := false
	for _, f := range factors {
		if f.HasData && (!found || f.Contribution > best.Contribution) {
			best = f
			found = true
		}
	}
	return best, found
}

func describeFactor(name string) string {
	switch name {
	case FactorSymbol:
		return "same-symbol history"
	case FactorTimeframe:
		return "same-timeframe history"
	case FactorExact:
		return "exact symbol+timeframe history"
	case FactorRecency:
		return "recent related results"
	default:
		return name
	}
}

func band(v, high, medium float64) string {
	switch {
	case v >= high:
		return "high"
	case v >= medium:
		return "medium"
	default:
		return "low"
	}
}

func compareDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}
