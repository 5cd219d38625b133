// Package promise scores pending jobs against completed history, ranks them and
// decides when a completed job deserves a finer-resolution follow-up.
package promise

import (
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/saltfish/paramsearch/internal/domain"
)

// Neutral score and confidence reported without any completed history.
const (
	NeutralScore      = 0.5
	NeutralConfidence = 0.1
)

// Factor names.
const (
	FactorSymbol    = "symbol"
	FactorTimeframe = "timeframe"
	FactorExact     = "exact"
	FactorRecency   = "recency"
)

// Weights are the factor weights of a promise score.
type Weights struct {
	Symbol    float64 `yaml:"symbol" json:"symbol"`
	Timeframe float64 `yaml:"timeframe" json:"timeframe"`
	Exact     float64 `yaml:"exact" json:"exact"`
	Recency   float64 `yaml:"recency" json:"recency"`
}

// DefaultWeights returns the standard factor weights.
func DefaultWeights() Weights {
	return Weights{Symbol: 0.25, Timeframe: 0.2, Exact: 0.4, Recency: 0.15}
}

// DefaultRecencyWindow is the trailing window of the recency factor.
const DefaultRecencyWindow = 30 * 24 * time.Hour

// Factor is one weighted contribution to a score.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	HasData      bool    `json:"has_data"`
	DataPoints   int     `json:"data_points"`
	AvgFitness   float64 `json:"avg_fitness"`
	Contribution float64 `json:"contribution"`
}

// Score is the promise of a pending job.
type Score struct {
	Value      float64  `json:"value"`
	Confidence float64  `json:"confidence"`
	Factors    []Factor `json:"factors,omitempty"`
}

// Scorer computes promise scores.
type Scorer struct {
	weights Weights
	window  time.Duration
}

// NewScorer creates a scorer. Zero values fall back to the defaults.
func NewScorer(weights Weights, window time.Duration) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Scorer{weights: weights, window: window}
}

// CalculatePromise scores job with the default weights and window.
func CalculatePromise(job *domain.Job, completed []*domain.Job, now time.Time) Score {
	return NewScorer(DefaultWeights(), DefaultRecencyWindow).Score(job, completed, now)
}

// Score rates how promising job is from the fitness of completed jobs sharing
// its symbol or timeframe. Completed jobs without a result are ignored.
func (s *Scorer) Score(job *domain.Job, completed []*domain.Job, now time.Time) Score {
	return s.index(completed, now).score(job, s.weights)
}

// stat accumulates the best fitness of a group of completed jobs. Non-finite
// values are counted apart so groups can be subtracted without NaN leaking in.
type stat struct {
	n               int
	sum             float64
	nan, pinf, ninf int
}

func (s stat) add(f float64, sign int) stat {
	s.n += sign
	switch {
	case math.IsNaN(f):
		s.nan += sign
	case math.IsInf(f, 1):
		s.pinf += sign
	case math.IsInf(f, -1):
		s.ninf += sign
	default:
		s.sum += float64(sign) * f
	}
	return s
}

func (s stat) plus(f float64) stat  { return s.add(f, 1) }
func (s stat) minus(f float64) stat { return s.add(f, -1) }

// union merges a and b, dropping the overlap they share.
func union(a, b, overlap stat) stat {
	return stat{
		n:    a.n + b.n - overlap.n,
		sum:  a.sum + b.sum - overlap.sum,
		nan:  a.nan + b.nan - overlap.nan,
		pinf: a.pinf + b.pinf - overlap.pinf,
		ninf: a.ninf + b.ninf - overlap.ninf,
	}
}

func (s stat) mean() float64 {
	switch {
	case s.nan > 0 || (s.pinf > 0 && s.ninf > 0):
		return math.NaN()
	case s.pinf > 0:
		return math.Inf(1)
	case s.ninf > 0:
		return math.Inf(-1)
	}
	return s.sum / float64(s.n)
}

type cell struct {
	symbol, timeframe string
}

// history indexes completed jobs by symbol, timeframe and cell, split by
// recency, so scoring a pending job costs a few map lookups.
type history struct {
	total           int
	symbol          map[string]stat
	timeframe       map[string]stat
	exact           map[cell]stat
	recentSymbol    map[string]stat
	recentTimeframe map[string]stat
	recentExact     map[cell]stat
	byID            map[string][]*domain.Job

	now    time.Time
	window time.Duration
}

func (s *Scorer) index(completed []*domain.Job, now time.Time) *history {
	h := &history{
		symbol:          make(map[string]stat),
		timeframe:       make(map[string]stat),
		exact:           make(map[cell]stat),
		recentSymbol:    make(map[string]stat),
		recentTimeframe: make(map[string]stat),
		recentExact:     make(map[cell]stat),
		byID:            make(map[string][]*domain.Job),
		now:             now,
		window:          s.window,
	}
	for _, c := range completed {
		if c.Status != domain.JobStatusCompleted || c.Result == nil {
			continue
		}
		f := c.Result.BestFitness
		k := cell{c.Symbol, c.Timeframe}
		h.total++
		h.symbol[c.Symbol] = h.symbol[c.Symbol].plus(f)
		h.timeframe[c.Timeframe] = h.timeframe[c.Timeframe].plus(f)
		h.exact[k] = h.exact[k].plus(f)
		if h.recent(c) {
			h.recentSymbol[c.Symbol] = h.recentSymbol[c.Symbol].plus(f)
			h.recentTimeframe[c.Timeframe] = h.recentTimeframe[c.Timeframe].plus(f)
			h.recentExact[k] = h.recentExact[k].plus(f)
		}
		h.byID[c.ID] = append(h.byID[c.ID], c)
	}
	return h
}

func (h *history) recent(c *domain.Job) bool {
	return c.CompletedAt != nil && h.now.Sub(*c.CompletedAt) <= h.window
}

func (h *history) score(job *domain.Job, weights Weights) Score {
	// A job never scores against its own earlier result.
	self := h.byID[job.ID]
	if h.total-len(self) == 0 {
		return Score{Value: NeutralScore, Confidence: NeutralConfidence}
	}

	k := cell{job.Symbol, job.Timeframe}
	sym, tf, exact := h.symbol[job.Symbol], h.timeframe[job.Timeframe], h.exact[k]
	rsym, rtf, rexact := h.recentSymbol[job.Symbol], h.recentTimeframe[job.Timeframe], h.recentExact[k]
	for _, c := range self {
		f := c.Result.BestFitness
		recent := h.recent(c)
		if c.Symbol == job.Symbol {
			sym = sym.minus(f)
			if recent {
				rsym = rsym.minus(f)
			}
		}
		if c.Timeframe == job.Timeframe {
			tf = tf.minus(f)
			if recent {
				rtf = rtf.minus(f)
			}
		}
		if c.Symbol == job.Symbol && c.Timeframe == job.Timeframe {
			exact = exact.minus(f)
			if recent {
				rexact = rexact.minus(f)
			}
		}
	}
	// Related jobs share the symbol or the timeframe.
	related := union(sym, tf, exact).n
	recent := union(rsym, rtf, rexact)

	factors := []Factor{
		factor(FactorSymbol, weights.Symbol, sym),
		factor(FactorTimeframe, weights.Timeframe, tf),
		factor(FactorExact, weights.Exact, exact),
		factor(FactorRecency, weights.Recency, recent),
	}
	total := lo.SumBy(factors, func(f Factor) float64 { return f.Contribution })

	coverage := 0.0
	if sym.n > 0 && tf.n > 0 {
		coverage = 1
	}
	confidence := math.Min(1, 0.8*math.Min(1, float64(related)/10)+0.2*coverage)

	return Score{
		Value:      clamp(total, 0, 1),
		Confidence: confidence,
		Factors:    factors,
	}
}

func factor(name string, weight float64, s stat) Factor {
	f := Factor{Name: name, Weight: weight, DataPoints: s.n}
	if s.n <= 0 {
		f.DataPoints = 0
		f.Contribution = weight * NeutralScore
		return f
	}
	f.HasData = true
	f.AvgFitness = s.mean()
	f.Contribution = weight * NormalizeFitness(f.AvgFitness)
	return f
}

var (
	fitnessBreaks = []float64{0, 0.5, 1.0, 2.0, 3.0}
	scoreBands    = []float64{0, 0.25, 0.5, 0.75, 0.9}
)

// NormalizeFitness maps a fitness value into [0,1): piecewise linear through
// (0,0) (0.5,0.25) (1,0.5) (2,0.75) (3,0.9), then approaching 1 asymptotically.
// Non-positive and NaN fitness map to 0.
func NormalizeFitness(fitness float64) float64 {
	if math.IsNaN(fitness) || fitness <= 0 {
		return 0
	}
	last := len(fitnessBreaks) - 1
	if fitness >= fitnessBreaks[last] {
		return scoreBands[last] + (1-scoreBands[last])*(1-math.Exp(-(fitness-fitnessBreaks[last])))
	}
	for i := 1; i <= last; i++ {
		if fitness <= fitnessBreaks[i] {
			low, high := fitnessBreaks[i-1], fitnessBreaks[i]
			t := (fitness - low) / (high - low)
			return scoreBands[i-1] + t*(scoreBands[i]-scoreBands[i-1])
		}
	}
	return scoreBands[last]
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}
