package promise

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saltfish/paramsearch/internal/domain"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func pending(id, symbol, timeframe string, priority int) *domain.Job {
	return &domain.Job{ID: id, Symbol: symbol, Timeframe: timeframe, Priority: priority, Status: domain.JobStatusPending}
}

func completed(id, symbol, timeframe string, fitness float64, age time.Duration) *domain.Job {
	at := now.Add(-age)
	return &domain.Job{
		ID:          id,
		Symbol:      symbol,
		Timeframe:   timeframe,
		Status:      domain.JobStatusCompleted,
		Result:      &domain.JobResult{BestFitness: fitness},
		CompletedAt: &at,
	}
}

func TestCalculatePromise_NoHistory(t *testing.T) {
	s := CalculatePromise(pending("j", "BTCUSDT", "h1", 0), nil, now)
	assert.Equal(t, 0.5, s.Value)
	assert.Equal(t, 0.1, s.Confidence)

	// Jobs without results do not count as history.
	failed := &domain.Job{ID: "f", Symbol: "BTCUSDT", Status: domain.JobStatusFailed}
	s = CalculatePromise(pending("j", "BTCUSDT", "h1", 0), []*domain.Job{failed}, now)
	assert.Equal(t, 0.5, s.Value)
	assert.Equal(t, 0.1, s.Confidence)
}

func TestCalculatePromise_Factors(t *testing.T) {
	history := []*domain.Job{
		completed("c1", "BTCUSDT", "h1", 2.0, 24*time.Hour),
		completed("c2", "BTCUSDT", "h4", 1.0, 60*24*time.Hour),
		completed("c3", "ETHUSDT", "h1", 0.5, 90*24*time.Hour),
		completed("c4", "SOLUSDT", "d1", 3.0, time.Hour),
	}
	s := CalculatePromise(pending("j", "BTCUSDT", "h1", 0), history, now)

	byName := make(map[string]Factor)
	for _, f := range s.Factors {
		byName[f.Name] = f
	}
	assert.Equal(t, 2, byName[FactorSymbol].DataPoints)
	assert.InDelta(t, 1.5, byName[FactorSymbol].AvgFitness, 1e-9)
	assert.InDelta(t, 1.25, byName[FactorTimeframe].AvgFitness, 1e-9)
	assert.Equal(t, 1, byName[FactorExact].DataPoints)
	assert.InDelta(t, 2.0, byName[FactorExact].AvgFitness, 1e-9)
	assert.Equal(t, 1, byName[FactorRecency].DataPoints)

	// symbol 0.25*0.625 + timeframe 0.2*0.5625 + exact 0.4*0.75 + recency 0.15*0.75
	assert.InDelta(t, 0.15625+0.1125+0.3+0.1125, s.Value, 1e-9)
	// 3 related jobs, both symbol and timeframe data present.
	assert.InDelta(t, 0.8*0.3+0.2, s.Confidence, 1e-9)
}

func TestCalculatePromise_NeutralWhenUnrelated(t *testing.T) {
	history := []*domain.Job{completed("c", "SOLUSDT", "d1", 3.0, time.Hour)}
	s := CalculatePromise(pending("j", "BTCUSDT", "h1", 0), history, now)
	assert.InDelta(t, 0.5, s.Value, 1e-9)
	assert.Equal(t, 0.0, s.Confidence)
}

func TestCalculatePromise_ConfidenceCaps(t *testing.T) {
	var history []*domain.Job
	for i := 0; i < 25; i++ {
		history = append(history, completed(string(rune('a'+i)), "BTCUSDT", "h1", 1, time.Hour))
	}
	s := CalculatePromise(pending("j", "BTCUSDT", "h1", 0), history, now)
	assert.Equal(t, 1.0, s.Confidence)
}

func TestCalculatePromise_ScoreBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	timeframes := []string{"m15", "h1", "d1"}
	fitness := []float64{-50, -1, 0, 0.3, 1, 2.5, 10, 1e9, math.Inf(1), math.NaN()}

	for round := 0; round < 200; round++ {
		var history []*domain.Job
		for i := rng.Intn(20); i > 0; i-- {
			history = append(history, completed(
				string(rune('A'+i)),
				symbols[rng.Intn(len(symbols))],
				timeframes[rng.Intn(len(timeframes))],
				fitness[rng.Intn(len(fitness))],
				time.Duration(rng.Intn(90*24))*time.Hour,
			))
		}
		job := pending("j", symbols[rng.Intn(len(symbols))], timeframes[rng.Intn(len(timeframes))], 0)
		s := CalculatePromise(job, history, now)
		assert.GreaterOrEqual(t, s.Value, 0.0)
		assert.LessOrEqual(t, s.Value, 1.0)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestNormalizeFitness(t *testing.T) {
	tests := []struct {
		fitness float64
		want    float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.125},
		{0.5, 0.25},
		{0.75, 0.375},
		{1, 0.5},
		{1.5, 0.625},
		{2, 0.75},
		{2.5, 0.825},
		{3, 0.9},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeFitness(tt.fitness), 1e-9, "fitness %v", tt.fitness)
	}

	assert.Greater(t, NormalizeFitness(4), 0.9)
	assert.Less(t, NormalizeFitness(100), 1.0+1e-12)
	assert.Greater(t, NormalizeFitness(5), NormalizeFitness(4))
	assert.Equal(t, 0.0, NormalizeFitness(math.NaN()))
}
