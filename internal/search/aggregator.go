package search

import (
	"context"
	"maps"
	"sync"

	"github.com/saltfish/paramsearch/internal/domain"
)

// BatchSummary is the aggregated outcome of one submitted batch.
type BatchSummary struct {
	BatchID        string
	Count          int
	Failed         int
	GoodCount      int
	BestFitness    float64
	AverageFitness float64
	BestValues     map[string]any
}

// ResultAggregator reports the outcome of a batch once all of its tasks have
// completed.
type ResultAggregator interface {
	Aggregate(ctx context.Context, batchID string) (BatchSummary, error)
}

// MemoryAggregator folds task completions into per-batch summaries. It is the
// default aggregator when the runner reports fitness through task callbacks.
type MemoryAggregator struct {
	goodFitness float64

	mu      sync.Mutex
	batches map[string]*batchStats
}

type batchStats struct {
	count      int
	failed     int
	good       int
	sum        float64
	best       float64
	bestValues map[string]any
}

// NewMemoryAggregator creates an aggregator counting results at or above
// goodFitness as good.
func NewMemoryAggregator(goodFitness float64) *MemoryAggregator {
	return &MemoryAggregator{
		goodFitness: goodFitness,
		batches:     make(map[string]*batchStats),
	}
}

// Record adds one task completion.
func (a *MemoryAggregator) Record(task Task, result TaskResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.batches[task.BatchID]
	if !ok {
		b = &batchStats{}
		a.batches[task.BatchID] = b
	}
	if result.Err != nil {
		b.failed++
		return
	}
	if b.count == 0 || result.Fitness > b.best {
		b.best = result.Fitness
		b.bestValues = maps.Clone(task.Values)
	}
	b.count++
	b.sum += result.Fitness
	if result.Fitness >= a.goodFitness {
		b.good++
	}
}

// Aggregate implements ResultAggregator.
func (a *MemoryAggregator) Aggregate(_ context.Context, batchID string) (BatchSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.batches[batchID]
	if !ok {
		return BatchSummary{}, domain.NewNotFoundError("batch", batchID)
	}
	s := BatchSummary{
		BatchID:     batchID,
		Count:       b.count,
		Failed:      b.failed,
		GoodCount:   b.good,
		BestFitness: b.best,
		BestValues:  maps.Clone(b.bestValues),
	}
	if b.count > 0 {
		s.AverageFitness = b.sum / float64(b.count)
	}
	return s, nil
}
