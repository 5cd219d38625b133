package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saltfish/paramsearch/internal/domain"
)

// memoryStateRepo implements StateRepository in memory. State is lost on
// restart.
type memoryStateRepo struct {
	mu     sync.RWMutex
	states map[string]*domain.PlanExecutionState
}

// NewMemoryStateRepository creates an in-memory execution state repository.
func NewMemoryStateRepository() StateRepository {
	return &memoryStateRepo{states: make(map[string]*domain.PlanExecutionState)}
}

func (r *memoryStateRepo) Save(_ context.Context, state *domain.PlanExecutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.PlanID] = state.Clone()
	return nil
}

func (r *memoryStateRepo) Load(_ context.Context, planID string) (*domain.PlanExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[planID]
	if !ok {
		return nil, domain.NewNotFoundError("plan state", planID)
	}
	return state.Clone(), nil
}

func (r *memoryStateRepo) Delete(_ context.Context, planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, planID)
	return nil
}

func (r *memoryStateRepo) List(_ context.Context) ([]*domain.PlanExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]*domain.PlanExecutionState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s.Summary())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

// memoryHistoryRepo implements JobHistoryRepository in memory.
type memoryHistoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewMemoryJobHistoryRepository creates an in-memory job history repository.
func NewMemoryJobHistoryRepository() JobHistoryRepository {
	return &memoryHistoryRepo{jobs: make(map[string]*domain.Job)}
}

func (r *memoryHistoryRepo) Record(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *memoryHistoryRepo) Completed(_ context.Context, since time.Time, limit int) ([]*domain.Job, error) {
	r.mu.RLock()
	var jobs []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobStatusCompleted && j.CompletedAt != nil && !j.CompletedAt.Before(since) {
			jobs = append(jobs, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CompletedAt.After(*jobs[b].CompletedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *memoryHistoryRepo) ByPlan(_ context.Context, planID string) ([]*domain.Job, error) {
	r.mu.RLock()
	var jobs []*domain.Job
	for _, j := range r.jobs {
		if j.PlanID == planID {
			jobs = append(jobs, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

func (r *memoryHistoryRepo) GetTopSymbols(_ context.Context, exchange string, limit int) ([]string, error) {
	type acc struct {
		sum float64
		n   int
	}
	r.mu.RLock()
	totals := make(map[string]*acc)
	for _, j := range r.jobs {
		if exchange != "" && j.Exchange != exchange {
			continue
		}
		fitness, ok := j.BestFitness()
		if !ok || j.Status != domain.JobStatusCompleted {
			continue
		}
		a, exists := totals[j.Symbol]
		if !exists {
			a = &acc{}
			totals[j.Symbol] = a
		}
		a.sum += fitness
		a.n++
	}
	r.mu.RUnlock()

	symbols := make([]string, 0, len(totals))
	for s := range totals {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(a, b int) bool {
		x, y := totals[symbols[a]], totals[symbols[b]]
		ax, ay := x.sum/float64(x.n), y.sum/float64(y.n)
		if ax != ay {
			return ax > ay
		}
		return symbols[a] < symbols[b]
	})
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols, nil
}
