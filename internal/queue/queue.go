// Package queue holds the jobs of every active plan and hands pending jobs to
// workers atomically.
package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
)

// RankProvider supplies an externally ranked symbol list, best first. It is only
// used to break dequeue ties.
type RankProvider interface {
	GetTopSymbols(ctx context.Context, query string, limit int) ([]string, error)
}

// StatusChangedFunc is called after a job snapshot replaced one with a different
// status. prev is nil for newly enqueued jobs.
type StatusChangedFunc func(prev, next *domain.Job)

// Orderer returns candidates ordered most urgent first.
type Orderer func(candidates []*domain.Job) []*domain.Job

// maxDequeueAttempts bounds the selection retries of a single DequeueNext call
// when other workers keep winning the race.
const maxDequeueAttempts = 16

// Queue is a concurrent map from job ID to the latest job snapshot.
type Queue struct {
	jobs sync.Map // string -> *domain.Job

	rankMu sync.RWMutex
	ranks  map[string]int

	hookMu   sync.RWMutex
	onChange StatusChangedFunc

	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty queue.
func New(logger *zap.Logger) *Queue {
	return &Queue{
		ranks:  make(map[string]int),
		now:    time.Now,
		logger: logger,
	}
}

// OnStatusChanged registers the status change callback, replacing any previous
// one.
func (q *Queue) OnStatusChanged(fn StatusChangedFunc) {
	q.hookMu.Lock()
	q.onChange = fn
	q.hookMu.Unlock()
}

func (q *Queue) notify(prev, next *domain.Job) {
	if prev != nil && prev.Status == next.Status {
		return
	}
	q.hookMu.RLock()
	fn := q.onChange
	q.hookMu.RUnlock()
	if fn != nil {
		fn(prev, next)
	}
}

// SetSymbolRanks replaces the symbol rank table. Rank 0 is the best.
func (q *Queue) SetSymbolRanks(ranked []string) {
	ranks := make(map[string]int, len(ranked))
	for i, s := range ranked {
		if _, ok := ranks[s]; !ok {
			ranks[s] = i
		}
	}
	q.rankMu.Lock()
	q.ranks = ranks
	q.rankMu.Unlock()
}

// LoadSymbolRanks refreshes the rank table from provider. On error the previous
// table is kept.
func (q *Queue) LoadSymbolRanks(ctx context.Context, provider RankProvider, query string, limit int) error {
	ranked, err := provider.GetTopSymbols(ctx, query, limit)
	if err != nil {
		return fmt.Errorf("failed to load symbol ranks: %w", err)
	}
	q.SetSymbolRanks(ranked)
	q.logger.Debug("Loaded symbol ranks", zap.Int("symbols", len(ranked)))
	return nil
}

func (q *Queue) rank(symbol string) (int, bool) {
	q.rankMu.RLock()
	defer q.rankMu.RUnlock()
	r, ok := q.ranks[symbol]
	return r, ok
}

// Compare orders jobs for dequeue: priority ascending, timeframe duration
// descending, symbol rank ascending with unranked symbols last, then symbol and
// ID alphabetically.
func (q *Queue) Compare(a, b *domain.Job) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	da, db := domain.TimeframeDuration(a.Timeframe), domain.TimeframeDuration(b.Timeframe)
	if da != db {
		if da > db {
			return -1
		}
		return 1
	}
	ra, okA := q.rank(a.Symbol)
	rb, okB := q.rank(b.Symbol)
	switch {
	case okA && okB && ra != rb:
		return ra - rb
	case okA && !okB:
		return -1
	case !okA && okB:
		return 1
	}
	if c := strings.Compare(a.Symbol, b.Symbol); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Enqueue adds a job. It fails with domain.ErrConflict when the ID is taken.
func (q *Queue) Enqueue(job *domain.Job) error {
	if job == nil || job.ID == "" {
		return domain.NewConfigError("job", "job ID is required")
	}
	if _, loaded := q.jobs.LoadOrStore(job.ID, job); loaded {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrConflict)
	}
	q.notify(nil, job)
	return nil
}

// EnqueueAll adds jobs, skipping IDs already present. It returns how many were
// added.
func (q *Queue) EnqueueAll(jobs []*domain.Job) int {
	added := 0
	for _, j := range jobs {
		if err := q.Enqueue(j); err == nil {
			added++
		}
	}
	return added
}

// Get returns the current snapshot of a job.
func (q *Queue) Get(id string) (*domain.Job, bool) {
	v, ok := q.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*domain.Job), true
}

// Update replaces the snapshot of an existing job.
func (q *Queue) Update(job *domain.Job) error {
	v, ok := q.jobs.Load(job.ID)
	if !ok {
		return domain.NewNotFoundError("job", job.ID)
	}
	q.jobs.Store(job.ID, job)
	q.notify(v.(*domain.Job), job)
	return nil
}

// CompareAndSwap replaces old with next only if old is still the current
// snapshot.
func (q *Queue) CompareAndSwap(old, next *domain.Job) bool {
	if !q.jobs.CompareAndSwap(old.ID, old, next) {
		return false
	}
	q.notify(old, next)
	return true
}

// DequeueNext atomically moves the most urgent pending job of planID to
// Running and returns it. An empty planID considers every plan.
func (q *Queue) DequeueNext(planID string) (*domain.Job, bool) {
	return q.DequeueNextOrdered(planID, nil)
}

// DequeueNextOrdered is DequeueNext with a custom candidate order. A nil order
// uses Compare.
func (q *Queue) DequeueNextOrdered(planID string, order Orderer) (*domain.Job, bool) {
	for attempt := 0; attempt < maxDequeueAttempts; attempt++ {
		candidates := q.byStatus(planID, domain.JobStatusPending)
		if len(candidates) == 0 {
			return nil, false
		}
		if order != nil {
			candidates = order(candidates)
		} else {
			slices.SortFunc(candidates, q.Compare)
		}

		for _, c := range candidates {
			running, err := c.Start(q.now())
			if err != nil {
				continue
			}
			if q.jobs.CompareAndSwap(c.ID, c, running) {
				q.notify(c, running)
				return running, true
			}
		}
	}
	q.logger.Warn("Dequeue gave up after repeated contention", zap.String("plan_id", planID))
	return nil, false
}

func (q *Queue) byStatus(planID string, status domain.JobStatus) []*domain.Job {
	var out []*domain.Job
	q.jobs.Range(func(_, v any) bool {
		j := v.(*domain.Job)
		if (planID == "" || j.PlanID == planID) && j.Status == status {
			out = append(out, j)
		}
		return true
	})
	return out
}

// List returns the jobs of planID, or of every plan when planID is empty, in
// dequeue order.
func (q *Queue) List(planID string) []*domain.Job {
	var out []*domain.Job
	q.jobs.Range(func(_, v any) bool {
		j := v.(*domain.Job)
		if planID == "" || j.PlanID == planID {
			out = append(out, j)
		}
		return true
	})
	slices.SortFunc(out, q.Compare)
	return out
}

// ListByStatus returns the jobs of planID with the given status.
func (q *Queue) ListByStatus(planID string, status domain.JobStatus) []*domain.Job {
	out := q.byStatus(planID, status)
	slices.SortFunc(out, q.Compare)
	return out
}

// Counts returns the number of jobs of planID per status.
func (q *Queue) Counts(planID string) map[domain.JobStatus]int {
	counts := make(map[domain.JobStatus]int)
	q.jobs.Range(func(_, v any) bool {
		j := v.(*domain.Job)
		if planID == "" || j.PlanID == planID {
			counts[j.Status]++
		}
		return true
	})
	return counts
}

// RemovePlan drops every job of planID and returns how many were removed.
func (q *Queue) RemovePlan(planID string) int {
	removed := 0
	q.jobs.Range(func(k, v any) bool {
		if v.(*domain.Job).PlanID == planID {
			q.jobs.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of jobs across all plans.
func (q *Queue) Len() int {
	n := 0
	q.jobs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
