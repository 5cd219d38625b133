// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"time"

	"github.com/saltfish/paramsearch/internal/db"
	"github.com/saltfish/paramsearch/internal/domain"
)

// StateRepository persists plan execution state snapshots so plans can be
// resumed after a restart.
type StateRepository interface {
	// Save stores the snapshot, replacing any previous one of the plan.
	Save(ctx context.Context, state *domain.PlanExecutionState) error

	// Load retrieves the snapshot of a plan. A missing snapshot is a
	// domain.NotFoundError.
	Load(ctx context.Context, planID string) (*domain.PlanExecutionState, error)

	// Delete removes the snapshot of a plan. Deleting a missing snapshot is
	// not an error.
	Delete(ctx context.Context, planID string) error

	// List retrieves the summaries of every stored snapshot.
	List(ctx context.Context) ([]*domain.PlanExecutionState, error)
}

// JobHistoryRepository keeps finished jobs across plan runs. Completed jobs
// feed the promise scorer.
type JobHistoryRepository interface {
	// Record upserts a finished job.
	Record(ctx context.Context, job *domain.Job) error

	// Completed retrieves completed jobs finished at or after since, newest
	// first. A non-positive limit means no limit.
	Completed(ctx context.Context, since time.Time, limit int) ([]*domain.Job, error)

	// ByPlan retrieves every recorded job of a plan.
	ByPlan(ctx context.Context, planID string) ([]*domain.Job, error)

	// GetTopSymbols ranks the symbols of completed jobs on exchange by their
	// average best fitness, best first. An empty exchange matches every job.
	GetTopSymbols(ctx context.Context, exchange string, limit int) ([]string, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	State   StateRepository
	History JobHistoryRepository
}

// NewRepositories creates a new Repositories instance with all PostgreSQL implementations.
func NewRepositories(pool *db.Pool) *Repositories {
	return &Repositories{
		State:   NewStateRepository(pool),
		History: NewJobHistoryRepository(pool),
	}
}
