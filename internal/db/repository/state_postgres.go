package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/saltfish/paramsearch/internal/db"
	"github.com/saltfish/paramsearch/internal/domain"
)

// stateRepo implements StateRepository using PostgreSQL.
type stateRepo struct {
	pool *db.Pool
}

// NewStateRepository creates a new PostgreSQL execution state repository.
func NewStateRepository(pool *db.Pool) StateRepository {
	return &stateRepo{pool: pool}
}

// Save stores the snapshot, replacing any previous one of the plan.
func (r *stateRepo) Save(ctx context.Context, state *domain.PlanExecutionState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO plan_states (plan_id, plan_name, status, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plan_id) DO UPDATE SET
			plan_name = EXCLUDED.plan_name,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.pool.Exec(ctx, query,
		state.PlanID,
		state.PlanName,
		state.Status.String(),
		stateJSON,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan state: %w", err)
	}

	return nil
}

// Load retrieves the snapshot of a plan.
func (r *stateRepo) Load(ctx context.Context, planID string) (*domain.PlanExecutionState, error) {
	query := `SELECT state FROM plan_states WHERE plan_id = $1`

	var stateJSON []byte
	if err := r.pool.QueryRow(ctx, query, planID).Scan(&stateJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("plan state", planID)
		}
		return nil, fmt.Errorf("failed to load plan state: %w", err)
	}

	state := &domain.PlanExecutionState{}
	if err := json.Unmarshal(stateJSON, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan state: %w", err)
	}

	return state, nil
}

// Delete removes the snapshot of a plan.
func (r *stateRepo) Delete(ctx context.Context, planID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM plan_states WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("failed to delete plan state: %w", err)
	}
	return nil
}

// List retrieves the summaries of every stored snapshot.
func (r *stateRepo) List(ctx context.Context) ([]*domain.PlanExecutionState, error) {
	query := `SELECT state - 'jobs' FROM plan_states ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan states: %w", err)
	}
	defer rows.Close()

	var states []*domain.PlanExecutionState
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan plan state: %w", err)
		}
		state := &domain.PlanExecutionState{}
		if err := json.Unmarshal(stateJSON, state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan states: %w", err)
	}

	return states, nil
}
