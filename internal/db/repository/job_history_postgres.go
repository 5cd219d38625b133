package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/saltfish/paramsearch/internal/db"
	"github.com/saltfish/paramsearch/internal/domain"
)

// jobHistoryRepo implements JobHistoryRepository using PostgreSQL.
type jobHistoryRepo struct {
	pool *db.Pool
}

// NewJobHistoryRepository creates a new PostgreSQL job history repository.
func NewJobHistoryRepository(pool *db.Pool) JobHistoryRepository {
	return &jobHistoryRepo{pool: pool}
}

const jobHistoryColumns = `
	id, plan_id, parent_job_id, bot, exchange, symbol, timeframe, date_range,
	tier, max_backtests, priority, status, error_message, retry_count, result,
	created_at, started_at, completed_at
`

// Record upserts a finished job.
func (r *jobHistoryRepo) Record(ctx context.Context, job *domain.Job) error {
	dateRangeJSON, err := json.Marshal(job.DateRange)
	if err != nil {
		return fmt.Errorf("failed to marshal date range: %w", err)
	}
	var resultJSON []byte
	if job.Result != nil {
		if resultJSON, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		INSERT INTO job_history (` + jobHistoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.PlanID,
		nullString(job.ParentJobID),
		job.Bot,
		job.Exchange,
		job.Symbol,
		job.Timeframe,
		dateRangeJSON,
		job.Tier.String(),
		job.MaxBacktests,
		job.Priority,
		job.Status.String(),
		nullString(job.Error),
		job.RetryCount,
		resultJSON,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}

	return nil
}

// Completed retrieves completed jobs finished at or after since, newest first.
func (r *jobHistoryRepo) Completed(ctx context.Context, since time.Time, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobHistoryColumns + `
		FROM job_history
		WHERE status = $1 AND completed_at >= $2
		ORDER BY completed_at DESC`
	args := []any{domain.JobStatusCompleted.String(), since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed jobs: %w", err)
	}
	return scanJobs(rows)
}

// ByPlan retrieves every recorded job of a plan.
func (r *jobHistoryRepo) ByPlan(ctx context.Context, planID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobHistoryColumns + `
		FROM job_history
		WHERE plan_id = $1
		ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan jobs: %w", err)
	}
	return scanJobs(rows)
}

// GetTopSymbols ranks symbols by average best fitness of completed jobs.
func (r *jobHistoryRepo) GetTopSymbols(ctx context.Context, exchange string, limit int) ([]string, error) {
	query := `
		SELECT symbol
		FROM job_history
		WHERE status = $1
			AND result IS NOT NULL
			AND ($2 = '' OR exchange = $2)
		GROUP BY symbol
		ORDER BY AVG((result->>'best_fitness')::DOUBLE PRECISION) DESC, symbol`
	args := []any{domain.JobStatusCompleted.String(), exchange}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan ranked symbols: %w", err)
	}
	return symbols, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	job := &domain.Job{}
	var (
		parentID, errMsg   *string
		dateRangeJSON      []byte
		resultJSON         []byte
		tierStr, statusStr string
	)

	err := row.Scan(
		&job.ID,
		&job.PlanID,
		&parentID,
		&job.Bot,
		&job.Exchange,
		&job.Symbol,
		&job.Timeframe,
		&dateRangeJSON,
		&tierStr,
		&job.MaxBacktests,
		&job.Priority,
		&statusStr,
		&errMsg,
		&job.RetryCount,
		&resultJSON,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Tier = domain.ResolutionTierFromString(tierStr)
	job.Status = domain.JobStatusFromString(statusStr)
	if parentID != nil {
		job.ParentJobID = *parentID
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	if err := json.Unmarshal(dateRangeJSON, &job.DateRange); err != nil {
		return nil, fmt.Errorf("failed to unmarshal date range: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &domain.JobResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
