package db

import (
	"context"
	"fmt"
)

// schema creates the execution-state and job-history tables.
const schema = `
CREATE TABLE IF NOT EXISTS plan_states (
	plan_id     TEXT PRIMARY KEY,
	plan_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	state       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_history (
	id              TEXT PRIMARY KEY,
	plan_id         TEXT NOT NULL,
	parent_job_id   TEXT,
	bot             TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	timeframe       TEXT NOT NULL,
	date_range      JSONB NOT NULL,
	tier            TEXT NOT NULL,
	max_backtests   INTEGER NOT NULL,
	priority        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	error_message   TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_job_history_completed_at ON job_history (completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_history_plan_id ON job_history (plan_id);
`

// EnsureSchema creates the tables used by the repositories if missing.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	p.logger.Info("Database schema ensured")
	return nil
}
