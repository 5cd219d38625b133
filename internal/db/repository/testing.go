package repository

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/db"
)

// setupTestDB connects to TEST_DATABASE_URL (or DATABASE_URL) and prepares the
// schema. The test is skipped when neither is set.
func setupTestDB(t *testing.T) *db.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set, skipping integration test")
	}

	pool, err := db.Connect(context.Background(), url, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	return pool
}

// truncateTables empties tables so each test starts clean.
func truncateTables(t *testing.T, pool *db.Pool, tables ...string) {
	t.Helper()

	for _, table := range tables {
		if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+table); err != nil {
			t.Logf("warning: failed to truncate table %s: %v", table, err)
		}
	}
}
