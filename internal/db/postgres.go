// Package db manages the PostgreSQL pool shared by the state and history
// repositories.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/config"
)

const connectTimeout = 10 * time.Second

// Pool is a pgx connection pool.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool connects with the settings of cfg and verifies the connection.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		poolConfig.MinConns = int32(min(cfg.MaxIdleConnections, int(poolConfig.MaxConns)))
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := open(ctx, poolConfig, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connection pool created",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_connections", poolConfig.MaxConns),
	)
	return pool, nil
}

// Connect opens a pool from a connection URL such as DATABASE_URL.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pool, err := open(ctx, poolConfig, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connection pool created",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
	)
	return pool, nil
}

func open(ctx context.Context, poolConfig *pgxpool.Config, logger *zap.Logger) (*Pool, error) {
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Pool{Pool: pool, logger: logger}, nil
}

// Close closes every connection of the pool.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("Database connection pool closed")
}

// Stats returns pool statistics for the metrics endpoint.
func (p *Pool) Stats() *pgxpool.Stat {
	return p.Pool.Stat()
}
