// Package postgres provides the PostgreSQL node inventory.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/config"
)

// Used when the database section leaves them unset.
const (
	defaultMaxConns       = 4
	defaultConnectTimeout = 5 * time.Second
	healthCheckTimeout    = 3 * time.Second
)

// DB holds the connection pool of the node inventory.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB connects to the inventory database and verifies the nodes table is reachable.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	var nodes int
	if err := pool.QueryRow(connectCtx, `SELECT count(*) FROM nodes`).Scan(&nodes); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to query node inventory (run migrations first?): %w", err)
	}

	db := &DB{pool: pool, logger: logger.With(zap.String("component", "postgres"))}
	db.logger.Info("Connected to node inventory",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int("nodes", nodes),
	)
	return db, nil
}

// poolConfigFor builds the pgx pool configuration from the database section.
func poolConfigFor(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	poolConfig.MaxConns = defaultMaxConns
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) <= poolConfig.MaxConns {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolConfig, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("Node inventory connection closed")
}

// Health pings the database with a short deadline.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return db.pool.Ping(ctx)
}
