// Package postgres provides the PostgreSQL client and run-history storage for lightmine.
package postgres

import (
	"context"
	"database/sql"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings sized for a single daemon.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens and pings a PostgreSQL connection pool
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_open", "failed to open database")
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_ping", "failed to ping database")
	}

	return &Client{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS mining_runs (
	id               BIGSERIAL PRIMARY KEY,
	cycle            BIGINT      NOT NULL,
	wallet           TEXT        NOT NULL,
	state            TEXT        NOT NULL,
	aborted_at       TEXT,
	last_mined_at    TIMESTAMPTZ,
	next_eligible_at TIMESTAMPTZ,
	tx_hash          TEXT,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mining_runs_wallet_started_idx ON mining_runs (wallet, started_at DESC);
`

// Migrate creates the tables lightmine writes to.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "postgres_migrate", "failed to create schema")
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
