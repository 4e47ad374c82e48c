package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/lightmine/pkg/errors"
)

// RunRepository handles mining run history
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// RunInput carries the values written for one run.
type RunInput struct {
	Cycle        int64
	Wallet       string
	State        string
	AbortedAt    string
	LastMinedAt  time.Time
	NextEligible time.Time
	TxHash       string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// CreateRun inserts a run and returns its ID
func (r *RunRepository) CreateRun(ctx context.Context, in RunInput) (int64, error) {
	query := `
		INSERT INTO mining_runs (cycle, wallet, state, aborted_at, last_mined_at, next_eligible_at,
		                         tx_hash, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		in.Cycle, in.Wallet, in.State, nullString(in.AbortedAt),
		nullTime(in.LastMinedAt), nullTime(in.NextEligible),
		nullString(in.TxHash), nullString(in.Error),
		in.StartedAt, in.FinishedAt,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "create_run", "failed to insert mining run").
			WithContext("wallet", in.Wallet)
	}

	return id, nil
}

// GetRecentRuns returns a wallet's latest runs, newest first
func (r *RunRepository) GetRecentRuns(ctx context.Context, wallet string, limit int) ([]*MiningRun, error) {
	query := `
		SELECT id, cycle, wallet, state, aborted_at, last_mined_at, next_eligible_at,
		       tx_hash, error, started_at, finished_at
		FROM mining_runs
		WHERE wallet = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, wallet, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "get_recent_runs", "failed to query runs")
	}
	defer func() { _ = rows.Close() }()

	var runs []*MiningRun
	for rows.Next() {
		run := &MiningRun{}
		if err := rows.Scan(
			&run.ID, &run.Cycle, &run.Wallet, &run.State, &run.AbortedAt,
			&run.LastMinedAt, &run.NextEligibleAt, &run.TxHash, &run.Error,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "get_recent_runs", "failed to scan run")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "get_recent_runs", "failed to read runs")
	}

	return runs, nil
}

// GetWalletSummary aggregates a wallet's history
func (r *RunRepository) GetWalletSummary(ctx context.Context, wallet string) (*WalletSummary, error) {
	query := `
		SELECT $1::text,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE state IN ('started', 'activated')),
		       COUNT(*) FILTER (WHERE state = 'activated'),
		       COUNT(*) FILTER (WHERE state = 'aborted'),
		       MAX(started_at) FILTER (WHERE state IN ('started', 'activated'))
		FROM mining_runs
		WHERE wallet = $1`

	s := &WalletSummary{}
	err := r.db.QueryRowContext(ctx, query, wallet).Scan(
		&s.Wallet, &s.Runs, &s.Started, &s.Activated, &s.Aborted, &s.LastStartedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "get_wallet_summary", "failed to summarize runs").
			WithContext("wallet", wallet)
	}

	return s, nil
}

// DeleteOlderThan prunes history older than cutoff and returns the number of rows removed
func (r *RunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mining_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "prune_runs", "failed to prune runs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
