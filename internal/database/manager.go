// Package database coordinates lightmine's optional storage backends.
// PostgreSQL keeps run history, Redis holds wallet locks and status, and
// InfluxDB receives attempt and outcome metrics. Each backend is enabled
// only when configured.
package database

import (
	"context"
	"time"

	"github.com/bardlex/lightmine/internal/api"
	"github.com/bardlex/lightmine/internal/database/influx"
	"github.com/bardlex/lightmine/internal/database/postgres"
	"github.com/bardlex/lightmine/internal/database/redis"
	"github.com/bardlex/lightmine/internal/miner"
	"github.com/bardlex/lightmine/pkg/circuit"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
	"github.com/bardlex/lightmine/pkg/retry"
)

const (
	// StatusTTL bounds how long a cached wallet status stays valid.
	StatusTTL = 48 * time.Hour
	// HistoryRetention is how long run rows are kept before pruning.
	HistoryRetention = 30 * 24 * time.Hour
	// ActivityWindow is how far back Activity sums InfluxDB outcomes.
	ActivityWindow = 24 * time.Hour
)

// countedStates are the terminal states kept in the daily Redis counters.
var countedStates = []miner.State{
	miner.StateNotEligible,
	miner.StateStarted,
	miner.StateActivated,
	miner.StateAborted,
}

// Manager coordinates the configured storage backends
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Runs *postgres.RunRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. A nil entry disables that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured backend. On failure, backends
// already opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	logger = logger.WithComponent("database")

	m := &Manager{
		logger: logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "storage",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		m.Postgres = pg
		if err := pg.Migrate(ctx); err != nil {
			m.closeQuietly()
			return nil, err
		}
		m.Runs = postgres.NewRunRepository(pg.DB())
		logger.Info("connected to PostgreSQL")
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			m.closeQuietly()
			return nil, err
		}
		m.Redis = rc
		logger.Info("connected to Redis")
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			m.closeQuietly()
			return nil, err
		}
		m.Influx = ic
		logger.Info("connected to InfluxDB", "bucket", cfg.Influx.Bucket)
	}

	return m, nil
}

// Enabled reports whether any backend is configured.
func (m *Manager) Enabled() bool {
	return m.Postgres != nil || m.Redis != nil || m.Influx != nil
}

func (m *Manager) closeQuietly() {
	if err := m.Close(); err != nil {
		m.logger.Warn("cleanup after failed connect", "error", err.Error())
	}
}

// Close closes all open connections
func (m *Manager) Close() error {
	var first error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			first = errors.Wrap(err, errors.ErrorTypeStorage, "postgres_close", "PostgreSQL close error")
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil && first == nil {
			first = errors.Wrap(err, errors.ErrorTypeStorage, "redis_close", "Redis close error")
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	return first
}

// Health checks the health of every open connection
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "PostgreSQL health check failed")
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "Redis health check failed")
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "InfluxDB health check failed")
		}
	}

	return nil
}

// Record stores an outcome across every backend. Only the PostgreSQL write
// can fail the call; metrics and cache updates are best effort.
func (m *Manager) Record(ctx context.Context, o miner.Outcome) error {
	if m.Influx != nil {
		m.Influx.WriteOutcome(outcomePoint(o))
	}

	if m.Redis != nil {
		m.updateStatus(ctx, o)
	}

	if m.Runs == nil {
		return nil
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if _, err := m.Runs.CreateRun(ctx, runInput(o)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "record_outcome",
					"failed to store run in PostgreSQL").
					WithContext("wallet", o.Wallet).
					WithContext("cycle", o.Cycle)
			}
			return nil
		})
	})
}

func (m *Manager) updateStatus(ctx context.Context, o miner.Outcome) {
	// A lock miss says nothing about the wallet itself.
	if o.State == miner.StateLocked {
		return
	}

	if err := m.Redis.SetWalletStatus(ctx, o.Wallet, walletStatus(o), StatusTTL); err != nil {
		m.logger.Warn("failed to cache wallet status", "wallet", o.Wallet, "error", err.Error())
	}

	key := redis.DailyCounterKey(o.State.String(), o.Finished)
	if _, err := m.Redis.IncrementCounter(ctx, key, StatusTTL); err != nil {
		m.logger.Warn("failed to increment outcome counter", "key", key, "error", err.Error())
	}
}

// ObserveAttempt writes a proxy attempt metric when InfluxDB is configured.
func (m *Manager) ObserveAttempt(_ context.Context, a api.Attempt) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteAttempt(attemptPoint(a, time.Now()))
}

// TryLock claims a wallet in Redis. Without Redis every lock succeeds.
func (m *Manager) TryLock(ctx context.Context, wallet string, ttl time.Duration) (bool, error) {
	if m.Redis == nil {
		return true, nil
	}
	return m.Redis.TryLock(ctx, wallet, ttl)
}

// Unlock releases a wallet lock taken with TryLock.
func (m *Manager) Unlock(ctx context.Context, wallet string) error {
	if m.Redis == nil {
		return nil
	}
	return m.Redis.Unlock(ctx, wallet)
}

// WalletReport combines stored history with the cached status.
type WalletReport struct {
	Summary *postgres.WalletSummary
	Status  *redis.WalletStatus
}

// Report gathers what the backends know about a wallet. Missing backends
// leave their part nil.
func (m *Manager) Report(ctx context.Context, wallet string) (*WalletReport, error) {
	report := &WalletReport{}

	if m.Runs != nil {
		summary, err := m.Runs.GetWalletSummary(ctx, wallet)
		if err != nil {
			return nil, err
		}
		report.Summary = summary
	}

	if m.Redis != nil {
		status, err := m.Redis.GetWalletStatus(ctx, wallet)
		if err != nil {
			return nil, err
		}
		report.Status = status
	}

	return report, nil
}

// Activity holds outcome counts per state.
type Activity struct {
	// Today comes from the Redis daily counters for the UTC day.
	Today map[string]int64
	// Recent sums InfluxDB outcomes over ActivityWindow.
	Recent map[string]int64
}

// Activity reads outcome counts from Redis and InfluxDB. Missing backends
// leave their part nil.
func (m *Manager) Activity(ctx context.Context, now time.Time) (*Activity, error) {
	activity := &Activity{}

	if m.Redis != nil {
		activity.Today = make(map[string]int64, len(countedStates))
		for _, state := range countedStates {
			n, err := m.Redis.GetCounter(ctx, redis.DailyCounterKey(state.String(), now))
			if err != nil {
				return nil, err
			}
			activity.Today[state.String()] = n
		}
	}

	if m.Influx != nil {
		recent, err := m.Influx.GetOutcomeCounts(ctx, ActivityWindow)
		if err != nil {
			return nil, err
		}
		activity.Recent = recent
	}

	return activity, nil
}

// StartPeriodicTasks starts background maintenance until ctx is done
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx != nil {
		// Flush InfluxDB writes every 10 seconds
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()

		go func() {
			errs := m.Influx.Errors()
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-errs:
					if !ok {
						return
					}
					m.logger.Warn("InfluxDB write failed", "error", err.Error())
				}
			}
		}()
	}

	if m.Runs != nil {
		// Prune old run history once a day
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := m.Runs.DeleteOlderThan(ctx, time.Now().Add(-HistoryRetention))
					if err != nil {
						m.logger.Warn("failed to prune run history", "error", err.Error())
						continue
					}
					m.logger.Debug("pruned run history", "rows", n)
				}
			}
		}()
	}
}

func runInput(o miner.Outcome) postgres.RunInput {
	in := postgres.RunInput{
		Cycle:        o.Cycle,
		Wallet:       o.Wallet,
		State:        o.State.String(),
		LastMinedAt:  o.LastMined,
		NextEligible: o.NextEligible,
		TxHash:       o.TxHash,
		StartedAt:    o.Started,
		FinishedAt:   o.Finished,
	}
	if o.State == miner.StateAborted {
		in.AbortedAt = o.AbortedAt.String()
	}
	if o.Err != nil {
		in.Error = o.Err.Error()
	}
	return in
}

func outcomePoint(o miner.Outcome) influx.OutcomePoint {
	p := influx.OutcomePoint{
		Wallet:    o.Wallet,
		State:     o.State.String(),
		Cycle:     o.Cycle,
		Duration:  o.Duration(),
		Activated: o.State == miner.StateActivated,
		Time:      o.Finished,
	}
	if o.State == miner.StateAborted {
		p.AbortedAt = o.AbortedAt.String()
	}
	return p
}

func attemptPoint(a api.Attempt, now time.Time) influx.AttemptPoint {
	return influx.AttemptPoint{
		Method:     a.Method,
		Path:       a.Path,
		Proxy:      a.Proxy,
		Number:     a.Number,
		StatusCode: a.StatusCode,
		Duration:   a.Duration,
		Success:    a.Err == nil,
		Time:       now,
	}
}

func walletStatus(o miner.Outcome) *redis.WalletStatus {
	return &redis.WalletStatus{
		State:        o.State.String(),
		Cycle:        o.Cycle,
		LastMined:    o.LastMined,
		NextEligible: o.NextEligible,
		TxHash:       o.TxHash,
		UpdatedAt:    o.Finished,
	}
}
