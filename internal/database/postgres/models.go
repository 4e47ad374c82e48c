package postgres

import (
	"time"
)

// MiningRun is one wallet's pass through one cycle
type MiningRun struct {
	ID             int64      `db:"id"`
	Cycle          int64      `db:"cycle"`
	Wallet         string     `db:"wallet"`
	State          string     `db:"state"`
	AbortedAt      *string    `db:"aborted_at"`
	LastMinedAt    *time.Time `db:"last_mined_at"`
	NextEligibleAt *time.Time `db:"next_eligible_at"`
	TxHash         *string    `db:"tx_hash"`
	Error          *string    `db:"error"`
	StartedAt      time.Time  `db:"started_at"`
	FinishedAt     time.Time  `db:"finished_at"`
}

// WalletSummary aggregates a wallet's run history
type WalletSummary struct {
	Wallet        string     `db:"wallet"`
	Runs          int64      `db:"runs"`
	Started       int64      `db:"started"`
	Activated     int64      `db:"activated"`
	Aborted       int64      `db:"aborted"`
	LastStartedAt *time.Time `db:"last_started_at"`
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
