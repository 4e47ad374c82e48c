package miner

import (
	"context"
	"time"

	"github.com/bardlex/lightmine/pkg/log"
)

// State is the step a wallet reached in one cycle.
type State int

const (
	// StateNonceRequested means the wallet has not yet signed in.
	StateNonceRequested State = iota
	// StateSigned means the nonce was signed.
	StateSigned
	// StateLoggedIn means a session token was issued.
	StateLoggedIn
	// StateUserChecked means the account has a linked social identity.
	StateUserChecked
	// StateStatusChecked means the last mining time was read.
	StateStatusChecked
	// StateEligible means the 24h window has passed.
	StateEligible
	// StateNotEligible means mining already ran within the window.
	StateNotEligible
	// StateStarted means the API accepted the mining start.
	StateStarted
	// StateActivated means the on-chain activation was mined.
	StateActivated
	// StateAborted means the wallet was skipped for this cycle.
	StateAborted
	// StateLocked means another instance is processing the wallet.
	StateLocked
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateNonceRequested:
		return "nonce_requested"
	case StateSigned:
		return "signed"
	case StateLoggedIn:
		return "logged_in"
	case StateUserChecked:
		return "user_checked"
	case StateStatusChecked:
		return "status_checked"
	case StateEligible:
		return "eligible"
	case StateNotEligible:
		return "not_eligible"
	case StateStarted:
		return "started"
	case StateActivated:
		return "activated"
	case StateAborted:
		return "aborted"
	case StateLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further steps follow s in the same cycle.
func (s State) Terminal() bool {
	switch s {
	case StateNotEligible, StateStarted, StateActivated, StateAborted, StateLocked:
		return true
	default:
		return false
	}
}

// Outcome is the result of one wallet's pass through a cycle. For aborted
// passes AbortedAt holds the last state reached before the abort.
type Outcome struct {
	Cycle        int64
	Wallet       string
	State        State
	AbortedAt    State
	LastMined    time.Time
	NextEligible time.Time
	TxHash       string
	Err          error
	Started      time.Time
	Finished     time.Time
}

// Duration is the wall time the pass took.
func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Recorder persists or publishes outcomes. Failures are logged, never fatal.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Locker keeps two daemons from driving the same wallet at once.
type Locker interface {
	TryLock(ctx context.Context, wallet string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, wallet string) error
}

// MultiRecorder fans an outcome out to several recorders.
type MultiRecorder struct {
	recorders []Recorder
	logger    *log.Logger
}

// NewMultiRecorder drops nil entries.
func NewMultiRecorder(logger *log.Logger, recorders ...Recorder) *MultiRecorder {
	m := &MultiRecorder{logger: logger}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

// Record sends o to every recorder and returns the first error seen.
func (m *MultiRecorder) Record(ctx context.Context, o Outcome) error {
	var first error
	for _, r := range m.recorders {
		if err := r.Record(ctx, o); err != nil {
			m.logger.Warn("outcome recorder failed", "wallet", o.Wallet, "error", err.Error())
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Len returns the number of recorders.
func (m *MultiRecorder) Len() int {
	return len(m.recorders)
}
