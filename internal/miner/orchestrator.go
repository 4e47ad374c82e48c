// Package miner drives each wallet through login, eligibility checks, mining
// start and on-chain activation, once per cycle.
package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/lightmine/internal/api"
	"github.com/bardlex/lightmine/internal/auth"
	"github.com/bardlex/lightmine/internal/chain"
	"github.com/bardlex/lightmine/internal/wallet"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

// SessionService is the API surface the orchestrator drives. *auth.Service implements it.
type SessionService interface {
	GetNonce(ctx context.Context, address string) (string, error)
	Sign(nonce string, w wallet.Wallet) (string, error)
	Login(ctx context.Context, address, nonce, signature string) (*auth.Session, error)
	GetUser(ctx context.Context, token string) (*auth.UserInfo, error)
	GetMinerStatus(ctx context.Context, token string) (*auth.MinerStatus, error)
	StartMining(ctx context.Context, token string) (*api.Envelope, error)
}

// Config holds orchestrator settings.
type Config struct {
	Workers  int
	Interval time.Duration
	LockTTL  time.Duration
	Now      func() time.Time
}

// DefaultConfig returns sequential processing on an hourly cycle.
func DefaultConfig() *Config {
	return &Config{
		Workers:  1,
		Interval: time.Hour,
		LockTTL:  30 * time.Minute,
		Now:      time.Now,
	}
}

// Orchestrator runs the per-wallet state machine.
type Orchestrator struct {
	sessions  SessionService
	activator chain.Activator
	recorder  Recorder
	locker    Locker
	cfg       *Config
	logger    *log.Logger

	cycle atomic.Int64
}

// New creates an orchestrator. A nil activator disables on-chain activation.
func New(sessions SessionService, activator chain.Activator, cfg *Config, logger *log.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &Orchestrator{
		sessions:  sessions,
		activator: activator,
		cfg:       cfg,
		logger:    logger.WithComponent("miner"),
	}
}

// SetRecorder installs the outcome sink.
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// SetLocker installs a cross-instance wallet lock.
func (o *Orchestrator) SetLocker(l Locker) {
	o.locker = l
}

// ProcessWallet runs one wallet through a full pass and returns its outcome.
// Errors never escape; they end up in Outcome.Err.
func (o *Orchestrator) ProcessWallet(ctx context.Context, w wallet.Wallet) Outcome {
	logger := o.logger.WithContext(ctx).WithWallet(w.Address)

	out := Outcome{
		Wallet:  w.Address,
		State:   StateNonceRequested,
		Started: o.cfg.Now(),
	}
	if cycle, ok := ctx.Value(log.CycleIDKey).(int64); ok {
		out.Cycle = cycle
	}

	if o.locker != nil {
		locked, err := o.locker.TryLock(ctx, w.Address, o.cfg.LockTTL)
		switch {
		case err != nil:
			logger.Warn("wallet lock unavailable, continuing unlocked", "error", err.Error())
		case !locked:
			out.State = StateLocked
			return o.finish(ctx, out)
		default:
			defer func() {
				if err := o.locker.Unlock(context.WithoutCancel(ctx), w.Address); err != nil {
					logger.Warn("failed to release wallet lock", "error", err.Error())
				}
			}()
		}
	}

	out = o.run(ctx, logger, w, out)
	return o.finish(ctx, out)
}

func (o *Orchestrator) run(ctx context.Context, logger *log.Logger, w wallet.Wallet, out Outcome) Outcome {
	abort := func(err error) Outcome {
		out.AbortedAt = out.State
		out.State = StateAborted
		out.Err = err
		return out
	}

	nonce, err := o.sessions.GetNonce(ctx, w.Address)
	if err != nil {
		return abort(err)
	}

	signature, err := o.sessions.Sign(nonce, w)
	if err != nil {
		return abort(err)
	}
	out.State = StateSigned

	session, err := o.sessions.Login(ctx, w.Address, nonce, signature)
	if err != nil {
		return abort(err)
	}
	out.State = StateLoggedIn
	logger.Info("logged in")

	user, err := o.sessions.GetUser(ctx, session.Token)
	if err != nil {
		return abort(err)
	}
	logger.Info("user info",
		"user_id", user.UserID,
		"tw_name", user.TwName,
		"total_reward", user.TotalReward,
	)
	if user.TwName == "" {
		logger.Warn("no linked social account, skipping wallet")
		return abort(errors.New(errors.ErrorTypeApplication, "check_user",
			"account has no linked social identity"))
	}
	out.State = StateUserChecked

	status, err := o.sessions.GetMinerStatus(ctx, session.Token)
	if err != nil {
		return abort(err)
	}
	out.State = StateStatusChecked
	out.LastMined = status.LastMined()
	out.NextEligible = status.NextEligible()
	logger.Info("last mining time", "last_mined", out.LastMined.UTC().Format(time.RFC3339))

	if !status.EligibleAt(o.cfg.Now()) {
		out.State = StateNotEligible
		logger.Warn("mining already started", "next_eligible", out.NextEligible.UTC().Format(time.RFC3339))
		return out
	}
	out.State = StateEligible

	if _, err := o.sessions.StartMining(ctx, session.Token); err != nil {
		return abort(err)
	}
	out.State = StateStarted
	out.NextEligible = o.cfg.Now().Add(auth.MiningInterval)
	logger.Info("mining started")

	if o.activator == nil {
		return out
	}

	txHash, err := o.activator.Activate(ctx, w.PrivateKey)
	out.TxHash = txHash
	if err != nil {
		// Non-fatal: the API start already went through.
		out.Err = err
		logger.Warn("activation failed: already started today or insufficient balance", "error", err.Error())
		return out
	}
	out.State = StateActivated
	return out
}

func (o *Orchestrator) finish(ctx context.Context, out Outcome) Outcome {
	out.Finished = o.cfg.Now()
	logger := o.logger.WithContext(ctx)
	logger.LogOutcome(out.Wallet, out.State.String(), out.NextEligible, out.TxHash, out.Err)

	if o.recorder != nil {
		if err := o.recorder.Record(context.WithoutCancel(ctx), out); err != nil {
			logger.Warn("failed to record outcome", "wallet", out.Wallet, "error", err.Error())
		}
	}
	return out
}

// RunCycle processes every wallet once and returns the outcomes of the
// wallets that were reached before ctx was cancelled, in input order.
func (o *Orchestrator) RunCycle(ctx context.Context, wallets []wallet.Wallet) []Outcome {
	cycle := o.cycle.Add(1)
	ctx = context.WithValue(ctx, log.CycleIDKey, cycle)
	logger := o.logger.WithContext(ctx)

	logger.Info("starting cycle", "wallets", len(wallets), "workers", o.cfg.Workers)
	start := time.Now()

	results := make([]Outcome, len(wallets))
	done := make([]bool, len(wallets))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w, workers := 0, min(o.cfg.Workers, max(len(wallets), 1)); w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.ProcessWallet(ctx, wallets[idx])
				done[idx] = true
			}
		}()
	}

feed:
	for i := range wallets {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	outcomes := make([]Outcome, 0, len(wallets))
	counts := make(map[string]int)
	for i, ok := range done {
		if ok {
			outcomes = append(outcomes, results[i])
			counts[results[i].State.String()]++
		}
	}

	logger.Info("cycle complete",
		"processed", len(outcomes),
		"states", counts,
		"duration_ms", float64(time.Since(start).Nanoseconds())/1e6,
	)
	return outcomes
}

// Run repeats RunCycle until ctx is cancelled, pacing cycles with s.
func (o *Orchestrator) Run(ctx context.Context, wallets []wallet.Wallet, s *Scheduler) error {
	if s == nil {
		s = NewScheduler(o.cfg.Interval, o.cfg.Now)
	}

	for {
		o.RunCycle(ctx, wallets)
		if err := ctx.Err(); err != nil {
			return err
		}

		o.logger.Info("cycle finished, cooling down",
			"interval", s.Interval.String(),
			"next_cycle", s.Next().UTC().Format(time.RFC3339),
		)
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
}

// Cycles returns the number of cycles started.
func (o *Orchestrator) Cycles() int64 {
	return o.cycle.Load()
}
