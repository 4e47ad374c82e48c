package miner

import (
	"context"
	"time"
)

// Scheduler paces cycles.
type Scheduler struct {
	Interval time.Duration
	Now      func() time.Time
}

// NewScheduler returns a scheduler. A nil clock uses time.Now.
func NewScheduler(interval time.Duration, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{Interval: interval, Now: now}
}

// Next is when the following cycle starts if Wait is called now.
func (s *Scheduler) Next() time.Time {
	return s.Now().Add(s.Interval)
}

// Wait blocks for one interval or until ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	if s.Interval <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
