// Package scheduler decides when the monitor's cycle runs. The cycle itself
// is a plain Task, so it stays callable without any scheduler.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Task is one unit of scheduled work. A returned error is logged and the
// schedule continues.
type Task func(ctx context.Context) error

// Scheduler runs a task until ctx is cancelled.
type Scheduler interface {
	Run(ctx context.Context, task Task) error
}

// Aligned runs the task at every multiple of Every (counted from the Unix
// epoch) plus Delay, e.g. hh:00:30, hh:15:30 for a 15m period with a 30s
// delay. It re-checks the wall clock at least every MaxSleep so a
// suspended host or clock step does not push a run far past its slot.
type Aligned struct {
	Every    time.Duration
	Delay    time.Duration
	MaxSleep time.Duration

	// RunAtStart runs the task once before waiting for the first slot.
	RunAtStart bool

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewAligned returns an Aligned scheduler with MaxSleep of two minutes.
func NewAligned(every, delay time.Duration) *Aligned {
	return &Aligned{Every: every, Delay: delay, MaxSleep: 2 * time.Minute}
}

// NextRun returns the first slot strictly after now.
func (a *Aligned) NextRun(now time.Time) time.Time {
	every := a.Every
	if every <= 0 {
		every = 15 * time.Minute
	}
	return now.Add(-a.Delay).Truncate(every).Add(every).Add(a.Delay)
}

func (a *Aligned) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (a *Aligned) Run(ctx context.Context, task Task) error {
	if a.RunAtStart {
		runTask(ctx, task)
	}
	maxSleep := a.MaxSleep
	if maxSleep <= 0 {
		maxSleep = 2 * time.Minute
	}
	next := a.NextRun(a.now())
	slog.Info("scheduler waiting for first slot", "next_run", next)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		wait := next.Sub(a.now())
		if wait <= 0 {
			runTask(ctx, task)
			next = a.NextRun(a.now())
			continue
		}
		if wait > maxSleep {
			wait = maxSleep
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Interval runs the task immediately and then every Period.
type Interval struct {
	Period time.Duration
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (i *Interval) Run(ctx context.Context, task Task) error {
	runTask(ctx, task)
	ticker := time.NewTicker(i.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runTask(ctx, task)
		}
	}
}

func runTask(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("scheduled task failed", "error", err, "elapsed", time.Since(start))
	}
}
