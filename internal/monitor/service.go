// Package monitor runs the poll cycle: refresh every symbol's aggregated
// history, then check streaks, breakout levels, hourly volume and the
// whale feed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"coin-monitor/internal/alert"
	"coin-monitor/internal/marketdata/tfbuilder"
	"coin-monitor/internal/metrics"
	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/scheduler"
	"coin-monitor/internal/signals/streak"
	"coin-monitor/internal/signals/volume"
	"coin-monitor/internal/signals/whale"
)

const (
	DefaultWorkers       = 8
	DefaultSymbolTimeout = 20 * time.Second
)

// Notifier delivers a free-form message. *notification.Dispatcher
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) bool
}

// Options tunes a Service.
type Options struct {
	AlertTF       int // timeframe whose streak drives alerts
	MinStreak     int
	Rule          streak.Rule
	Workers       int           // concurrent symbol refreshes; 0 = DefaultWorkers
	SymbolTimeout time.Duration // per-symbol refresh budget; 0 = DefaultSymbolTimeout
	Skip          []string
	Volume        volume.Config
	Location      *time.Location // digest timestamps
}

// Deps are the collaborators of a Service. Optional fields may be nil.
type Deps struct {
	Source   model.RawBarSource
	Builders []*tfbuilder.Builder // one per enabled timeframe, AlertTF included
	Hourly   *tfbuilder.Builder   // optional, enables the volume digest
	Tracker  *alert.Tracker
	Levels   model.AlertLevelStore // optional
	Board    model.StreakPublisher // optional
	Notifier Notifier              // optional, receives the volume digest
	Whale    *whale.Watcher        // optional, polls the whale feed once per cycle
	Metrics  *metrics.Metrics      // optional
}

// Report summarizes one cycle.
type Report struct {
	Symbols  int
	NewBars  int
	Alerts   int
	Skipped  int // symbols owned by another process this cycle
	Errors   int
	Duration time.Duration
}

// Service is the top-level orchestrator of a monitoring cycle.
type Service struct {
	opts  Options
	deps  Deps
	alert *tfbuilder.Builder
	skip  map[string]bool
	prom  *metrics.Metrics

	reporter volume.Reporter

	// Now is the clock used for cycle trace IDs and timing.
	Now func() time.Time

	// OnCycle is called after every scheduled cycle (optional).
	OnCycle func(rep Report, err error)
}

// New validates opts and deps and creates a Service.
func New(opts Options, deps Deps) (*Service, error) {
	if deps.Source == nil || deps.Tracker == nil {
		return nil, errors.New("monitor: source and tracker are required")
	}
	var alertB *tfbuilder.Builder
	for _, b := range deps.Builders {
		if b.TF() == opts.AlertTF {
			alertB = b
		}
	}
	if alertB == nil {
		return nil, fmt.Errorf("monitor: no builder for alert timeframe %ds", opts.AlertTF)
	}
	if opts.MinStreak < 1 {
		opts.MinStreak = 1
	}
	if opts.Rule == "" {
		opts.Rule = streak.DefaultRule
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SymbolTimeout <= 0 {
		opts.SymbolTimeout = DefaultSymbolTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	skip := make(map[string]bool, len(opts.Skip))
	for _, s := range opts.Skip {
		skip[s] = true
	}
	return &Service{
		opts:  opts,
		deps:  deps,
		alert: alertB,
		skip:  skip,
		prom:  deps.Metrics,
		Now:   time.Now,
	}, nil
}

// Run executes RunCycle on every tick of sched until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched scheduler.Scheduler) error {
	log.Printf("[monitor] starting: alert tf=%ds min streak=%d rule=%s workers=%d",
		s.opts.AlertTF, s.opts.MinStreak, s.opts.Rule, s.opts.Workers)
	return sched.Run(ctx, func(ctx context.Context) error {
		rep, err := s.RunCycle(ctx)
		if s.OnCycle != nil {
			s.OnCycle(rep, err)
		}
		return err
	})
}

// symbols lists the raw source minus the skip list, sorted.
func (s *Service) symbols(ctx context.Context) ([]string, error) {
	all, err := s.deps.Source.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, sym := range all {
		if !s.skip[sym] {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) countError(stage string) {
	if s.prom != nil {
		s.prom.SymbolErrorsTotal.WithLabelValues(stage).Inc()
	}
}
