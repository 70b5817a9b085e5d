package monitor

import (
	"context"
	"errors"
	"fmt"

	"coin-monitor/internal/alert"
	"coin-monitor/internal/logger"
	"coin-monitor/internal/marketdata/tfbuilder"
	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/signals/streak"
	"coin-monitor/internal/signals/volume"

	"golang.org/x/sync/errgroup"
)

// symbolResult is the outcome of one symbol's refresh and checks.
type symbolResult struct {
	symbol  string
	owned   bool // this process held the alert timeframe lease
	newBars int
	alerts  int
	errs    int
	snaps   []model.StreakSnapshot
}

// RunCycle runs one full cycle. Failures on one symbol are logged, counted
// and skipped; only a failure to list symbols aborts the cycle.
func (s *Service) RunCycle(ctx context.Context) (Report, error) {
	start := s.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("cycle", start))
	lg := logger.FromContext(ctx)

	syms, err := s.symbols(ctx)
	if err != nil {
		lg.Error("list symbols failed", "error", err)
		return Report{}, fmt.Errorf("list symbols: %w", err)
	}

	levels := s.armedLevels(ctx)
	results := s.runSymbols(ctx, syms, levels)

	rep := Report{Symbols: len(syms)}
	var snaps []model.StreakSnapshot
	for _, r := range results {
		rep.NewBars += r.newBars
		rep.Alerts += r.alerts
		rep.Errors += r.errs
		if !r.owned {
			rep.Skipped++
		}
		snaps = append(snaps, r.snaps...)
	}

	if s.deps.Board != nil && len(snaps) > 0 {
		if err := s.deps.Board.PublishStreaks(ctx, snaps); err != nil {
			lg.Warn("publish streak board failed", "error", err)
			s.countError("publish")
			rep.Errors++
		}
	}

	if s.deps.Hourly != nil {
		rep.Alerts += s.volumeDigest(ctx, syms)
	}
	if s.deps.Whale != nil {
		n, errs := s.whaleAlerts(ctx)
		rep.Alerts += n
		rep.Errors += errs
	}

	rep.Duration = s.Now().Sub(start)
	if s.prom != nil {
		s.prom.ObserveCycle(rep.Duration, rep.Symbols)
	}
	lg.Info("cycle done",
		"symbols", rep.Symbols, "new_bars", rep.NewBars, "alerts", rep.Alerts,
		"skipped", rep.Skipped, "errors", rep.Errors, "duration", rep.Duration.String())
	return rep, nil
}

// runSymbols processes every symbol over a bounded pool. Each symbol is
// one task, so a symbol is never refreshed twice at once.
func (s *Service) runSymbols(ctx context.Context, syms []string, levels map[string]*model.AlertLevel) []symbolResult {
	results := make([]symbolResult, len(syms))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, sym := range syms {
		i, sym := i, sym
		g.Go(func() error {
			results[i] = s.runSymbol(ctx, sym, levels[sym])
			return nil
		})
	}
	g.Wait()
	return results
}

// runSymbol refreshes sym and, when this process holds its alert
// timeframe lease, checks it and reads its board rows. The lease is held
// from the refresh through the checks, so another monitor cannot check the
// same transition in between.
func (s *Service) runSymbol(ctx context.Context, sym string, lvl *model.AlertLevel) symbolResult {
	lg := logger.FromContext(ctx).With("symbol", sym)
	r := symbolResult{symbol: sym}

	// The checks must finish while the lease is still ours.
	ctx, cancel := context.WithTimeout(ctx, s.alert.LeaseTTL())
	defer cancel()

	release, err := s.alert.Lease(ctx, sym)
	switch {
	case err == nil:
		defer release()
		r.owned = true
	case errors.Is(err, model.ErrLeaseHeld):
		lg.Debug("symbol owned by another process")
	default:
		lg.Warn("lease failed", "error", err)
		s.countError("refresh")
		r.errs++
	}

	rctx, rcancel := context.WithTimeout(ctx, s.opts.SymbolTimeout)
	s.refreshSymbol(rctx, &r)
	rcancel()

	if !r.owned || ctx.Err() != nil {
		return r
	}
	r.snaps = s.snapshots(ctx, sym)
	alerts, errs := s.checkSymbol(ctx, sym, lvl)
	r.alerts += alerts
	r.errs += errs
	return r
}

// refreshSymbol refreshes every builder for r.symbol. The alert timeframe
// is refreshed only under the lease runSymbol took; a failure there clears
// r.owned so the symbol is not checked on a stale cache.
func (s *Service) refreshSymbol(ctx context.Context, r *symbolResult) {
	sym := r.symbol
	lg := logger.FromContext(ctx).With("symbol", sym)

	for _, b := range s.deps.Builders {
		var (
			added []model.AggregatedBar
			err   error
		)
		if b == s.alert {
			if !r.owned {
				continue
			}
			added, err = b.RefreshLeased(ctx, sym)
		} else {
			added, err = b.Refresh(ctx, sym)
		}
		r.newBars += len(added)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrLeaseHeld):
			lg.Debug("timeframe owned by another process", "tf", b.TF())
		case errors.Is(err, tfbuilder.ErrPersist):
			// Bars are applied in memory and retried next refresh.
			lg.Warn("cache persist failed", "tf", b.TF(), "error", err)
			s.countError("persist")
			r.errs++
		default:
			lg.Warn("refresh failed", "tf", b.TF(), "error", err)
			s.countError("refresh")
			r.errs++
			if b == s.alert {
				r.owned = false
			}
		}
	}

	if s.deps.Hourly != nil {
		if _, err := s.deps.Hourly.Refresh(ctx, sym); err != nil && !errors.Is(err, model.ErrLeaseHeld) {
			lg.Warn("hourly refresh failed", "error", err)
			s.countError("volume")
			r.errs++
		}
	}
}

// snapshots reads the streak of sym on every enabled timeframe.
func (s *Service) snapshots(ctx context.Context, sym string) []model.StreakSnapshot {
	var out []model.StreakSnapshot
	for _, b := range s.deps.Builders {
		c, err := b.Snapshot(ctx, sym)
		if err != nil || c.Empty() {
			continue
		}
		last, _ := c.Last()
		res := streak.ConsecutiveUp(c.Bars, s.opts.Rule)
		out = append(out, model.StreakSnapshot{
			Symbol:        sym,
			TF:            b.TF(),
			Streak:        res.Count,
			CumulativePct: res.CumulativePct,
			Close:         last.Close.String(),
			AsOf:          last.PeriodStart,
		})
	}
	return out
}

// checkSymbol runs the streak and breakout checks for a symbol whose lease
// is held. It returns the number of alerts fired and errors seen.
func (s *Service) checkSymbol(ctx context.Context, sym string, lvl *model.AlertLevel) (alerts, errs int) {
	lg := logger.FromContext(ctx).With("symbol", sym)

	c, err := s.alert.Snapshot(ctx, sym)
	if err != nil {
		lg.Warn("read alert cache failed", "error", err)
		s.countError("streak")
		errs++
	} else if last, ok := c.Last(); ok {
		res := streak.ConsecutiveUp(c.Bars, s.opts.Rule)
		ev, err := s.deps.Tracker.CheckAndMaybeAlert(ctx, alert.StreakCheck{
			Symbol:        sym,
			TF:            s.opts.AlertTF,
			Streak:        res.Count,
			CumulativePct: res.CumulativePct,
			Close:         last.Close,
			AsOf:          last.PeriodStart,
		}, s.opts.MinStreak)
		if ev != nil {
			alerts++
		}
		if err != nil {
			lg.Warn("streak check failed", "error", err)
			s.countError("streak")
			errs++
		}
	}

	if lvl == nil {
		return alerts, errs
	}
	bar, ok, err := s.deps.Source.LatestBar(ctx, sym)
	if err != nil {
		lg.Warn("latest bar failed", "error", err)
		s.countError("breakout")
		return alerts, errs + 1
	}
	if !ok {
		return alerts, errs
	}
	ev, err := s.deps.Tracker.CheckBreakout(ctx, *lvl, bar.Close, bar.Time)
	if err != nil {
		lg.Warn("breakout check failed", "error", err)
		s.countError("breakout")
		errs++
	}
	if ev != nil {
		alerts++
	}
	return alerts, errs
}

// armedLevels indexes the armed breakout levels by symbol.
func (s *Service) armedLevels(ctx context.Context) map[string]*model.AlertLevel {
	if s.deps.Levels == nil {
		return nil
	}
	lvls, err := s.deps.Levels.ArmedLevels(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("armed levels unavailable", "error", err)
		s.countError("breakout")
		return nil
	}
	out := make(map[string]*model.AlertLevel, len(lvls))
	for i := range lvls {
		out[lvls[i].Symbol] = &lvls[i]
	}
	return out
}

// volumeDigest reports the hourly volume spikes once per closed hour and
// returns the number of symbols reported.
func (s *Service) volumeDigest(ctx context.Context, syms []string) int {
	lg := logger.FromContext(ctx)

	var hour int64
	series := make(map[string][]model.AggregatedBar, len(syms))
	for _, sym := range syms {
		c, err := s.deps.Hourly.Snapshot(ctx, sym)
		if err != nil || c.Empty() {
			continue
		}
		series[sym] = c.Bars
		if last, _ := c.Last(); last.PeriodStart > hour {
			hour = last.PeriodStart
		}
	}
	if hour == 0 || !s.reporter.Claim(hour) {
		return 0
	}

	var all []volume.Anomaly
	for sym, bars := range series {
		if bars[len(bars)-1].PeriodStart != hour {
			continue
		}
		if a, ok := volume.Evaluate(sym, bars, s.opts.Volume); ok {
			all = append(all, a)
		}
	}
	picked := volume.Select(all, s.opts.Volume)
	if len(picked) == 0 {
		lg.Debug("no volume anomalies", "hour", hour)
		return 0
	}

	title := "1h volume spikes " + model.MsTime(hour).In(s.opts.Location).Format("2006-01-02 15:04")
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(ctx, notification.CodeBlock(notification.LevelInfo, title, volume.DigestLines(picked)))
	}
	for _, a := range picked {
		s.deps.Tracker.Record(ctx, model.AlertEvent{
			Kind:         model.AlertVolume,
			Symbol:       a.Symbol,
			TF:           3600,
			DeviationPct: a.DeviationPct,
			Price:        a.Close,
			AsOf:         a.PeriodStart,
		})
	}
	lg.Info("volume digest sent", "hour", hour, "symbols", len(picked))
	return len(picked)
}

// whaleAlerts polls the whale feed and records every notified position.
func (s *Service) whaleAlerts(ctx context.Context) (alerts, errs int) {
	sent, err := s.deps.Whale.Poll(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("whale poll failed", "error", err)
		s.countError("whale")
		errs++
	}
	for _, r := range sent {
		s.deps.Tracker.Record(ctx, model.AlertEvent{
			Kind:   model.AlertWhale,
			Symbol: r.Symbol,
			Price:  r.EntryPrice,
			AsOf:   r.CreateTime,
		})
	}
	return len(sent), errs
}
