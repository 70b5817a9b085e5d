package redis

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"coin-monitor/internal/model"
)

// publisher is the write surface BufferedWriter wraps.
type publisher interface {
	PublishStreaks(ctx context.Context, snaps []model.StreakSnapshot) error
	PublishAlert(ctx context.Context, ev model.AlertEvent) error
}

// BufferedWriter wraps a publisher with a circuit breaker and holds writes
// while the circuit is open. Board entries are last-write-wins per
// (symbol, tf), so only the newest reading is replayed. Alerts queue in
// order up to maxAlerts, dropping the oldest. It satisfies
// model.StreakPublisher.
type BufferedWriter struct {
	writer publisher
	cb     *CircuitBreaker
	ctx    context.Context

	mu        sync.Mutex
	board     map[string]model.StreakSnapshot
	alerts    []model.AlertEvent
	maxAlerts int

	// Callbacks
	OnBuffer func()          // called when a write is held (for metrics)
	OnFlush  func(count int) // called after a replay with the number of entries written
}

// NewBufferedWriter creates a BufferedWriter that replays held writes when
// cb closes. ctx bounds the replay. maxAlerts <= 0 means 1000.
func NewBufferedWriter(ctx context.Context, w publisher, cb *CircuitBreaker, maxAlerts int) *BufferedWriter {
	if maxAlerts <= 0 {
		maxAlerts = 1000
	}
	bw := &BufferedWriter{
		writer:    w,
		cb:        cb,
		ctx:       ctx,
		board:     make(map[string]model.StreakSnapshot),
		maxAlerts: maxAlerts,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.Flush()
		}
	}
	return bw
}

// PublishStreaks writes through the breaker. While it is open the
// snapshots replace any held reading for the same symbol and timeframe.
func (bw *BufferedWriter) PublishStreaks(ctx context.Context, snaps []model.StreakSnapshot) error {
	err := bw.cb.Execute(func() error { return bw.writer.PublishStreaks(ctx, snaps) })
	if !errors.Is(err, ErrCircuitOpen) {
		return err
	}
	bw.mu.Lock()
	for _, s := range snaps {
		bw.board[model.CacheKey(s.Symbol, s.TF)] = s
	}
	bw.mu.Unlock()
	bw.held()
	return nil
}

// PublishAlert writes through the breaker, queueing while it is open.
func (bw *BufferedWriter) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	err := bw.cb.Execute(func() error { return bw.writer.PublishAlert(ctx, ev) })
	if !errors.Is(err, ErrCircuitOpen) {
		return err
	}
	bw.mu.Lock()
	if len(bw.alerts) >= bw.maxAlerts {
		bw.alerts = bw.alerts[1:]
	}
	bw.alerts = append(bw.alerts, ev)
	bw.mu.Unlock()
	bw.held()
	return nil
}

func (bw *BufferedWriter) held() {
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays the held board in one write, then the queued alerts in
// order. Entries that fail again are dropped and logged.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	board := bw.board
	alerts := bw.alerts
	bw.board = make(map[string]model.StreakSnapshot)
	bw.alerts = nil
	bw.mu.Unlock()
	if len(board) == 0 && len(alerts) == 0 {
		return
	}

	flushed := 0
	if len(board) > 0 {
		snaps := make([]model.StreakSnapshot, 0, len(board))
		for _, s := range board {
			snaps = append(snaps, s)
		}
		sort.Slice(snaps, func(i, j int) bool {
			if snaps[i].TF != snaps[j].TF {
				return snaps[i].TF < snaps[j].TF
			}
			return snaps[i].Symbol < snaps[j].Symbol
		})
		if err := bw.writer.PublishStreaks(bw.ctx, snaps); err != nil {
			log.Printf("[buffered-writer] replay of %d board entries failed: %v", len(snaps), err)
		} else {
			flushed += len(snaps)
		}
	}
	for _, ev := range alerts {
		if err := bw.writer.PublishAlert(bw.ctx, ev); err != nil {
			log.Printf("[buffered-writer] replay alert %s %s failed: %v", ev.Kind, ev.Symbol, err)
			continue
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d held writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of held board entries plus queued alerts.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.board) + len(bw.alerts)
}
