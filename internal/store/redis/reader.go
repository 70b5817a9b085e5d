package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"coin-monitor/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Reader reads the streak board and the alert log.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps a connected client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// ReadStreaks returns the published snapshots for tf ordered by symbol.
// Entries that fail to decode are skipped.
func (r *Reader) ReadStreaks(ctx context.Context, tf int) ([]model.StreakSnapshot, error) {
	raw, err := r.client.HGetAll(ctx, BoardKey(tf)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", BoardKey(tf), err)
	}
	out := make([]model.StreakSnapshot, 0, len(raw))
	for symbol, data := range raw {
		var s model.StreakSnapshot
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			log.Printf("[redis-reader] bad streak entry %s: %v", symbol, err)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// RecentAlerts returns up to n alert events, newest first.
func (r *Reader) RecentAlerts(ctx context.Context, n int64) ([]model.AlertEvent, error) {
	if n <= 0 {
		n = 50
	}
	msgs, err := r.client.XRevRangeN(ctx, AlertLogKey, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange %s: %w", AlertLogKey, err)
	}
	out := make([]model.AlertEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, ok := decodeAlert(msg.Values)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SubscribeAlerts streams live alert events until ctx is done. The returned
// channel is closed on exit.
func (r *Reader) SubscribeAlerts(ctx context.Context) <-chan model.AlertEvent {
	out := make(chan model.AlertEvent, 64)
	sub := r.client.Subscribe(ctx, AlertChannel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.AlertEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[redis-reader] bad alert payload: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// decodeAlert extracts an AlertEvent from a stream entry's fields.
func decodeAlert(values map[string]interface{}) (model.AlertEvent, bool) {
	var ev model.AlertEvent
	var data []byte
	switch v := values["data"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return ev, false
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, false
	}
	return ev, true
}
