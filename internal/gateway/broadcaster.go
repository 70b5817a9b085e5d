package gateway

import (
	"strconv"
	"time"

	"coin-monitor/internal/model"
)

// Broadcaster constructs envelope JSON and sends filtered messages to clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast wraps data, the JSON encoding of ev, in an envelope and sends
// it to every client whose filter matches ev. The envelope is
// {"type":"alert","data":...,"ts":"...","seq":N}.
func (b *Broadcaster) Broadcast(ev model.AlertEvent, data []byte) {
	now := b.now().UTC()
	if b.hub.Lag != nil && !ev.CreatedAt.IsZero() {
		if lag := float64(now.Sub(ev.CreatedAt).Microseconds()) / 1000.0; lag >= 0 {
			b.hub.Lag.Record(lag)
		}
	}

	b.hub.mu.Lock()
	b.hub.seq++
	seq := b.hub.seq
	buf := envelope(data, now, seq)
	// Pushed under the hub lock so the backlog stays in seq order.
	b.hub.backlog.Push(seq, buf)
	b.hub.mu.Unlock()

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		if !client.matches(ev) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// envelope hand-crafts the alert envelope; data is already valid JSON.
func envelope(data []byte, ts time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"alert","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
