// Package gateway serves the live alert feed over WebSocket and the
// read-only REST API (ranking, streak board, alert log, health).
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"coin-monitor/internal/model"

	"github.com/gorilla/websocket"
)

const (
	// DefaultBacklog is the number of envelopes kept for reconnect replay.
	DefaultBacklog = 500
	lagSamples     = 10000
)

// Hub manages WebSocket clients and fans alert events out to them.
// It acts as a compositor, delegating to focused components:
//   - Broadcaster: envelope construction + client-filtered fan-out
//   - ReplayBuffer: recent envelopes for reconnecting clients
//   - LatencyTracker: alert delivery lag
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	backlog *ReplayBuffer

	// Lag tracks the time from alert creation to broadcast.
	Lag *LatencyTracker

	Broadcaster *Broadcaster
}

// NewHub creates a hub keeping backlog envelopes for replay; 0 uses
// DefaultBacklog.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	h := &Hub{
		clients: make(map[*Client]bool),
		backlog: NewReplayBuffer(backlog),
		Lag:     NewLatencyTracker(lagSamples),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// PublishAlert broadcasts ev to every matching client. It never fails;
// slow clients drop messages instead of blocking the dispatcher.
func (h *Hub) PublishAlert(ctx context.Context, ev model.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Broadcaster.Broadcast(ev, data)
	return nil
}

// HandleWSRequest registers an upgraded connection. Envelopes with a seq
// above sinceSeq are replayed first when sinceSeq > 0.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, sinceSeq int64) {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)

	if sinceSeq > 0 {
		for _, env := range h.Since(sinceSeq) {
			h.deliver(client, env)
		}
	}
	go client.writePump()
	go client.readPump()
}

// deliver queues msg for c unless c has been removed or its queue is full.
func (h *Hub) deliver(c *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Since returns the buffered envelopes with seq > seq, oldest first.
func (h *Hub) Since(seq int64) [][]byte {
	h.mu.RLock()
	last := h.seq
	h.mu.RUnlock()
	if seq >= last {
		return nil
	}
	entries := h.backlog.Range(seq+1, last)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Seq returns the sequence number of the newest envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// StartStatsBroadcast sends a stats envelope to all clients every interval
// until ctx is cancelled.
func (h *Hub) StartStatsBroadcast(ctx context.Context, start time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelope, _ := json.Marshal(map[string]interface{}{
				"type":  "stats",
				"stats": h.Stats(start),
			})
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
