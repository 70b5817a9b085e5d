package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"coin-monitor/internal/model"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingEvery    = 30 * time.Second
	maxReadBytes = 4096
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	filter Filter
}

// Filter narrows the alerts a client receives. Empty fields match all.
type Filter struct {
	Symbols []string          `json:"symbols"`
	Kinds   []model.AlertKind `json:"kinds"`
}

// SubscribeMsg is the client → server SUBSCRIBE request. A new SUBSCRIBE
// replaces the previous filter; UNSUBSCRIBE clears it.
type SubscribeMsg struct {
	Type  string `json:"type"`  // "SUBSCRIBE" or "UNSUBSCRIBE"
	ReqID string `json:"reqId"` // echoed in the ack
	Filter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
}

// matches reports whether ev passes the client's filter.
func (c *Client) matches(ev model.AlertEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Match(ev)
}

// Match reports whether ev passes f.
func (f Filter) Match(ev model.AlertEvent) bool {
	if len(f.Symbols) > 0 && !containsFold(f.Symbols, ev.Symbol) {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}


func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if reply := c.handle(msg); reply != nil {
			c.hub.deliver(c, reply)
		}
	}
}

// handle applies one client message and returns the reply, if any.
func (c *Client) handle(msg []byte) []byte {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		return nil
	}

	switch base.Type {
	case "SUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			return errorReply("", "invalid SUBSCRIBE: "+err.Error())
		}
		c.mu.Lock()
		c.filter = sub.Filter
		c.mu.Unlock()
		return ack(sub.ReqID, c.hub.Seq())

	case "UNSUBSCRIBE":
		var sub SubscribeMsg
		json.Unmarshal(msg, &sub)
		c.mu.Lock()
		c.filter = Filter{}
		c.mu.Unlock()
		return ack(sub.ReqID, c.hub.Seq())
	}

	if base.Ping > 0 {
		pong, _ := json.Marshal(map[string]interface{}{
			"type":      "pong",
			"ping":      base.Ping,
			"server_ts": time.Now().UnixMilli(),
		})
		return pong
	}
	return nil
}

func ack(reqID string, seq int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{"type": "ack", "reqId": reqID, "seq": seq})
	return b
}

func errorReply(reqID, msg string) []byte {
	b, _ := json.Marshal(map[string]interface{}{"type": "error", "reqId": reqID, "message": msg})
	return b
}
