package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"coin-monitor/internal/model"
	"coin-monitor/internal/notification"
	"coin-monitor/internal/ranking"
	"coin-monitor/internal/signals/streak"

	"github.com/gorilla/websocket"
)

const noDataMessage = "no data for this range"

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Ranker computes a streak ranking. *ranking.Ranker satisfies it.
type Ranker interface {
	Rank(ctx context.Context, q ranking.Query) ([]ranking.Row, error)
}

// AlertLog reads recent alert events, newest first. *redis.Reader
// satisfies it.
type AlertLog interface {
	RecentAlerts(ctx context.Context, n int64) ([]model.AlertEvent, error)
}

// Routes are the dependencies of the HTTP API. Nil fields disable their
// endpoints.
type Routes struct {
	Hub       *Hub
	Ranker    Ranker
	Board     model.StreakBoardReader
	Alerts    AlertLog
	Health    http.Handler
	TFs       []int
	DefaultTF int
	Start     time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// RankingResponse is the body of /api/v1/ranking.
type RankingResponse struct {
	TF      int           `json:"tf"`
	Rows    []ranking.Row `json:"rows"`
	Message string        `json:"message,omitempty"`
}

// TFInfo is one entry of /api/v1/tfs.
type TFInfo struct {
	Seconds int    `json:"seconds"`
	Label   string `json:"label"`
}

// NewRouter registers every route of rt on a new mux.
func NewRouter(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, rt)
	return mux
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, rt Routes) {
	if rt.Start.IsZero() {
		rt.Start = time.Now()
	}

	if rt.Hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Printf("[gateway] ws upgrade error: %v", err)
				return
			}
			since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
			rt.Hub.HandleWSRequest(conn, since)
		})

		mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, rt.Hub.Stats(rt.Start))
		})
	}

	mux.HandleFunc("/api/v1/tfs", func(w http.ResponseWriter, r *http.Request) {
		out := make([]TFInfo, len(rt.TFs))
		for i, tf := range rt.TFs {
			out[i] = TFInfo{Seconds: tf, Label: notification.TFLabel(tf)}
		}
		writeJSON(w, http.StatusOK, out)
	})

	if rt.Ranker != nil {
		mux.HandleFunc("/api/v1/ranking", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			tf := queryInt(q.Get("tf"), rt.DefaultTF)
			rule, err := streak.ParseRule(q.Get("rule"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			rows, err := rt.Ranker.Rank(r.Context(), ranking.Query{
				TF:    tf,
				Limit: queryInt(q.Get("limit"), 0),
				Rule:  rule,
			})
			if err != nil {
				// Query failures are reported as an empty ranking, never a trace.
				log.Printf("[gateway] ranking tf=%d failed: %v", tf, err)
				writeJSON(w, http.StatusOK, RankingResponse{TF: tf, Rows: []ranking.Row{}, Message: noDataMessage})
				return
			}
			resp := RankingResponse{TF: tf, Rows: rows}
			if len(rows) == 0 {
				resp.Rows = []ranking.Row{}
				resp.Message = noDataMessage
			}
			writeJSON(w, http.StatusOK, resp)
		})
	}

	if rt.Board != nil {
		mux.HandleFunc("/api/v1/streaks", func(w http.ResponseWriter, r *http.Request) {
			tf := queryInt(r.URL.Query().Get("tf"), rt.DefaultTF)
			snaps, err := rt.Board.ReadStreaks(r.Context(), tf)
			if err != nil {
				log.Printf("[gateway] streak board tf=%d failed: %v", tf, err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streak board unavailable"})
				return
			}
			if snaps == nil {
				snaps = []model.StreakSnapshot{}
			}
			writeJSON(w, http.StatusOK, snaps)
		})
	}

	if rt.Alerts != nil {
		mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
			n := queryInt(r.URL.Query().Get("limit"), 50)
			if n > 1000 {
				n = 1000
			}
			evs, err := rt.Alerts.RecentAlerts(r.Context(), int64(n))
			if err != nil {
				log.Printf("[gateway] alert log failed: %v", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert log unavailable"})
				return
			}
			if evs == nil {
				evs = []model.AlertEvent{}
			}
			writeJSON(w, http.StatusOK, evs)
		})
	}

	if rt.Health != nil {
		mux.Handle("/api/v1/health", rt.Health)
	} else {
		mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
}

// queryInt parses a positive integer query value, else def.
func queryInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Server runs the gateway HTTP server.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a gateway server for handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[gateway] listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server. Hijacked websocket connections
// are closed by Hub.Close.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
