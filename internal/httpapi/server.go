package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/taskforge/internal/config"
	"github.com/antoniostano/taskforge/internal/engine"
	"github.com/antoniostano/taskforge/internal/execution"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/protocol"
)

// Server exposes the observer surface: health, metrics, read-only task
// queries and the realtime event stream. Task mutations flow through the
// coordinator, not this API.
type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	exec     *execution.Manager
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	hub      *Hub
	upgrader websocket.Upgrader
}

func New(cfg config.Config, eng *engine.Engine, exec *execution.Manager, metrics *observability.Metrics, latency *observability.LatencyWindow) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		exec:    exec,
		metrics: metrics,
		latency: latency,
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Hub returns the broadcast hub feeding connected event stream clients.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/events/ws", s.handleEventsWS)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/work", s.handleAvailableWork)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/stats/latency", s.handleLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.exec.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.engine.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	todos, err := s.engine.ListTodos(r.Context(), id)
	if err != nil {
		todos = nil
	}
	deps, err := s.engine.ListDependencies(r.Context(), id)
	if err != nil {
		deps = nil
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task":         task,
		"todos":        todos,
		"dependencies": deps,
	})
}

func (s *Server) handleAvailableWork(w http.ResponseWriter, r *http.Request) {
	agentType := strings.TrimSpace(r.URL.Query().Get("agent_type"))
	limit := 10
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.engine.AvailableWork(r.Context(), agentType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.exec.Sessions()})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{GeneratedAt: time.Now().UTC()})
		return
	}
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Heartbeat replies share the writer with broadcasts to keep websocket
	// writes single-threaded.
	control := make(chan []byte, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					cancel()
					return
				}
				s.countWS("outbound", "event")
			case msg := <-control:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					cancel()
					return
				}
				s.countWS("outbound", string(protocol.TypePong))
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch msg.(type) {
		case protocol.Ping:
			s.countWS("inbound", string(protocol.TypePing))
			pong, _ := json.Marshal(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UTC()})
			select {
			case control <- pong:
			default:
			}
		case protocol.Pong:
			s.countWS("inbound", string(protocol.TypePong))
		default:
			s.countWS("inbound", "event")
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) countWS(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Code: code})
}
