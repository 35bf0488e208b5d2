// Package gateway exposes task control, application status and the live
// event stream to a GUI host over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/gateway/ws"
	"github.com/dohr-michael/warden/internal/workers"
)

// Server is the Warden gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	store      *appstate.Store
	manager    *workers.Manager
	tasks      *TaskHandler
	addr       string
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, store *appstate.Store, tasks *TaskHandler, host string, port int) *Server {
	hub := ws.NewHub(bus, tasks)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:     hub,
		bus:     bus,
		store:   store,
		manager: tasks.manager,
		tasks:   tasks,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/status", s.handleStatus)

	// API: tasks
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Get("/{id}", s.handleTask)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Post("/api/ingest", s.handleIngest)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	slog.Info("Warden gateway listening", "addr", s.addr)
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		SessionID string             `json:"session_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	App            string                  `json:"app"`
	SessionID      string                  `json:"session_id,omitempty"`
	PID            int                     `json:"pid,omitempty"`
	Lifecycle      appstate.LifecycleState `json:"lifecycle,omitempty"`
	StartedAt      time.Time               `json:"started_at,omitzero"`
	LastHeartbeat  time.Time               `json:"last_heartbeat,omitzero"`
	CrashCount     int                     `json:"crash_count"`
	LastCheckpoint string                  `json:"last_checkpoint,omitempty"`
	Tasks          workers.Stats           `json:"tasks"`
	Clients        int                     `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		App:     s.store.AppName(),
		Tasks:   s.manager.Stats(),
		Clients: s.hub.Clients(),
	}
	if snap, ok := s.store.Current(); ok {
		resp.SessionID = snap.SessionID
		resp.PID = snap.PID
		resp.Lifecycle = snap.LifecycleState
		resp.StartedAt = snap.StartedAt
		resp.LastHeartbeat = snap.LastHeartbeatAt
		resp.CrashCount = snap.CrashCount
		if cp, ok := snap.LastCheckpoint(); ok {
			resp.LastCheckpoint = cp.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	list := s.tasks.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := list[:0]
		for _, rec := range list {
			if string(rec.State) == state {
				filtered = append(filtered, rec)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	rec, _ := s.tasks.Get(id)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ws.SubmitIngestParams
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Paths) == 0 {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"paths": [...]}`))
		return
	}
	ids, err := s.tasks.SubmitIngest(body.Paths)
	switch {
	case errors.Is(err, ErrIngestDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, workers.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string][]string{"task_ids": ids})
}
