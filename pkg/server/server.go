// Package server exposes a Core over HTTP.
//
//	POST   /v1/jobs                {type, params}  → {job_id}
//	DELETE /v1/jobs/{id}?reason=
//	GET    /v1/jobs
//	GET    /v1/operations
//	GET    /v1/capabilities
//	GET    /v1/events?job_id=      WebSocket, one JSON event per message
//
// The server only translates requests into jobs; every state change goes
// through the scheduler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/core"
	"github.com/haivivi/charcore/pkg/jobs"
	"github.com/haivivi/charcore/pkg/operation"
)

const maxRequestBytes = 32 << 20

// Server serves one Core.
type Server struct {
	core     *core.Core
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New returns a Server for c.
func New(c *core.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		core:   c,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/operations", s.handleOperations)
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type createJobRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_params", err)
		return
	}
	params, err := jobs.Decode(req.Type, req.Params)
	if err != nil {
		writeCoded(w, err)
		return
	}
	id, err := s.core.Scheduler.Create(params)
	if err != nil {
		writeCoded(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": id, "job_type": req.Type})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by client"
	}
	if err := s.core.Scheduler.Cancel(id, reason); err != nil {
		writeCoded(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobList struct {
	Current *jobs.Info  `json:"current"`
	Queued  []jobs.Info `json:"queued"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var resp jobList
	if cur, ok := s.core.Scheduler.Current(); ok {
		resp.Current = &cur
	}
	resp.Queued = s.core.Scheduler.Queued()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Operations.Loaded())
}

// Capability is the wire form of an operation.Capability.
type Capability struct {
	Type        operation.Type `json:"type"`
	ID          string         `json:"id"`
	Compatible  bool           `json:"compatible"`
	Description string         `json:"description,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.core.Registry.Capabilities()
	out := make([]Capability, len(caps))
	for i, c := range caps {
		out[i] = Capability{Type: c.Type, ID: c.ID, Compatible: c.Compatible, Description: c.Description}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams hub events to a WebSocket until either side goes
// away. Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var match func(broadcast.Event) bool
	if id := r.URL.Query().Get("job_id"); id != "" {
		match = broadcast.ForJob(id)
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("server: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.core.Hub.Subscribe(match)
	defer sub.Detach()

	// A hijacked connection's request context is not cancelled when the
	// peer leaves, so a reader watches for the close.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("server: events ended", "error", err)
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("server: event write failed", "error", err)
			return
		}
	}
}

func statusOf(code string) int {
	switch code {
	case "invalid_params", "unknown_job_type":
		return http.StatusBadRequest
	case "nonexistent_job":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCoded(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	writeErr(w, statusOf(code), code, err)
}

func writeErr(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]any{"error": code, "reason": err.Error()})
}
