// Package adminapi exposes the fleet's administrative HTTP surface:
// the dashboard overview, manual check and forced-status commands, and
// the timeline query endpoints backed by the event log.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"aifleet/core"
	"aifleet/eventlog"
	"aifleet/fleet"
)

// Server is the admin HTTP server over a manager and an event log.
type Server struct {
	manager  *fleet.Manager
	eventLog *eventlog.Logger
	logger   core.Logger

	httpServer *http.Server
}

// Config configures the admin server.
type Config struct {
	Listen       string // e.g. ":8080"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       core.Logger
}

// NewServer wires the routes. Start it with ListenAndServe and stop it
// with Shutdown.
func NewServer(manager *fleet.Manager, eventLog *eventlog.Logger, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s := &Server{
		manager:  manager,
		eventLog: eventLog,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/overview", s.handleOverview)
		r.Post("/clients/{name}/check", s.handleManualCheck)
		r.Post("/clients/{name}/status", s.handleSetStatus)
		r.Get("/runs", s.handleRuns)
		r.Get("/timeline", s.handleTimeline)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Admin API listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleOverview returns the manager's stats snapshot, with each row
// enriched by the model the client would use next.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov := s.manager.GetClientStats()
	for i := range ov.Clients {
		if c, ok := s.manager.GetClientByName(ov.Clients[i].Meta.Name); ok {
			ov.Clients[i].CurrentModel = c.UsingModel()
		}
	}
	s.respondJSON(w, http.StatusOK, ov)
}

// handleManualCheck fires an asynchronous health check and returns 202.
func (s *Server) handleManualCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.TriggerManualCheck(name); err != nil {
		s.respondError(w, http.StatusNotFound, "unknown client: "+name)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"client":  name,
		"message": "check scheduled",
	})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleSetStatus forces a client's status. 404 for unknown clients,
// 400 for statuses outside available|error|unavailable.
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.manager.SetClientStatus(name, req.Status)
	switch {
	case errors.Is(err, core.ErrClientNotFound):
		s.respondError(w, http.StatusNotFound, "unknown client: "+name)
	case errors.Is(err, core.ErrInvalidStatus):
		s.respondError(w, http.StatusBadRequest, "invalid status: "+req.Status)
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"client": name,
			"status": req.Status,
		})
	}
}

// handleRuns lists recent sessions.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	runs, err := s.eventLog.GetRunList(limit)
	if err != nil {
		s.logger.Error("Run list query failed", map[string]interface{}{
			"error": err.Error(),
		})
		s.respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// handleTimeline serves clipped intervals for one run and window.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		s.respondError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	from, err := parseFloat(q.Get("from"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseFloat(q.Get("to"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	if to == 0 {
		to = float64(time.Now().Unix())
	}

	tl, err := s.eventLog.QueryTimeline(runID, from, to, q.Get("client"))
	if err != nil {
		s.logger.Error("Timeline query failed", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		s.respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	s.respondJSON(w, http.StatusOK, tl)
}

func parseFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Response encoding failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]interface{}{
		"error": msg,
	})
}
