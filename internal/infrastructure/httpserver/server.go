// Package httpserver exposes the operator surface: health, run trigger,
// alert listing and acknowledgement, and run-log audit.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/infrastructure/storage"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
	"pharmasentinel/internal/usecase"
)

const defaultAlertLimit = 50

// Server wires the HTTP routes to the pipeline and the store.
type Server struct {
	store    ports.Store
	log      *runlog.Log
	pipeline *usecase.Pipeline
	logger   *slog.Logger
}

// New builds the server.
func New(store ports.Store, log *runlog.Log, pipeline *usecase.Pipeline, logger *slog.Logger) *Server {
	return &Server{store: store, log: log, pipeline: pipeline, logger: logger}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/ack", s.handleAck)
		r.Get("/runs/{id}", s.handleRunLog)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"run_active":  s.pipeline.Busy(),
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRun triggers a background run. A run already holding the slot
// answers 409; the trigger never waits for completion.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.pipeline.TryStart()
	if err != nil {
		if errors.Is(err, usecase.ErrRunInProgress) {
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error": "a pipeline run is already in progress",
			})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID.String(),
		"status": "started",
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	alerts, err := s.store.Alerts(r.Context(), limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, toAlertView(a))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": out, "count": len(out)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.AcknowledgeAlert(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "alert not found"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}

// handleRunLog serves the full audit trail of one run.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid run id"})
		return
	}
	results, err := s.log.ForRun(r.Context(), runID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if len(results) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "run not found"})
		return
	}
	out := make([]stageView, 0, len(results))
	for _, res := range results {
		out = append(out, stageView{
			Stage:     string(res.Stage),
			Payload:   res.Payload,
			Summary:   res.Summary,
			CreatedAt: res.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID.String(), "stages": out})
}

type alertView struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Kind          string          `json:"kind"`
	Severity      string          `json:"severity"`
	DrugName      string          `json:"drug_name,omitempty"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	ActionPayload json.RawMessage `json:"action_payload,omitempty"`
	Acknowledged  bool            `json:"acknowledged"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toAlertView(a domain.Alert) alertView {
	return alertView{
		ID:            a.ID,
		RunID:         a.RunID.String(),
		Kind:          string(a.Kind),
		Severity:      string(a.Severity),
		DrugName:      a.DrugName,
		Title:         a.Title,
		Description:   a.Description,
		ActionPayload: a.ActionPayload,
		Acknowledged:  a.Acknowledged,
		CreatedAt:     a.CreatedAt,
	}
}

type stageView struct {
	Stage     string          `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	Summary   string          `json:"summary"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
