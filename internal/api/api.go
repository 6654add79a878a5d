// Package api provides the HTTP surface of the fortification daemon.
//
// # Endpoints
//
// Fortification API:
//   - POST /api/v1/fortify/{agentType} - Run the pipeline now
//   - GET  /api/v1/reports/{agentType} - List recent reports
//
// Certification API:
//   - GET  /api/v1/certifications/{agentType} - Get current certification
//   - GET  /api/v1/certifications/{agentType}/valid - Check validity
//
// Schedule API:
//   - GET    /api/v1/schedules - List active schedules
//   - POST   /api/v1/schedules - Schedule periodic fortification
//   - DELETE /api/v1/schedules/{agentType} - Cancel a schedule
//
// Health:
//   - GET /api/v1/health - Health check
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/valifi/fortify/internal/certification"
	"github.com/valifi/fortify/internal/scheduler"
	"github.com/valifi/fortify/pkg/types"
)

// ReportLister returns recent fortification reports for an agent type,
// newest first.
type ReportLister interface {
	ListReports(ctx context.Context, agentType string, limit int) ([]types.FortificationReport, error)
}

// Server is the HTTP API server.
type Server struct {
	run       scheduler.RunFunc
	issuer    *certification.Issuer
	schedules *scheduler.Manager
	reports   ReportLister
	logger    *slog.Logger
	mux       *http.ServeMux

	// Operator authentication; empty hash disables auth.
	operatorTokenHash string
}

// NewServer creates a new API server.
func NewServer(run scheduler.RunFunc, issuer *certification.Issuer, schedules *scheduler.Manager, reports ReportLister, operatorTokenHash string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		run:               run,
		issuer:            issuer,
		schedules:         schedules,
		reports:           reports,
		operatorTokenHash: operatorTokenHash,
		logger:            logger.With("component", "api"),
		mux:               http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	auth := s.OperatorAuthMiddleware()

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Read-only trust surface
	s.mux.HandleFunc("GET /api/v1/certifications/{agentType}", s.handleGetCertification)
	s.mux.HandleFunc("GET /api/v1/certifications/{agentType}/valid", s.handleCertificationValid)
	s.mux.HandleFunc("GET /api/v1/reports/{agentType}", s.handleListReports)
	s.mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)

	// Mutating operations require the operator token
	s.mux.HandleFunc("POST /api/v1/fortify/{agentType}", wrapHandler(s.handleFortify, auth))
	s.mux.HandleFunc("POST /api/v1/schedules", wrapHandler(s.handleCreateSchedule, auth))
	s.mux.HandleFunc("DELETE /api/v1/schedules/{agentType}", wrapHandler(s.handleCancelSchedule, auth))
}

// wrapHandler applies middleware to a handler function.
func wrapHandler(h http.HandlerFunc, mw func(http.Handler) http.Handler) http.HandlerFunc {
	return mw(h).ServeHTTP
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) handleFortify(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agentType")
	if agentType == "" {
		s.writeError(w, http.StatusBadRequest, "agent type required")
		return
	}

	report, err := s.run(r.Context(), agentType)
	if err != nil {
		// Issuance failures leave a passed run without a stored
		// certification; the caller must retry.
		s.logger.Error("fortification failed", "agent_type", agentType, "error", err)
		s.writeError(w, http.StatusInternalServerError, "fortification failed: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetCertification(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agentType")
	cert, err := s.issuer.Get(r.Context(), agentType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load certification")
		return
	}
	if cert == nil {
		s.writeError(w, http.StatusNotFound, "no certification for agent type: "+agentType)
		return
	}
	s.writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleCertificationValid(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agentType")
	valid, err := s.issuer.IsValid(r.Context(), agentType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to check certification")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_type": agentType,
		"valid":      valid,
	})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agentType")

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	reports, err := s.reports.ListReports(r.Context(), agentType, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_type": agentType,
		"reports":    reports,
	})
}

type createScheduleRequest struct {
	AgentType    string `json:"agent_type"`
	IntervalDays int    `json:"interval_days"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentType == "" {
		s.writeError(w, http.StatusBadRequest, "agent_type is required")
		return
	}
	if req.IntervalDays <= 0 {
		s.writeError(w, http.StatusBadRequest, "interval_days must be positive")
		return
	}

	// The schedule outlives this request; only its handle stops it.
	interval := time.Duration(req.IntervalDays) * 24 * time.Hour
	handle, err := s.schedules.SchedulePeriodic(context.Background(), req.AgentType, interval)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"agent_type": handle.AgentType,
		"interval":   handle.Interval.String(),
	})
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	agentType := r.PathValue("agentType")
	if !s.schedules.Cancel(agentType) {
		s.writeError(w, http.StatusNotFound, "no schedule for agent type: "+agentType)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"agent_type": agentType,
		"status":     "cancelled",
	})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"schedules": s.schedules.Active(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
