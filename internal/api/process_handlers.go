// Package api provides HTTP handlers for integrated processing and health.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/attuneai/attune/internal/models"
)

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.IntegratedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, models.NewValidationError("user_id", "user_id and session_id are required"))
		return
	}

	resp, err := s.integrator.ProcessIntegratedRequest(r.Context(), &req)
	if err != nil {
		slog.Warn("Server.processHandler: request failed", "error", err, "userID", req.UserID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.integrator.GetSystemHealth(r.Context())
	status := http.StatusOK
	if health.State == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.Success(health))
}

func (s *Server) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.integrator.BreakerStats()))
}
