// Package api provides HTTP handlers for Attune workflow endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/attuneai/attune/internal/models"
)

// startWorkflowRequest is the POST /workflows/{workflow}/start payload.
type startWorkflowRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Platform  string         `json:"platform,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (s *Server) startWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	workflowID := r.PathValue("workflow")

	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeError(w, models.NewValidationError("user_id", "user_id is required"))
		return
	}

	// Workflows only run inside a valid session.
	sess, err := s.sessions.ValidateSession(r.Context(), req.SessionID, true)
	if err != nil {
		slog.Warn("Server.startWorkflowHandler: session invalid", "error", err, "sessionID", req.SessionID)
		writeError(w, err)
		return
	}
	if req.Platform == "" {
		req.Platform = sess.Platform
	}

	result, err := s.engine.StartWorkflow(r.Context(), workflowID, req.UserID, req.Platform, req.SessionID, req.Data)
	if err != nil {
		slog.Error("Server.startWorkflowHandler: start failed", "error", err, "workflowID", workflowID, "userID", req.UserID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(result))
}

// continueWorkflowRequest is the POST /workflows/{workflow}/continue payload.
type continueWorkflowRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
}

func (s *Server) continueWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	workflowID := r.PathValue("workflow")

	var req continueWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeError(w, models.NewValidationError("user_id", "user_id is required"))
		return
	}
	if _, err := s.sessions.ValidateSession(r.Context(), req.SessionID, true); err != nil {
		slog.Warn("Server.continueWorkflowHandler: session invalid", "error", err, "sessionID", req.SessionID)
		writeError(w, err)
		return
	}

	result, err := s.engine.ContinueWorkflow(r.Context(), req.UserID, workflowID, req.Input)
	if err != nil {
		slog.Error("Server.continueWorkflowHandler: continue failed", "error", err, "workflowID", workflowID, "userID", req.UserID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) workflowStatusHandler(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, models.NewValidationError("user_id", "user_id query parameter is required"))
		return
	}

	status, err := s.engine.GetWorkflowStatus(r.Context(), userID, workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) cancelWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, models.NewValidationError("user_id", "user_id query parameter is required"))
		return
	}

	if err := s.engine.CancelWorkflow(r.Context(), userID, workflowID); err != nil {
		slog.Warn("Server.cancelWorkflowHandler: cancel failed", "error", err, "workflowID", workflowID, "userID", userID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Workflow cancelled", nil))
}
