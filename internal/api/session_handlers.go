// Package api provides HTTP handlers for Attune session endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/attuneai/attune/internal/models"
	"github.com/attuneai/attune/internal/session"
)

// createSessionRequest is the POST /sessions payload.
type createSessionRequest struct {
	UID       string            `json:"uid"`
	Platform  string            `json:"platform"`
	Device    models.DeviceInfo `json:"device"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createSessionHandler: processing request", "path", r.URL.Path)

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UID == "" || req.Platform == "" {
		writeError(w, models.NewValidationError("uid", "uid and platform are required"))
		return
	}
	if req.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.IPAddress = host
		}
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	sess, err := s.sessions.CreateSession(r.Context(), req.UID, req.Platform, req.Device, req.IPAddress, req.UserAgent)
	if err != nil {
		slog.Error("Server.createSessionHandler: creation failed", "error", err, "uid", req.UID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(sess))
}

func (s *Server) validateSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	updateActivity := r.URL.Query().Get("touch") != "false"

	sess, err := s.sessions.ValidateSession(r.Context(), id, updateActivity)
	if err != nil {
		slog.Warn("Server.validateSessionHandler: validation failed", "error", err, "sessionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) extendSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.SessionID = r.PathValue("id")

	sess, err := s.sessions.ExtendSession(r.Context(), req)
	if err != nil {
		slog.Warn("Server.extendSessionHandler: extension failed", "error", err, "sessionID", req.SessionID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) transferSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.TransferSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.SessionID = r.PathValue("id")
	if req.TargetPlatform == "" {
		writeError(w, models.NewValidationError("target_platform", "target platform is required"))
		return
	}

	sess, err := s.sessions.TransferSession(r.Context(), req)
	if err != nil {
		slog.Warn("Server.transferSessionHandler: transfer failed", "error", err, "sessionID", req.SessionID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) transferCodeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, err := s.sessions.GenerateTransferCode(r.Context(), id)
	if err != nil {
		slog.Warn("Server.transferCodeHandler: code generation failed", "error", err, "sessionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"transfer_code": code}))
}

// activityRequest is the POST /sessions/{id}/activity payload.
type activityRequest struct {
	ResponseTimeMs   int64 `json:"response_time_ms"`
	BytesTransferred int64 `json:"bytes_transferred"`
	IsError          bool  `json:"is_error"`
	Concurrency      int   `json:"concurrency"`
}

func (s *Server) recordActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	id := r.PathValue("id")
	rec := session.ActivityRecord{
		ResponseTime:     time.Duration(req.ResponseTimeMs) * time.Millisecond,
		BytesTransferred: req.BytesTransferred,
		IsError:          req.IsError,
		Concurrency:      req.Concurrency,
	}
	if err := s.sessions.RecordActivity(r.Context(), id, rec); err != nil {
		slog.Warn("Server.recordActivityHandler: record failed", "error", err, "sessionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Activity recorded", nil))
}

func (s *Server) checkRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	allowed, err := s.sessions.CheckRateLimit(r.Context(), id, action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"allowed": allowed}))
}

func (s *Server) sessionMetricsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sm, err := s.sessions.GetSessionMetrics(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sm))
}

func (s *Server) sessionSecurityHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sec, err := s.sessions.GetSessionSecurity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sec == nil {
		writeError(w, models.NewAuthError(models.ReasonSessionNotFound, "session "+id+" not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sec))
}

func (s *Server) deactivateSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = models.ReasonLogout
	}
	if err := s.sessions.DeactivateSession(r.Context(), id, reason); err != nil {
		slog.Warn("Server.deactivateSessionHandler: deactivation failed", "error", err, "sessionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deactivated", nil))
}

func (s *Server) logoutUserHandler(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	except := r.URL.Query().Get("except")

	count, err := s.sessions.DeactivateAllUserSessions(r.Context(), uid, except)
	if err != nil {
		slog.Error("Server.logoutUserHandler: failed", "error", err, "uid", uid)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deactivated": count}))
}
