package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/monitor"
	"omb-test-runner/internal/odoo"
	"omb-test-runner/internal/orchestrator"
	"omb-test-runner/internal/pricing"
	"omb-test-runner/internal/session"
	"omb-test-runner/internal/storage"
	"omb-test-runner/internal/uat"
)

type pipelineRunner interface {
	Run(ctx context.Context, req orchestrator.Request)
}

type uatService interface {
	Create(ctx context.Context, req uat.CreateRequest) (uat.Session, error)
	Get(id string) (uat.Session, bool)
	Extend(id string, extension time.Duration) (uat.Session, error)
	Stop(id string) error
	List() []uat.Session
}

type Handlers struct {
	registry *session.Registry
	pipeline pipelineRunner
	uatMgr   uatService
	pricer   *pricing.Engine
	releases *odoo.Registry
	db       *storage.DB
	metrics  *monitor.Metrics
}

func NewHandlers(
	registry *session.Registry,
	pipeline pipelineRunner,
	uatMgr uatService,
	pricer *pricing.Engine,
	releases *odoo.Registry,
	db *storage.DB,
	metrics *monitor.Metrics,
) *Handlers {
	return &Handlers{
		registry: registry,
		pipeline: pipeline,
		uatMgr:   uatMgr,
		pricer:   pricer,
		releases: releases,
		db:       db,
		metrics:  metrics,
	}
}

// idSafe reduces arbitrary project identifiers to something usable in
// container and database names.
var idUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func idSafe(s string) string {
	return strings.Trim(idUnsafe.ReplaceAllString(s, "-"), "-")
}

func (h *Handlers) HandleStartTest(w http.ResponseWriter, r *http.Request) {
	var req StartTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.ProjectID == "" || req.ModuleName == "" || req.ModuleURL == "" {
		writeError(w, "project_id, module_name, and module_url are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if _, err := h.releases.Get(req.OdooVersion); err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_VERSION", http.StatusBadRequest, r)
		return
	}

	sessionID := fmt.Sprintf("test_%s_%d", idSafe(req.ProjectID), time.Now().Unix())

	// The pipeline outlives this request; its lifetime is bound to the
	// registry's cancel, not the client connection.
	ctx, cancel := context.WithCancel(context.Background())
	err := h.registry.Create(&session.Session{
		ID:        sessionID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Status:    session.StatusInitializing,
		StartedAt: time.Now(),
	}, cancel)
	if err != nil {
		cancel()
		writeError(w, "a session for this project was just started", "CONFLICT", http.StatusConflict, r)
		return
	}

	go h.pipeline.Run(ctx, orchestrator.Request{
		SessionID:     sessionID,
		ModuleName:    req.ModuleName,
		OdooVersion:   req.OdooVersion,
		ArtifactURL:   req.ModuleURL,
		Specification: req.Specification,
		QuickMode:     req.QuickMode,
	})

	writeJSON(w, http.StatusAccepted, StartTestResponse{
		SessionID: sessionID,
		Status:    string(session.StatusInitializing),
		Message:   "test session started",
	})
}

func (h *Handlers) HandleTestStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Session: sess})
}

func (h *Handlers) HandleTestResults(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if !sess.Status.Terminal() {
		writeError(w, fmt.Sprintf("session is still %s", sess.Status), "NOT_FINISHED", http.StatusBadRequest, r)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Session: sess})
}

func (h *Handlers) HandleStopTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if err := h.registry.Stop(id); err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(session.StatusStopped)})
}

func (h *Handlers) HandleStartUAT(w http.ResponseWriter, r *http.Request) {
	var req StartUATRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.ProjectID == "" || req.ModuleName == "" || req.ModuleURL == "" {
		writeError(w, "project_id, module_name, and module_url are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if _, err := h.releases.Get(req.OdooVersion); err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_VERSION", http.StatusBadRequest, r)
		return
	}

	sessionID := fmt.Sprintf("uat_%s_%d", idSafe(req.ProjectID), time.Now().Unix())

	// Create registers the session and returns; provisioning runs in
	// the background, so the only synchronous failure is a duplicate.
	sess, err := h.uatMgr.Create(r.Context(), uat.CreateRequest{
		SessionID:   sessionID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		ModuleName:  req.ModuleName,
		OdooVersion: req.OdooVersion,
		ArtifactURL: req.ModuleURL,
	})
	if err != nil {
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
		return
	}

	writeJSON(w, http.StatusAccepted, StartUATResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Message:   "uat environment setup initiated",
	})
}

func (h *Handlers) HandleUATSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.uatMgr.Get(r.PathValue("session_id"))
	if !ok {
		writeError(w, "uat session not found or expired", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, uatResponse(sess))
}

func (h *Handlers) HandleExtendUAT(w http.ResponseWriter, r *http.Request) {
	var extension time.Duration
	if raw := r.URL.Query().Get("additional_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeError(w, "additional_minutes must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		extension = time.Duration(minutes) * time.Minute
	}

	sess, err := h.uatMgr.Extend(r.PathValue("session_id"), extension)
	switch {
	case errors.Is(err, uat.ErrSessionNotFound):
		writeError(w, "uat session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	case errors.Is(err, uat.ErrSessionInactive):
		writeError(w, err.Error(), "NOT_ACTIVE", http.StatusBadRequest, r)
		return
	case err != nil:
		writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, uatResponse(sess))
}

func (h *Handlers) HandleStopUAT(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if err := h.uatMgr.Stop(id); err != nil {
		writeError(w, "uat session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": uat.StatusStopped})
}

func (h *Handlers) HandleListUAT(w http.ResponseWriter, r *http.Request) {
	sessions := h.uatMgr.List()
	out := make([]UATSessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, uatResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleCalculatePrice(w http.ResponseWriter, r *http.Request) {
	var req PricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result := h.pricer.Calculate(req.Files, req.Specification, req.FixAttempts)
	h.metrics.PriceDollars.Observe(result.FinalPrice)
	writeJSON(w, http.StatusOK, PricingResponse{Result: result})
}

func (h *Handlers) HandleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.SessionFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: r.URL.Query().Get("status"),
		Limit:  100,
	}
	records, err := h.db.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleSessionHistoryGet(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	rec, err := h.db.GetSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func uatResponse(sess uat.Session) UATSessionResponse {
	return UATSessionResponse{
		Session:              sess,
		TimeRemainingSeconds: int64(sess.TimeRemaining(time.Now()).Seconds()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
