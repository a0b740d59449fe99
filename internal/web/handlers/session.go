package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/engine"
	"github.com/kozaktomas/attendance/internal/session"
)

// SessionHandler starts, inspects and ends attendance sessions.
type SessionHandler struct {
	engine      Engine
	broadcaster *EventBroadcaster
	logger      *zap.Logger
}

// NewSessionHandler creates the session handler.
func NewSessionHandler(eng Engine, b *EventBroadcaster, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{engine: eng, broadcaster: b, logger: logger}
}

type startSessionResponse struct {
	Summary session.Summary `json:"summary"`
	Warning string          `json:"warning,omitempty"`
}

// Start handles POST /session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req engine.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.MarkThreshold != nil && (*req.MarkThreshold < -1 || *req.MarkThreshold > 1) {
		respondError(w, http.StatusBadRequest, "mark_threshold must be within [-1, 1]")
		return
	}

	sess, err := h.engine.StartSession(r.Context(), req)
	var warning string
	switch {
	case errors.Is(err, session.ErrInvalidRoster):
		warning = err.Error()
	case errors.Is(err, session.ErrAlreadyActive):
		respondError(w, http.StatusConflict, "a session is already active")
		return
	case err != nil:
		h.logger.Error("failed to start session",
			zap.String("class", sanitizeForLog(req.ClassName)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	sum := sess.Summary()
	h.broadcaster.SendEvent(Event{Type: "started", Data: sum})
	respondJSON(w, http.StatusCreated, startSessionResponse{Summary: sum, Warning: warning})
}

// Get handles GET /session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess := h.engine.Session()
	if sess == nil {
		respondError(w, http.StatusNotFound, "no session")
		return
	}
	respondJSON(w, http.StatusOK, sess.Summary())
}

// End handles DELETE /session. Ending an ended session returns its summary.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	// the final writes must finish even if the client goes away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), constants.EndSessionTimeout)
	defer cancel()

	sum, err := h.engine.EndSession(ctx)
	switch {
	case errors.Is(err, engine.ErrNoSession):
		respondError(w, http.StatusNotFound, "no session")
		return
	case errors.Is(err, session.ErrFlushIncomplete):
		h.logger.Warn("session ended with unsaved attendance", zap.String("session_id", sum.SessionID), zap.Error(err))
		h.broadcaster.SendEvent(Event{Type: "ended", Data: sum})
		respondJSON(w, http.StatusAccepted, sum)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	h.broadcaster.SendEvent(Event{Type: "ended", Data: sum})
	respondJSON(w, http.StatusOK, sum)
}

// Recognitions handles GET /session/recognitions.
func (h *SessionHandler) Recognitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Recognitions())
}
