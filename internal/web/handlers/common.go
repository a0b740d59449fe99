// Package handlers implements the HTTP API of the attendance engine.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kozaktomas/attendance/internal/engine"
	"github.com/kozaktomas/attendance/internal/pipeline"
	"github.com/kozaktomas/attendance/internal/session"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Engine is the part of *engine.Engine the handlers use.
type Engine interface {
	StartSession(ctx context.Context, req engine.SessionRequest) (*session.Session, error)
	EndSession(ctx context.Context) (session.Summary, error)
	Session() *session.Session
	Recognitions() []engine.Recognition
	Submit(frame pipeline.Frame) (bool, error)
	Latest() (pipeline.Result, bool)
}

var _ Engine = (*engine.Engine)(nil)

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
