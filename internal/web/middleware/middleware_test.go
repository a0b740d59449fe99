package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestCORS(t *testing.T) {
	allowed := ParseAllowedOrigins("https://attendance.example.edu, ,https://lecturer.example.edu")
	if len(allowed) != 2 {
		t.Fatalf("expected 2 origins, got %d", len(allowed))
	}

	tests := []struct {
		name       string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin", "https://attendance.example.edu", http.MethodGet, "https://attendance.example.edu", http.StatusTeapot},
		{"localhost with port", "http://localhost:5173", http.MethodGet, "http://localhost:5173", http.StatusTeapot},
		{"localhost lookalike", "http://localhost.evil.com", http.MethodGet, "", http.StatusTeapot},
		{"unknown origin", "https://evil.example.com", http.MethodGet, "", http.StatusTeapot},
		{"no origin", "", http.MethodGet, "", http.StatusTeapot},
		{"preflight", "https://lecturer.example.edu", http.MethodOptions, "https://lecturer.example.edu", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/result", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(allowed)(ok).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusTeapot},
		{"valid", "s3cret", "Bearer s3cret", http.StatusTeapot},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			RequireToken(tt.token)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/frames", nil)
	rec := httptest.NewRecorder()

	Logger(zap.New(core))(ok).ServeHTTP(rec, req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/api/v1/frames" {
		t.Errorf("unexpected path field %v", fields["path"])
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("unexpected status field %v (%T)", fields["status"], fields["status"])
	}
}
