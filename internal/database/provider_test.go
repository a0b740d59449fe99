package database

import (
	"errors"
	"strings"
	"testing"

	"github.com/kozaktomas/attendance/internal/config"
)

func TestOpen_RequiresURL(t *testing.T) {
	if _, err := Open(&config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := Open(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{URL: "postgres://localhost/none"})
	if err == nil {
		t.Fatal("expected error without registered backend")
	}
	if !strings.Contains(err.Error(), `"postgres"`) {
		t.Errorf("expected driver name in error, got %v", err)
	}
}

func TestOpen_DispatchesByDriver(t *testing.T) {
	openErr := errors.New("boom")
	RegisterBackend("mysql", func(cfg *config.DatabaseConfig) (Store, error) {
		return nil, openErr
	})
	defer func() {
		backendsMu.Lock()
		delete(backends, "mysql")
		backendsMu.Unlock()
	}()

	_, err := Open(&config.DatabaseConfig{URL: "root:pw@tcp(localhost:3306)/attendance"})
	if !errors.Is(err, openErr) {
		t.Fatalf("expected wrapped opener error, got %v", err)
	}
	if got := Backends(); len(got) != 1 || got[0] != "mysql" {
		t.Errorf("Backends() = %v", got)
	}
}

func TestRegisterBackend_DuplicatePanics(t *testing.T) {
	RegisterBackend("dup", func(cfg *config.DatabaseConfig) (Store, error) { return nil, nil })
	defer func() {
		backendsMu.Lock()
		delete(backends, "dup")
		backendsMu.Unlock()
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	RegisterBackend("dup", func(cfg *config.DatabaseConfig) (Store, error) { return nil, nil })
}

func TestAttendanceRecordPresent(t *testing.T) {
	var r AttendanceRecord
	if r.Present() {
		t.Error("record without timestamp should be absent")
	}
}
