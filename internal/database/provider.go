package database

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/attendance/internal/config"
)

// Opener connects a backend and prepares its schema.
type Opener func(cfg *config.DatabaseConfig) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend makes a backend available under the driver name returned
// by config.DatabaseConfig.Driver. Backend packages call it from init to
// avoid import cycles.
func RegisterBackend(driver string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if open == nil {
		panic("database: RegisterBackend opener is nil")
	}
	if _, dup := backends[driver]; dup {
		panic("database: RegisterBackend called twice for driver " + driver)
	}
	backends[driver] = open
}

// Backends returns the registered driver names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the backend selected by the database URL.
func Open(cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	driver := cfg.Driver()
	backendsMu.RLock()
	open, ok := backends[driver]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no database backend registered for driver %q", driver)
	}

	store, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	return store, nil
}
