// Package mariadb is the MariaDB/MySQL attendance store. Vectors are kept as
// JSON and compared in process, which is fine at roster sizes.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kozaktomas/attendance/internal/config"
	"github.com/kozaktomas/attendance/internal/database"
)

func init() {
	database.RegisterBackend("mysql", func(cfg *config.DatabaseConfig) (database.Store, error) {
		return Open(context.Background(), cfg)
	})
}

// Store implements database.Store on MariaDB.
type Store struct {
	db *sql.DB
}

var _ database.Store = (*Store)(nil)

// normalizeDSN accepts a plain DSN or a mysql:// URL and forces parseTime so
// DATETIME columns scan into time.Time.
func normalizeDSN(raw string) (string, error) {
	dsn := strings.TrimPrefix(raw, "mysql://")
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse MariaDB DSN: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

// Open connects, creates missing tables and returns a ready store.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("MariaDB DSN is required")
	}

	dsn, err := normalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MariaDB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MariaDB: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identity_embeddings (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		identity_id VARCHAR(255) NOT NULL,
		embedding_json MEDIUMBLOB NOT NULL,
		model VARCHAR(255) NOT NULL DEFAULT '',
		dim INT NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_identity (identity_id)
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id VARCHAR(64) PRIMARY KEY,
		class_name VARCHAR(255) NOT NULL DEFAULT '',
		lecturer VARCHAR(255) NOT NULL DEFAULT '',
		started_at DATETIME(6) NOT NULL,
		ended_at DATETIME(6) NULL
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		session_id VARCHAR(64) NOT NULL,
		identity_id VARCHAR(255) NOT NULL,
		marked_at DATETIME(6) NULL,
		confidence DOUBLE NULL,
		PRIMARY KEY (session_id, identity_id)
	) CHARACTER SET utf8mb4`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}
