package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/attendance/internal/database"
)

// confidence is assigned before marked_at: MariaDB evaluates the SET list
// left to right, so both conditions must see the old marked_at.
const insertPresent = `
	INSERT INTO attendance_records (session_id, identity_id, marked_at, confidence)
	VALUES (?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		confidence = IF(marked_at IS NULL, VALUES(confidence), confidence),
		marked_at = IF(marked_at IS NULL, VALUES(marked_at), marked_at)
`

// RecordPresent stores a mark. An existing mark for the identity is kept.
func (s *Store) RecordPresent(ctx context.Context, sessionID, identityID string, at time.Time, confidence float64) error {
	if _, err := s.db.ExecContext(ctx, insertPresent, sessionID, identityID, at.UTC(), confidence); err != nil {
		return fmt.Errorf("record present %s: %w", identityID, err)
	}
	return nil
}

// RecordPresentBatch writes several marks in one transaction.
func (s *Store) RecordPresentBatch(ctx context.Context, sessionID string, marks []database.PresentMark) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range marks {
		if _, err := tx.ExecContext(ctx, insertPresent, sessionID, m.IdentityID, m.MarkedAt.UTC(), m.Confidence); err != nil {
			return fmt.Errorf("record present %s: %w", m.IdentityID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit present batch: %w", err)
	}
	return nil
}

// RecordAbsent stores an absent record unless one already exists.
func (s *Store) RecordAbsent(ctx context.Context, sessionID, identityID string) error {
	query := `INSERT IGNORE INTO attendance_records (session_id, identity_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, sessionID, identityID); err != nil {
		return fmt.Errorf("record absent %s: %w", identityID, err)
	}
	return nil
}

// CreateSession inserts the session row.
func (s *Store) CreateSession(ctx context.Context, rec database.SessionRecord) error {
	query := `
		INSERT INTO attendance_sessions (id, class_name, lecturer, started_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE class_name = VALUES(class_name), lecturer = VALUES(lecturer)
	`
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.ClassName, rec.Lecturer, rec.StartedAt.UTC()); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CloseSession sets ended_at.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE attendance_sessions SET ended_at = ? WHERE id = ?", endedAt.UTC(), sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// GetSession returns the session or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*database.SessionRecord, error) {
	var rec database.SessionRecord
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, class_name, lecturer, started_at, ended_at FROM attendance_sessions WHERE id = ?", sessionID,
	).Scan(&rec.ID, &rec.ClassName, &rec.Lecturer, &rec.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

// SessionRecords returns every record of a session ordered by identity.
func (s *Store) SessionRecords(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, identity_id, marked_at, confidence
		FROM attendance_records
		WHERE session_id = ?
		ORDER BY identity_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()

	var records []database.AttendanceRecord
	for rows.Next() {
		var r database.AttendanceRecord
		var markedAt sql.NullTime
		var confidence sql.NullFloat64
		if err := rows.Scan(&r.SessionID, &r.IdentityID, &markedAt, &confidence); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		if markedAt.Valid {
			t := markedAt.Time
			r.MarkedAt = &t
		}
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}
