package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/attendance/internal/database"
)

const insertPresent = `
	INSERT INTO attendance_records (session_id, identity_id, marked_at, confidence)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (session_id, identity_id) DO UPDATE SET
		marked_at = EXCLUDED.marked_at,
		confidence = EXCLUDED.confidence
	WHERE attendance_records.marked_at IS NULL
`

// RecordPresent stores a mark. An existing mark for the identity is kept.
func (s *Store) RecordPresent(ctx context.Context, sessionID, identityID string, at time.Time, confidence float64) error {
	if _, err := s.pool.Exec(ctx, insertPresent, sessionID, identityID, at, confidence); err != nil {
		return fmt.Errorf("record present %s: %w", identityID, err)
	}
	return nil
}

// RecordPresentBatch writes several marks in one transaction.
func (s *Store) RecordPresentBatch(ctx context.Context, sessionID string, marks []database.PresentMark) error {
	if len(marks) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertPresent)
	if err != nil {
		return fmt.Errorf("prepare present insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range marks {
		if _, err := stmt.ExecContext(ctx, sessionID, m.IdentityID, m.MarkedAt, m.Confidence); err != nil {
			return fmt.Errorf("record present %s: %w", m.IdentityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit present batch: %w", err)
	}
	return nil
}

// RecordAbsent stores an absent record unless the identity was already marked.
func (s *Store) RecordAbsent(ctx context.Context, sessionID, identityID string) error {
	query := `
		INSERT INTO attendance_records (session_id, identity_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id, identity_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, identityID); err != nil {
		return fmt.Errorf("record absent %s: %w", identityID, err)
	}
	return nil
}

// CreateSession inserts the session row. Re-creating an existing session
// updates its labels.
func (s *Store) CreateSession(ctx context.Context, rec database.SessionRecord) error {
	query := `
		INSERT INTO attendance_sessions (id, class_name, lecturer, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			class_name = EXCLUDED.class_name,
			lecturer = EXCLUDED.lecturer
	`
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.ClassName, rec.Lecturer, rec.StartedAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CloseSession sets ended_at.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if _, err := s.pool.Exec(ctx, "UPDATE attendance_sessions SET ended_at = $2 WHERE id = $1", sessionID, endedAt); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// GetSession returns the session or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*database.SessionRecord, error) {
	query := `
		SELECT id, class_name, lecturer, started_at, ended_at
		FROM attendance_sessions
		WHERE id = $1
	`

	var rec database.SessionRecord
	var endedAt sql.NullTime
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&rec.ID, &rec.ClassName, &rec.Lecturer, &rec.StartedAt, &endedAt)
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
	query := `
		SELECT session_id, identity_id, marked_at, confidence
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY identity_id
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
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
