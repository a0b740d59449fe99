package database

import (
	"context"
	"time"
)

// AttendanceWriter records session outcomes. Both calls are idempotent per
// (session, identity): a repeated present mark keeps the first one, and an
// absent record never overwrites a present one.
type AttendanceWriter interface {
	RecordPresent(ctx context.Context, sessionID, identityID string, at time.Time, confidence float64) error
	RecordAbsent(ctx context.Context, sessionID, identityID string) error
}

// BatchPresentWriter is implemented by stores that can write several marks in
// one round trip. Callers fall back to RecordPresent otherwise.
type BatchPresentWriter interface {
	RecordPresentBatch(ctx context.Context, sessionID string, marks []PresentMark) error
}

// RosterLoader loads the enrolled vectors of the given identities.
type RosterLoader interface {
	LoadRosterEmbeddings(ctx context.Context, roster []string) ([]IdentityEmbedding, error)
}

// AttendanceStore is what a running session needs from persistence.
type AttendanceStore interface {
	AttendanceWriter
	RosterLoader
}

// SessionStore keeps session bookkeeping.
type SessionStore interface {
	CreateSession(ctx context.Context, s SessionRecord) error
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
	// GetSession returns nil when the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// SessionRecords returns every attendance record of a session ordered by identity.
	SessionRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}

// IdentityWriter manages enrolled vectors.
type IdentityWriter interface {
	SaveIdentityEmbedding(ctx context.Context, emb IdentityEmbedding) (int64, error)
	// NearestIdentities returns up to limit identities ordered by their closest vector.
	NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]NearestIdentity, error)
	CountIdentityEmbeddings(ctx context.Context) (int, error)
	ListIdentities(ctx context.Context) ([]string, error)
}

// Store is a complete backend.
type Store interface {
	AttendanceStore
	SessionStore
	IdentityWriter
	Close() error
}
