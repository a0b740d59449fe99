package database

import (
	"time"
)

// IdentityEmbedding is one enrolled face vector for an identity.
type IdentityEmbedding struct {
	ID         int64
	IdentityID string
	Embedding  []float32
	Model      string
	Dim        int
	Source     string // file the vector was extracted from
	CreatedAt  time.Time
}

// SessionRecord is the persisted bookkeeping for an attendance session.
type SessionRecord struct {
	ID        string
	ClassName string
	Lecturer  string
	StartedAt time.Time
	EndedAt   *time.Time // nil while the session runs
}

// AttendanceRecord is one roster member's outcome for a session. Absent
// records have neither MarkedAt nor Confidence.
type AttendanceRecord struct {
	SessionID  string
	IdentityID string
	MarkedAt   *time.Time
	Confidence *float64
}

// Present reports whether the identity was marked.
func (r AttendanceRecord) Present() bool {
	return r.MarkedAt != nil
}

// PresentMark is a buffered mark waiting to be written.
type PresentMark struct {
	IdentityID string
	MarkedAt   time.Time
	Confidence float64
}

// NearestIdentity is an enrolled identity close to a query vector.
type NearestIdentity struct {
	IdentityID string
	Distance   float64 // cosine distance, 0 = identical
}
