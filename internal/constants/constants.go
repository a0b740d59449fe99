// Package constants provides shared constants used across the codebase.
package constants

import "time"

// HTTP surface
const (
	// EventChannelBuffer is the buffer of each SSE listener channel
	EventChannelBuffer = 100

	// MaxFrameBytes is the largest encoded frame accepted over HTTP
	MaxFrameBytes = 10 << 20

	// MaxEnrollImageBytes is the largest enrollment image read from disk
	MaxEnrollImageBytes = 20 << 20
)

// Enrollment
const (
	// EnrollWorkers is the number of images embedded in parallel
	EnrollWorkers = 4

	// CollisionNeighbors is how many nearest identities are reported on a collision
	CollisionNeighbors = 3
)

// Sessions
const (
	// PendingRetryInterval is how often writes left over from ended sessions
	// are retried
	PendingRetryInterval = 30 * time.Second

	// EndSessionTimeout bounds the final flush when a session is ended over HTTP
	EndSessionTimeout = 30 * time.Second
)

// Detection
const (
	// MinDetectionScore drops low-confidence detections from the face server
	MinDetectionScore = 0.5
)
