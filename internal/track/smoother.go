package track

import (
	"sync"
	"time"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/facematch"
)

// Smoother owns the tracks for one pipeline. It is safe for concurrent use by
// several workers.
type Smoother struct {
	mu       sync.Mutex
	tracks   map[facematch.Key]*Track
	size     int           // K
	debounce int           // M
	window   time.Duration // stale-track lifetime
	now      func() time.Time
}

// Option configures a Smoother.
type Option func(*Smoother)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Smoother) { s.now = now }
}

// NewSmoother creates a smoother keeping size observations per track, requiring
// debounce consecutive Unknowns before a known identity is dropped, and
// purging tracks unseen for longer than window.
func NewSmoother(size, debounce int, window time.Duration, opts ...Option) *Smoother {
	if size < 1 {
		size = 1
	}
	if debounce < 1 {
		debounce = 1
	}
	if debounce > size {
		debounce = size
	}
	s := &Smoother{
		tracks:   make(map[facematch.Key]*Track),
		size:     size,
		debounce: debounce,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update applies candidate to the track at key and returns the identity it
// should display. Candidates older than one already applied to the same track
// are ignored so that concurrent workers cannot reorder a track's history.
func (s *Smoother) Update(key facematch.Key, candidate bank.CandidateMatch) Stable {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[key]
	if !ok {
		t = newTrack(key, s.size)
		s.tracks[key] = t
	}

	t.lastSeen = s.now()
	if !candidate.ObservedAt.IsZero() {
		if candidate.ObservedAt.Before(t.lastObs) {
			return t.stable
		}
		t.lastObs = candidate.ObservedAt
	}

	t.push(candidate)
	if candidate.IsUnknown() {
		t.unknownRun++
	} else {
		t.unknownRun = 0
	}

	mode := t.mode()
	switch {
	case t.unknownRun >= s.debounce:
		t.stable = Stable{IdentityID: bank.Unknown, Confidence: t.recentUnknownBest()}
	case mode.IdentityID == bank.Unknown && t.stable.Known():
		// hold the known identity until the debounce run completes
	default:
		t.stable = mode
	}
	return t.stable
}

// Sweep removes tracks not seen within the smoothing window and returns how
// many were purged. Call it at the start of each processing cycle.
func (s *Smoother) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.window)
	purged := 0
	for key, t := range s.tracks {
		if t.lastSeen.Before(cutoff) {
			delete(s.tracks, key)
			purged++
		}
	}
	return purged
}

// Len returns the number of live tracks.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Get returns the stable identity of the track at key.
func (s *Smoother) Get(key facematch.Key) (Stable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[key]
	if !ok {
		return Stable{}, false
	}
	return t.stable, true
}

// Reset drops every track.
func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = make(map[facematch.Key]*Track)
}
