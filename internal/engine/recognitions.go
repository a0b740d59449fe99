package engine

import (
	"sort"
	"sync"
	"time"
)

// Recognition is one identity displayed as stable during a session.
type Recognition struct {
	IdentityID string    `json:"identity_id"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Confidence float64   `json:"confidence"`
	OnRoster   bool      `json:"on_roster"`
}

// RecognitionLog keeps the first time each identity was recognized.
type RecognitionLog struct {
	mu      sync.Mutex
	roster  map[string]struct{}
	entries map[string]*Recognition
}

func newRecognitionLog() *RecognitionLog {
	return &RecognitionLog{entries: make(map[string]*Recognition)}
}

func (l *RecognitionLog) reset(roster []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roster = make(map[string]struct{}, len(roster))
	for _, id := range roster {
		l.roster[id] = struct{}{}
	}
	l.entries = make(map[string]*Recognition)
}

func (l *RecognitionLog) observe(identityID string, confidence float64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.entries[identityID]
	if !ok {
		_, onRoster := l.roster[identityID]
		l.entries[identityID] = &Recognition{
			IdentityID: identityID,
			FirstSeen:  at,
			LastSeen:   at,
			Confidence: confidence,
			OnRoster:   onRoster,
		}
		return
	}
	if at.After(r.LastSeen) {
		r.LastSeen = at
	}
	if confidence > r.Confidence {
		r.Confidence = confidence
	}
}

// Entries returns the log ordered by first sighting.
func (l *RecognitionLog) Entries() []Recognition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Recognition, 0, len(l.entries))
	for _, r := range l.entries {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}
