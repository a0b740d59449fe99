// Package track smooths per-frame identity matches into a stable identity per
// spatial region of the frame.
package track

import (
	"time"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/facematch"
)

// Stable is the identity a track currently displays.
type Stable struct {
	IdentityID string  `json:"identity_id"`
	Confidence float64 `json:"confidence"`
}

// Known reports whether the stable identity is an enrolled one.
func (s Stable) Known() bool {
	return s.IdentityID != "" && s.IdentityID != bank.Unknown
}

// Track is the recent match history for one quantized box position.
type Track struct {
	Key facematch.Key

	history    []bank.CandidateMatch // ring buffer, capacity K
	head       int                   // index of the oldest entry
	count      int
	lastSeen   time.Time
	lastObs    time.Time // ObservedAt of the newest applied candidate
	unknownRun int
	stable     Stable
}

func newTrack(key facematch.Key, size int) *Track {
	return &Track{
		Key:     key,
		history: make([]bank.CandidateMatch, size),
		stable:  Stable{IdentityID: bank.Unknown},
	}
}

// push appends c, evicting the oldest entry once the buffer is full.
func (t *Track) push(c bank.CandidateMatch) {
	size := len(t.history)
	if t.count < size {
		t.history[(t.head+t.count)%size] = c
		t.count++
		return
	}
	t.history[t.head] = c
	t.head = (t.head + 1) % size
}

// each visits the buffer from oldest to newest.
func (t *Track) each(fn func(i int, c bank.CandidateMatch)) {
	size := len(t.history)
	for i := range t.count {
		fn(i, t.history[(t.head+i)%size])
	}
}

// History returns the buffered matches from oldest to newest.
func (t *Track) History() []bank.CandidateMatch {
	out := make([]bank.CandidateMatch, 0, t.count)
	t.each(func(_ int, c bank.CandidateMatch) { out = append(out, c) })
	return out
}

// mode returns the most frequent identity in the buffer and the highest
// similarity observed for it. Ties go to the identity seen most recently.
func (t *Track) mode() Stable {
	type tally struct {
		count    int
		best     float64
		lastSeen int
	}
	counts := make(map[string]*tally, t.count)
	t.each(func(i int, c bank.CandidateMatch) {
		e, ok := counts[c.IdentityID]
		if !ok {
			e = &tally{best: c.Similarity}
			counts[c.IdentityID] = e
		}
		e.count++
		e.lastSeen = i
		if c.Similarity > e.best {
			e.best = c.Similarity
		}
	})

	var winner string
	var w *tally
	for id, e := range counts {
		if w == nil || e.count > w.count || (e.count == w.count && e.lastSeen > w.lastSeen) {
			winner, w = id, e
		}
	}
	if w == nil {
		return Stable{IdentityID: bank.Unknown}
	}
	return Stable{IdentityID: winner, Confidence: w.best}
}

// recentUnknownBest is the best similarity among the trailing run of Unknowns.
func (t *Track) recentUnknownBest() float64 {
	best := -1.0
	size := len(t.history)
	for i := 0; i < t.unknownRun && i < t.count; i++ {
		c := t.history[(t.head+t.count-1-i)%size]
		if c.Similarity > best {
			best = c.Similarity
		}
	}
	return best
}
