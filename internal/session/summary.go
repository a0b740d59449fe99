package session

import (
	"sort"
	"time"
)

// PresentEntry is one marked identity in a Summary.
type PresentEntry struct {
	IdentityID string    `json:"identity_id"`
	MarkedAt   time.Time `json:"marked_at"`
	Confidence float64   `json:"confidence"`
}

// Summary is a snapshot of a session's attendance.
type Summary struct {
	SessionID  string         `json:"session_id"`
	ClassName  string         `json:"class_name,omitempty"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	RosterSize int            `json:"roster_size"`
	Present    int            `json:"present"`
	Absent     int            `json:"absent"`
	Rate       float64        `json:"rate"`
	Marks      []PresentEntry `json:"marks"`
	AbsentIDs  []string       `json:"absent_ids,omitempty"`
	Pending    int            `json:"pending"`
}

// Summary returns the current attendance snapshot. Absent counts are only
// final once the session has ended; before that they are the identities not
// yet seen.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		SessionID:  s.id,
		ClassName:  s.className,
		State:      s.state.String(),
		StartedAt:  s.startedAt,
		RosterSize: len(s.roster),
		Present:    len(s.marked),
		Pending:    len(s.buffer) + len(s.absentQueue),
		Marks:      make([]PresentEntry, 0, len(s.marked)),
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		sum.EndedAt = &t
	}

	for id, m := range s.marked {
		sum.Marks = append(sum.Marks, PresentEntry{IdentityID: id, MarkedAt: m.at, Confidence: m.confidence})
	}
	sort.Slice(sum.Marks, func(i, j int) bool {
		if !sum.Marks[i].MarkedAt.Equal(sum.Marks[j].MarkedAt) {
			return sum.Marks[i].MarkedAt.Before(sum.Marks[j].MarkedAt)
		}
		return sum.Marks[i].IdentityID < sum.Marks[j].IdentityID
	})

	if s.state == Ended {
		sum.AbsentIDs = append([]string(nil), s.absent...)
	} else {
		for _, id := range s.roster {
			if _, ok := s.marked[id]; !ok {
				sum.AbsentIDs = append(sum.AbsentIDs, id)
			}
		}
	}
	sum.Absent = len(sum.AbsentIDs)

	if sum.RosterSize > 0 {
		sum.Rate = float64(sum.Present) / float64(sum.RosterSize)
	}
	return sum
}
