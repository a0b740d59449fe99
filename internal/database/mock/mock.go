// Package mock provides an in-memory database.Store for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/database"
)

// MockStore is an in-memory implementation of database.Store.
type MockStore struct {
	mu         sync.RWMutex
	embeddings []database.IdentityEmbedding
	sessions   map[string]*database.SessionRecord
	records    map[string]map[string]*database.AttendanceRecord // session -> identity -> record
	nextID     int64

	// Error injection
	RecordPresentError error
	RecordAbsentError  error
	LoadRosterError    error
	CreateSessionError error
	CloseSessionError  error
	SaveEmbeddingError error
	NearestError       error

	// FailPresentCalls makes the next N RecordPresent calls fail with
	// RecordPresentError (or a generic error) and then succeed again.
	FailPresentCalls int

	// Call counters
	PresentCalls int
	AbsentCalls  int
	Closed       bool
}

var _ database.Store = (*MockStore)(nil)

// NewMockStore creates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*database.SessionRecord),
		records:  make(map[string]map[string]*database.AttendanceRecord),
	}
}

// AddEmbedding adds an enrolled vector.
func (m *MockStore) AddEmbedding(identityID string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.embeddings = append(m.embeddings, database.IdentityEmbedding{
		ID: m.nextID, IdentityID: identityID, Embedding: vec, Dim: len(vec), CreatedAt: time.Now(),
	})
}

func (m *MockStore) record(sessionID, identityID string) *database.AttendanceRecord {
	bySession, ok := m.records[sessionID]
	if !ok {
		bySession = make(map[string]*database.AttendanceRecord)
		m.records[sessionID] = bySession
	}
	r, ok := bySession[identityID]
	if !ok {
		r = &database.AttendanceRecord{SessionID: sessionID, IdentityID: identityID}
		bySession[identityID] = r
	}
	return r
}

// RecordPresent stores a mark, keeping an existing one.
func (m *MockStore) RecordPresent(ctx context.Context, sessionID, identityID string, at time.Time, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PresentCalls++

	if m.FailPresentCalls > 0 {
		m.FailPresentCalls--
		if m.RecordPresentError != nil {
			return m.RecordPresentError
		}
		return fmt.Errorf("mock: record present failed")
	}
	if m.RecordPresentError != nil {
		return m.RecordPresentError
	}

	r := m.record(sessionID, identityID)
	if r.MarkedAt == nil {
		t, c := at, confidence
		r.MarkedAt = &t
		r.Confidence = &c
	}
	return nil
}

// RecordAbsent stores an absent record unless one exists.
func (m *MockStore) RecordAbsent(ctx context.Context, sessionID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AbsentCalls++
	if m.RecordAbsentError != nil {
		return m.RecordAbsentError
	}
	m.record(sessionID, identityID)
	return nil
}

// LoadRosterEmbeddings returns the vectors of roster identities.
func (m *MockStore) LoadRosterEmbeddings(ctx context.Context, roster []string) ([]database.IdentityEmbedding, error) {
	if m.LoadRosterError != nil {
		return nil, m.LoadRosterError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]struct{}, len(roster))
	for _, id := range roster {
		want[id] = struct{}{}
	}
	var out []database.IdentityEmbedding
	for _, e := range m.embeddings {
		if _, ok := want[e.IdentityID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateSession stores session bookkeeping.
func (m *MockStore) CreateSession(ctx context.Context, s database.SessionRecord) error {
	if m.CreateSessionError != nil {
		return m.CreateSessionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &s
	return nil
}

// CloseSession sets the end time.
func (m *MockStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if m.CloseSessionError != nil {
		return m.CloseSessionError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.EndedAt = &endedAt
	}
	return nil
}

// GetSession returns a copy of the session or nil.
func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*database.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// SessionRecords returns the session's records ordered by identity.
func (m *MockStore) SessionRecords(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []database.AttendanceRecord
	for _, r := range m.records[sessionID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// SaveIdentityEmbedding stores an enrolled vector.
func (m *MockStore) SaveIdentityEmbedding(ctx context.Context, emb database.IdentityEmbedding) (int64, error) {
	if m.SaveEmbeddingError != nil {
		return 0, m.SaveEmbeddingError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	emb.ID = m.nextID
	emb.Dim = len(emb.Embedding)
	emb.CreatedAt = time.Now()
	m.embeddings = append(m.embeddings, emb)
	return emb.ID, nil
}

// NearestIdentities ranks identities by brute-force cosine distance.
func (m *MockStore) NearestIdentities(ctx context.Context, embedding []float32, limit int) ([]database.NearestIdentity, error) {
	if m.NearestError != nil {
		return nil, m.NearestError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := make(map[string]float64)
	for _, e := range m.embeddings {
		d := 1 - bank.CosineSimilarity(embedding, e.Embedding)
		if cur, ok := best[e.IdentityID]; !ok || d < cur {
			best[e.IdentityID] = d
		}
	}
	out := make([]database.NearestIdentity, 0, len(best))
	for id, d := range best {
		out = append(out, database.NearestIdentity{IdentityID: id, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountIdentityEmbeddings returns the number of stored vectors.
func (m *MockStore) CountIdentityEmbeddings(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.embeddings), nil
}

// ListIdentities returns distinct identity IDs, sorted.
func (m *MockStore) ListIdentities(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range m.embeddings {
		if _, ok := seen[e.IdentityID]; !ok {
			seen[e.IdentityID] = struct{}{}
			ids = append(ids, e.IdentityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// SetRecordPresentError sets RecordPresentError under the store lock, for
// tests that toggle failures while other goroutines write.
func (m *MockStore) SetRecordPresentError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordPresentError = err
}

// SetRecordAbsentError sets RecordAbsentError under the store lock.
func (m *MockStore) SetRecordAbsentError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordAbsentError = err
}

// Counts returns how many present and absent records a session has.
func (m *MockStore) Counts(sessionID string) (present, absent int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records[sessionID] {
		if r.Present() {
			present++
		} else {
			absent++
		}
	}
	return present, absent
}

// Calls returns the RecordPresent and RecordAbsent call counters.
func (m *MockStore) Calls() (present, absent int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PresentCalls, m.AbsentCalls
}
