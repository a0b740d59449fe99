// Package session implements the attendance session lifecycle: roster-scoped
// marking at most once per identity, write-behind persistence and absentee
// computation on end.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/database"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/logging"
)

var (
	// ErrInvalidRoster is returned by Start for an empty roster. The session
	// still becomes Active and will end with zero present records.
	ErrInvalidRoster = errors.New("roster is empty")
	ErrNotActive     = errors.New("session not active")
	ErrAlreadyActive = errors.New("session already active")
	// ErrEnded is returned when starting a session that already ended. Create
	// a new Session instead.
	ErrEnded = errors.New("session already ended")
	// ErrFlushIncomplete wraps store failures during End. Unwritten marks and
	// absent records stay pending and can be retried with Flush.
	ErrFlushIncomplete = errors.New("attendance flush incomplete")
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MarkEvent is emitted the first time a roster identity is marked present.
type MarkEvent struct {
	SessionID  string    `json:"session_id"`
	ClassName  string    `json:"class_name,omitempty"`
	IdentityID string    `json:"identity_id"`
	MarkedAt   time.Time `json:"marked_at"`
	Confidence float64   `json:"confidence"`
}

type mark struct {
	at         time.Time
	confidence float64
}

// Session is one attendance session. All methods are safe for concurrent use.
type Session struct {
	mu      sync.Mutex
	flushMu sync.Mutex // serializes store writes

	id        string
	className string
	lecturer  string
	flushSize int

	state         State
	roster        []string
	rosterSet     map[string]struct{}
	markThreshold float64
	marked        map[string]mark
	buffer        []database.PresentMark
	absent        []string
	absentQueue   []string // absent records not yet written
	startedAt     time.Time
	endedAt       time.Time

	store   database.AttendanceWriter
	metrics *Metrics
	logger  *zap.Logger
	audit   *zap.Logger
	now     func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session ID. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithClass labels the session with a class name and the lecturer running it.
func WithClass(className, lecturer string) Option {
	return func(s *Session) {
		s.className = className
		s.lecturer = lecturer
	}
}

// WithFlushSize sets how many marks are buffered before a write.
func WithFlushSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.flushSize = n
		}
	}
}

// WithLogger sets the logger; audit entries go to its "audit" child.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		l = logging.OrNop(l)
		s.logger = l.Named("session")
		s.audit = l.Named("audit")
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates an Idle session writing to store.
func New(store database.AttendanceWriter, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		flushSize: 5,
		store:     store,
		logger:    zap.NewNop(),
		audit:     zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// ClassName returns the class label.
func (s *Session) ClassName() string { return s.className }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start activates the session for roster. IDs are normalized and
// de-duplicated. An empty roster still activates the session but returns
// ErrInvalidRoster so the caller can warn.
func (s *Session) Start(roster []string, markThreshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Active:
		return ErrAlreadyActive
	case Ended:
		return ErrEnded
	}

	ids := facematch.NormalizeRoster(roster)
	s.roster = ids
	s.rosterSet = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.rosterSet[id] = struct{}{}
	}
	s.markThreshold = markThreshold
	s.marked = make(map[string]mark, len(ids))
	s.buffer = nil
	s.absent = nil
	s.absentQueue = nil
	s.startedAt = s.now()
	s.state = Active

	s.audit.Info("session started",
		zap.String("session_id", s.id),
		zap.String("class", s.className),
		zap.String("actor", s.lecturer),
		zap.Int("roster_size", len(ids)),
		zap.Float64("mark_threshold", markThreshold))

	if len(ids) == 0 {
		s.logger.Warn("session started with an empty roster, nobody can be marked",
			zap.String("session_id", s.id))
		return fmt.Errorf("session %s: %w", s.id, ErrInvalidRoster)
	}
	return nil
}

// OnMatch marks candidate's identity present if it is on the roster, at or
// above the mark threshold and not yet marked. It returns the event and true
// on the first qualifying match only. Calling it on a session that is not
// Active changes nothing and returns ErrNotActive.
func (s *Session) OnMatch(ctx context.Context, candidate bank.CandidateMatch) (MarkEvent, bool, error) {
	id := facematch.NormalizeIdentityID(candidate.IdentityID)

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return MarkEvent{}, false, ErrNotActive
	}
	if id == "" || id == bank.Unknown || candidate.Similarity < s.markThreshold {
		s.mu.Unlock()
		return MarkEvent{}, false, nil
	}
	if _, ok := s.rosterSet[id]; !ok {
		s.mu.Unlock()
		return MarkEvent{}, false, nil
	}
	if _, ok := s.marked[id]; ok {
		s.mu.Unlock()
		return MarkEvent{}, false, nil
	}

	at := s.now()
	s.marked[id] = mark{at: at, confidence: candidate.Similarity}
	s.buffer = append(s.buffer, database.PresentMark{IdentityID: id, MarkedAt: at, Confidence: candidate.Similarity})
	shouldFlush := len(s.buffer) >= s.flushSize
	ev := MarkEvent{
		SessionID:  s.id,
		ClassName:  s.className,
		IdentityID: id,
		MarkedAt:   at,
		Confidence: candidate.Similarity,
	}
	s.mu.Unlock()

	s.metrics.Marks.Inc()
	s.audit.Info("attendance marked",
		zap.String("session_id", s.id),
		zap.String("identity_id", id),
		zap.String("actor", s.lecturer),
		zap.Float64("confidence", candidate.Similarity))

	if shouldFlush {
		// failures keep the marks buffered for the next flush
		_ = s.Flush(ctx)
	}
	return ev, true, nil
}

// Flush writes buffered marks and, once the session has ended, the absent
// records still owed to the store. Marks go first. Anything that fails
// stays queued, marks ahead of those added meanwhile, so Flush can be called
// again in any state until Pending reports zero.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var errs []error
	if err := s.flushMarks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush marks: %w", err))
	}
	if err := s.flushAbsent(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) flushMarks(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	written, err := s.write(ctx, batch)
	if err != nil {
		rest := batch[written:]
		s.mu.Lock()
		s.buffer = append(append(make([]database.PresentMark, 0, len(rest)+len(s.buffer)), rest...), s.buffer...)
		pending := len(s.buffer)
		s.mu.Unlock()

		s.metrics.FlushFailures.Inc()
		s.logger.Warn("failed to flush attendance marks, will retry",
			zap.String("session_id", s.id),
			zap.Int("written", written),
			zap.Int("pending", pending),
			zap.Error(err))
		return err
	}

	s.logger.Debug("flushed attendance marks",
		zap.String("session_id", s.id), zap.Int("count", len(batch)))
	return nil
}

func (s *Session) flushAbsent(ctx context.Context) error {
	s.mu.Lock()
	queue := s.absentQueue
	s.absentQueue = nil
	s.mu.Unlock()

	if len(queue) == 0 || s.store == nil {
		return nil
	}

	var (
		failed []string
		errs   []error
	)
	for _, id := range queue {
		if err := s.store.RecordAbsent(ctx, s.id, id); err != nil {
			failed = append(failed, id)
			errs = append(errs, fmt.Errorf("record absent %s: %w", id, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}

	s.mu.Lock()
	s.absentQueue = append(failed, s.absentQueue...)
	s.mu.Unlock()

	s.metrics.FlushFailures.Inc()
	s.logger.Warn("failed to record absentees, will retry",
		zap.String("session_id", s.id),
		zap.Int("written", len(queue)-len(failed)),
		zap.Int("pending", len(failed)),
		zap.Error(errs[0]))
	return errors.Join(errs...)
}

// write persists batch and reports how many marks are known to be stored.
func (s *Session) write(ctx context.Context, batch []database.PresentMark) (int, error) {
	if s.store == nil {
		return len(batch), nil
	}
	if bw, ok := s.store.(database.BatchPresentWriter); ok {
		if err := bw.RecordPresentBatch(ctx, s.id, batch); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	for i, m := range batch {
		if err := s.store.RecordPresent(ctx, s.id, m.IdentityID, m.MarkedAt, m.Confidence); err != nil {
			return i, err
		}
	}
	return len(batch), nil
}

// End flushes pending marks, records every unmarked roster identity as
// absent and moves the session to Ended. Ending a session that is not Active
// is a logged no-op. Store failures are returned wrapped in
// ErrFlushIncomplete; the session is Ended regardless.
func (s *Session) End(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.state != Active {
		state := s.state
		s.mu.Unlock()
		s.logger.Info("end requested for a session that is not active, ignoring",
			zap.String("session_id", s.id), zap.Stringer("state", state))
		return s.Summary(), nil
	}

	s.state = Ended
	s.endedAt = s.now()
	absent := make([]string, 0, len(s.roster)-len(s.marked))
	for _, id := range s.roster {
		if _, ok := s.marked[id]; !ok {
			absent = append(absent, id)
		}
	}
	s.absent = absent
	s.absentQueue = append([]string(nil), absent...)
	s.mu.Unlock()

	flushErr := s.Flush(ctx)

	summary := s.Summary()
	s.audit.Info("session ended",
		zap.String("session_id", s.id),
		zap.String("actor", s.lecturer),
		zap.Int("present", summary.Present),
		zap.Int("absent", summary.Absent),
		zap.Float64("rate", summary.Rate))

	if flushErr != nil {
		s.logger.Warn("session ended with persistence errors",
			zap.String("session_id", s.id),
			zap.Int("pending", summary.Pending),
			zap.Error(flushErr))
		return summary, fmt.Errorf("%w: %w", ErrFlushIncomplete, flushErr)
	}
	return summary, nil
}

// IsMarked reports whether identityID was marked.
func (s *Session) IsMarked(identityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marked[facematch.NormalizeIdentityID(identityID)]
	return ok
}

// Marked returns a copy of the mark times by identity.
func (s *Session) Marked() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.marked))
	for id, m := range s.marked {
		out[id] = m.at
	}
	return out
}

// Roster returns a copy of the normalized roster.
func (s *Session) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.roster...)
}

// OnRoster reports whether identityID belongs to the roster.
func (s *Session) OnRoster(identityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rosterSet[facematch.NormalizeIdentityID(identityID)]
	return ok
}

// Pending returns the number of marks and absent records not yet written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) + len(s.absentQueue)
}
