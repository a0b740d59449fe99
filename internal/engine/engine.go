// Package engine wires the embedding bank, frame pipeline, track smoother and
// attendance session into one service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/config"
	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/database"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/logging"
	"github.com/kozaktomas/attendance/internal/pipeline"
	"github.com/kozaktomas/attendance/internal/session"
	"github.com/kozaktomas/attendance/internal/track"
)

// ErrNoSession is returned when an operation needs a session and none was started.
var ErrNoSession = errors.New("no session started")

// Store is the persistence the engine needs.
type Store interface {
	database.AttendanceStore
	database.SessionStore
}

// Notifier receives first-seen mark events. Implementations must not block
// for long; they run on a pipeline worker.
type Notifier interface {
	Notify(ctx context.Context, ev session.MarkEvent) error
}

// MarkListener is called for every mark event after the notifier.
type MarkListener func(ev session.MarkEvent)

// SessionRequest describes a session to start.
type SessionRequest struct {
	ID        string   `json:"id,omitempty"`
	ClassName string   `json:"class_name"`
	Lecturer  string   `json:"lecturer,omitempty"`
	Roster    []string `json:"roster"`
	// MarkThreshold overrides the configured threshold when set.
	MarkThreshold *float64 `json:"mark_threshold,omitempty"`
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      config.EngineConfig
	store    Store
	notifier Notifier
	root     *zap.Logger
	logger   *zap.Logger

	bank     atomic.Pointer[bank.Bank]
	smoother *track.Smoother
	pipeline *pipeline.Pipeline

	sessionMetrics *session.Metrics

	mu        sync.Mutex // serializes session start and end
	current   atomic.Pointer[session.Session]
	unflushed []*session.Session // ended sessions still owing store writes
	listeners []MarkListener
	listenMu  sync.RWMutex

	retryInterval time.Duration
	retryStop     chan struct{}
	retryDone     chan struct{}

	recognitions *RecognitionLog
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	reg           prometheus.Registerer
	notifier      Notifier
	clock         func() time.Time
	retryInterval time.Duration
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers pipeline and session metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithNotifier sets where mark events are sent.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock replaces time.Now in the smoother, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithRetryInterval sets how often pending writes of ended sessions are
// retried while the engine runs.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// New creates a stopped engine with an empty bank.
func New(cfg config.EngineConfig, store Store, det pipeline.Detector, ext pipeline.Extractor, opts ...Option) *Engine {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}
	if o.retryInterval <= 0 {
		o.retryInterval = constants.PendingRetryInterval
	}

	var smootherOpts []track.Option
	if o.clock != nil {
		smootherOpts = append(smootherOpts, track.WithClock(o.clock))
	}

	e := &Engine{
		cfg:            cfg,
		store:          store,
		notifier:       o.notifier,
		root:           logger,
		logger:         logger.Named("engine"),
		smoother:       track.NewSmoother(cfg.HistorySize, cfg.UnknownDebounce, cfg.SmoothingWindow, smootherOpts...),
		sessionMetrics: session.NewMetrics(o.reg),
		recognitions:   newRecognitionLog(),
		retryInterval:  o.retryInterval,
	}
	e.bank.Store(bank.Empty())

	e.pipeline = pipeline.New(pipeline.Config{
		QueueCapacity:  cfg.QueueCapacity,
		Workers:        cfg.Workers,
		DequeueTimeout: cfg.DequeueTimeout,
		StopTimeout:    cfg.StopTimeout,
		MatchThreshold: cfg.MatchThreshold,
		BucketSize:     cfg.BucketSize,
		CropSize:       cfg.CropSize,
	}, det, ext, e.Bank, e.smoother,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(pipeline.NewMetrics(o.reg)),
		pipeline.WithResultFunc(e.handleResult),
	)
	return e
}

// Bank returns the current bank snapshot.
func (e *Engine) Bank() *bank.Bank {
	return e.bank.Load()
}

// Pipeline exposes the frame pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipeline
}

// Start starts the frame pipeline and the retry loop for writes left over
// from ended sessions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pipeline.Start(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.retryStop == nil {
		e.retryStop = make(chan struct{})
		e.retryDone = make(chan struct{})
		go e.retryLoop(ctx, e.retryStop, e.retryDone)
	}
	e.mu.Unlock()
	return nil
}

// Stop stops the frame pipeline and the retry loop. The session is left as
// is; call FlushPending to make a last attempt at owed writes.
func (e *Engine) Stop() error {
	e.mu.Lock()
	stop, done := e.retryStop, e.retryDone
	e.retryStop, e.retryDone = nil, nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return e.pipeline.Stop()
}

func (e *Engine) retryLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.FlushPending(ctx); err != nil {
				e.logger.Debug("pending session writes still failing", zap.Error(err))
			}
		}
	}
}

// FlushPending retries the store writes still owed by ended sessions and
// returns how many records remain unwritten.
func (e *Engine) FlushPending(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushPendingLocked(ctx)
}

func (e *Engine) flushPendingLocked(ctx context.Context) (int, error) {
	var (
		errs      []error
		remaining int
		kept      []*session.Session
	)
	for _, sess := range e.unflushed {
		if err := sess.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
		}
		if n := sess.Pending(); n > 0 {
			remaining += n
			kept = append(kept, sess)
			continue
		}
		e.logger.Info("pending attendance records written", zap.String("session_id", sess.ID()))
	}
	e.unflushed = kept
	return remaining, errors.Join(errs...)
}

// trackUnflushed remembers sess until its owed writes succeed.
func (e *Engine) trackUnflushed(sess *session.Session) {
	if sess.Pending() == 0 {
		return
	}
	for _, s := range e.unflushed {
		if s == sess {
			return
		}
	}
	e.unflushed = append(e.unflushed, sess)
	e.logger.Warn("ended session still owes store writes, will retry",
		zap.String("session_id", sess.ID()), zap.Int("pending", sess.Pending()))
}

// PendingSessions returns the IDs of ended sessions with unwritten records.
func (e *Engine) PendingSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.unflushed))
	for _, s := range e.unflushed {
		ids = append(ids, s.ID())
	}
	return ids
}

// Submit offers a frame to the pipeline without blocking.
func (e *Engine) Submit(frame pipeline.Frame) (bool, error) {
	return e.pipeline.Submit(frame)
}

// Latest returns a copy of the newest result.
func (e *Engine) Latest() (pipeline.Result, bool) {
	return e.pipeline.Latest()
}

// Session returns the current session, or nil before the first start.
func (e *Engine) Session() *session.Session {
	return e.current.Load()
}

// Recognitions returns the first-seen recognition log of the current session.
func (e *Engine) Recognitions() []Recognition {
	return e.recognitions.Entries()
}

// AddMarkListener registers fn for every future mark event.
func (e *Engine) AddMarkListener(fn MarkListener) {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// StartSession loads the roster's embeddings, swaps in a new bank and
// activates a new session. An empty roster still starts the session; the
// returned error then wraps session.ErrInvalidRoster.
func (e *Engine) StartSession(ctx context.Context, req SessionRequest) (*session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.current.Load(); cur != nil && cur.State() == session.Active {
		return nil, session.ErrAlreadyActive
	}
	if len(e.unflushed) > 0 {
		// a failure here must not block the next class; the sessions stay tracked
		if n, err := e.flushPendingLocked(ctx); err != nil {
			e.logger.Warn("earlier sessions still owe store writes",
				zap.Int("pending", n), zap.Error(err))
		}
	}

	roster := facematch.NormalizeRoster(req.Roster)
	b, err := e.loadBank(ctx, roster)
	if err != nil {
		return nil, err
	}

	markThreshold := e.cfg.MarkThreshold
	if req.MarkThreshold != nil {
		markThreshold = *req.MarkThreshold
	}

	sess := session.New(e.store,
		session.WithID(req.ID),
		session.WithClass(req.ClassName, req.Lecturer),
		session.WithFlushSize(e.cfg.FlushSize),
		session.WithLogger(e.root),
		session.WithMetrics(e.sessionMetrics),
	)
	startErr := sess.Start(roster, markThreshold)
	if startErr != nil && !errors.Is(startErr, session.ErrInvalidRoster) {
		return nil, startErr
	}

	if e.store != nil {
		err := e.store.CreateSession(ctx, database.SessionRecord{
			ID:        sess.ID(),
			ClassName: req.ClassName,
			Lecturer:  req.Lecturer,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			// marks do not reference the session row, so attendance still persists
			e.logger.Warn("failed to persist session", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}

	e.bank.Store(b)
	e.smoother.Reset()
	e.recognitions.reset(roster)
	e.current.Store(sess)

	e.logger.Info("session started",
		zap.String("session_id", sess.ID()),
		zap.String("class", req.ClassName),
		zap.Int("roster", len(roster)),
		zap.Int("bank_vectors", b.Len()))
	return sess, startErr
}

// loadBank builds a bank from the stored embeddings of roster identities.
func (e *Engine) loadBank(ctx context.Context, roster []string) (*bank.Bank, error) {
	if len(roster) == 0 || e.store == nil {
		return bank.Empty(), nil
	}
	embs, err := e.store.LoadRosterEmbeddings(ctx, roster)
	if err != nil {
		return nil, fmt.Errorf("load roster embeddings: %w", err)
	}

	entries := make([]bank.Entry, 0, len(embs))
	for _, emb := range embs {
		entries = append(entries, bank.Entry{IdentityID: emb.IdentityID, Vector: emb.Embedding})
	}
	b, err := bank.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build bank: %w", err)
	}

	enrolled := make(map[string]struct{}, b.Len())
	for _, id := range b.Identities() {
		enrolled[id] = struct{}{}
	}
	var missing []string
	for _, id := range roster {
		if _, ok := enrolled[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		e.logger.Warn("roster identities without enrolled embeddings cannot be recognized",
			zap.Strings("identities", missing))
	}
	return b, nil
}

// EndSession ends the current session. Ending twice returns the same summary.
func (e *Engine) EndSession(ctx context.Context) (session.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.current.Load()
	if sess == nil {
		return session.Summary{}, ErrNoSession
	}

	wasActive := sess.State() == session.Active
	if !wasActive && sess.State() == session.Ended && sess.Pending() > 0 {
		// ending again retries what the first End could not write
		e.trackUnflushed(sess)
		if _, err := e.flushPendingLocked(ctx); err != nil {
			return sess.Summary(), fmt.Errorf("%w: %w", session.ErrFlushIncomplete, err)
		}
		return sess.Summary(), nil
	}
	sum, err := sess.End(ctx)
	if err != nil {
		e.trackUnflushed(sess)
	}
	if wasActive && e.store != nil {
		endedAt := time.Now().UTC()
		if sum.EndedAt != nil {
			endedAt = *sum.EndedAt
		}
		if cerr := e.store.CloseSession(ctx, sess.ID(), endedAt); cerr != nil {
			e.logger.Warn("failed to close persisted session", zap.String("session_id", sess.ID()), zap.Error(cerr))
		}
	}
	return sum, err
}

// handleResult runs on a pipeline worker for every processed frame.
func (e *Engine) handleResult(ctx context.Context, res pipeline.Result) {
	sess := e.current.Load()
	for _, rec := range res.Recognitions {
		stable := rec.Stable()
		if !stable.Known() {
			continue
		}
		e.recognitions.observe(stable.IdentityID, stable.Confidence, res.CapturedAt)

		if sess == nil {
			continue
		}
		ev, marked, err := sess.OnMatch(ctx, bank.CandidateMatch{
			IdentityID: stable.IdentityID,
			Similarity: stable.Confidence,
			ObservedAt: res.CapturedAt,
		})
		if err != nil {
			if !errors.Is(err, session.ErrNotActive) {
				e.logger.Warn("mark failed", zap.String("identity_id", stable.IdentityID), zap.Error(err))
			}
			continue
		}
		if marked {
			e.emit(ctx, ev)
		}
	}
}

func (e *Engine) emit(ctx context.Context, ev session.MarkEvent) {
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.Warn("failed to queue notification",
				zap.String("identity_id", ev.IdentityID), zap.Error(err))
		}
	}
	e.listenMu.RLock()
	listeners := e.listeners
	e.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
