// Package pipeline runs captured frames through detection, embedding,
// matching and smoothing on a small pool of workers.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/logging"
	"github.com/kozaktomas/attendance/internal/track"
)

var (
	ErrNotRunning     = errors.New("pipeline not running")
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrStopTimeout is returned by Stop when workers did not exit in time.
	// The pipeline is still considered stopped.
	ErrStopTimeout = errors.New("pipeline workers did not stop in time")
)

// State is the pipeline lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a pipeline.
type Config struct {
	QueueCapacity  int
	Workers        int
	DequeueTimeout time.Duration
	StopTimeout    time.Duration
	MatchThreshold float64
	BucketSize     int
	CropSize       int
}

// ResultFunc receives every published result on the worker goroutine.
type ResultFunc func(ctx context.Context, result Result)

// Pipeline is the producer/consumer core. Submit never blocks; workers drain a
// bounded queue and publish the newest result into a single slot.
type Pipeline struct {
	cfg       Config
	detector  Detector
	extractor Extractor
	bank      func() *bank.Bank
	smoother  *track.Smoother
	onResult  ResultFunc
	metrics   *Metrics
	logger    *zap.Logger

	mu     sync.Mutex // guards lifecycle transitions
	state  atomic.Int32
	queue  chan Frame
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	latest atomic.Pointer[Result]
	seq    atomic.Uint64

	submitted atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l).Named("pipeline") }
}

// WithMetrics sets the collectors.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithResultFunc sets a callback invoked after each frame is processed.
func WithResultFunc(fn ResultFunc) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

// New creates a stopped pipeline. bankFn is called once per frame and must
// return the current bank snapshot.
func New(cfg Config, det Detector, ext Extractor, bankFn func() *bank.Bank, smoother *track.Smoother, opts ...Option) *Pipeline {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if bankFn == nil {
		empty := bank.Empty()
		bankFn = func() *bank.Bank { return empty }
	}

	p := &Pipeline{
		cfg:       cfg,
		detector:  det,
		extractor: ext,
		bank:      bankFn,
		smoother:  smoother,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Start launches the workers. ctx bounds the lifetime of in-flight detector
// and extractor calls; cancelling it also stops the workers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != Stopped {
		return ErrAlreadyRunning
	}

	workCtx, cancel := context.WithCancel(ctx)
	queue := make(chan Frame, p.cfg.QueueCapacity)
	stop := make(chan struct{})
	done := make(chan struct{})

	p.queue, p.stop, p.done, p.cancel = queue, stop, done, cancel
	p.state.Store(int32(Running))

	g := &errgroup.Group{}
	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.workerLoop(workCtx, i, queue, stop)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()

	p.logger.Info("pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_capacity", p.cfg.QueueCapacity))
	return nil
}

// Stop signals the workers to finish their in-flight frame and exit, waiting at
// most StopTimeout. On timeout it logs a warning, cancels outstanding external
// calls and returns ErrStopTimeout; the pipeline is Stopped either way.
// Stopping a stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.State() != Running {
		p.mu.Unlock()
		return nil
	}
	p.state.Store(int32(Stopping))
	close(p.stop)
	queue, done, cancel := p.queue, p.done, p.cancel
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("workers did not stop in time, abandoning them",
			zap.Duration("timeout", p.cfg.StopTimeout))
		err = ErrStopTimeout
	}

	cancel()
	// frames left behind are discarded
drain:
	for {
		select {
		case <-queue:
		default:
			break drain
		}
	}
	p.metrics.QueueDepth.Set(0)

	p.mu.Lock()
	p.state.Store(int32(Stopped))
	p.mu.Unlock()

	p.logger.Info("pipeline stopped",
		zap.Uint64("submitted", p.submitted.Load()),
		zap.Uint64("dropped", p.dropped.Load()),
		zap.Uint64("processed", p.processed.Load()))
	return err
}

// Submit offers a frame without blocking. The frame is copied before it is
// queued. When the queue is full the frame is dropped and queued is false;
// that is backpressure, not an error.
func (p *Pipeline) Submit(frame Frame) (queued bool, err error) {
	if p.State() != Running {
		return false, ErrNotRunning
	}

	p.submitted.Add(1)
	p.metrics.FramesSubmitted.Inc()

	f := frame.clone()
	f.Seq = p.seq.Add(1)
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}

	// Read under the lifecycle lock so a concurrent Stop cannot swap the queue
	// between the state check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != Running {
		return false, ErrNotRunning
	}

	select {
	case p.queue <- f:
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return true, nil
	default:
		p.dropped.Add(1)
		p.metrics.FramesDropped.Inc()
		return false, nil
	}
}

// Latest returns a copy of the most recent result, or false when nothing has
// been published yet.
func (p *Pipeline) Latest() (Result, bool) {
	r := p.latest.Load()
	if r == nil {
		return Result{}, false
	}
	return r.clone(), true
}

func (p *Pipeline) publish(r Result) {
	p.latest.Store(&r)
}

// Stats is a point-in-time snapshot of the pipeline counters.
type Stats struct {
	State         string `json:"state"`
	Submitted     uint64 `json:"submitted"`
	Dropped       uint64 `json:"dropped"`
	Processed     uint64 `json:"processed"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	ActiveTracks  int    `json:"active_tracks"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	qlen := 0
	if p.queue != nil {
		qlen = len(p.queue)
	}
	p.mu.Unlock()

	tracks := 0
	if p.smoother != nil {
		tracks = p.smoother.Len()
	}

	return Stats{
		State:         p.State().String(),
		Submitted:     p.submitted.Load(),
		Dropped:       p.dropped.Load(),
		Processed:     p.processed.Load(),
		QueueLength:   qlen,
		QueueCapacity: p.cfg.QueueCapacity,
		ActiveTracks:  tracks,
	}
}
