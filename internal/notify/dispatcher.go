package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/attendance/internal/logging"
	"github.com/kozaktomas/attendance/internal/session"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Dispatcher queues events and delivers them on its own goroutine, so
// callers on the frame path never wait on the network. Delivery is rate
// limited; events arriving while the queue is full are dropped.
type Dispatcher struct {
	target  Notifier
	limiter *rate.Limiter
	queue   chan session.MarkEvent
	metrics *Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to target at most perSecond
// events per second (unlimited when perSecond <= 0).
func NewDispatcher(target Notifier, queueSize int, perSecond float64, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &Dispatcher{
		target:  target,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan session.MarkEvent, queueSize),
		metrics: metrics,
		logger:  logging.OrNop(logger).Named("notify"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues ev without blocking.
func (d *Dispatcher) Notify(ctx context.Context, ev session.MarkEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.metrics.Dropped.Inc()
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for ev := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			d.metrics.Failed.Inc()
			d.logger.Warn("notification abandoned on shutdown", zap.String("identity_id", ev.IdentityID))
			continue
		}
		if err := d.target.Notify(ctx, ev); err != nil {
			d.metrics.Failed.Inc()
			d.logger.Warn("failed to deliver notification",
				zap.String("session_id", ev.SessionID),
				zap.String("identity_id", ev.IdentityID),
				zap.Error(err))
			continue
		}
		d.metrics.Sent.Inc()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		select {
		case <-d.stop:
		default:
			close(d.stop)
		}
		d.mu.Unlock()
		<-d.done
		return ctx.Err()
	}
}
