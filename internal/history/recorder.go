package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/simvisor/internal/lifecycle"
	"github.com/loykin/simvisor/internal/metrics"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder subscribes to lifecycle notifications and forwards them to sinks
// from a single worker goroutine. Notify never blocks; when the queue is
// full the event is dropped and counted.
type Recorder struct {
	name    string
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64

	closeSinks sync.Once
	closeErr   error
}

// RecorderOptions tunes a Recorder. Zero values take the defaults.
type RecorderOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

func NewRecorder(supervisor string, sinks []Sink, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		name:    supervisor,
		sinks:   sinks,
		timeout: opts.SendTimeout,
		logger:  opts.Logger.With("component", "history"),
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Notify implements lifecycle.Subscriber.
func (r *Recorder) Notify(e lifecycle.Event) {
	if !Recordable(e.Kind) {
		return
	}
	ev := FromLifecycle(r.name, e)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		for _, s := range r.sinks {
			metrics.IncHistoryEvent(label(s), "dropped")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		for _, s := range r.sinks {
			r.send(s, ev)
		}
	}
}

func (r *Recorder) send(s Sink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := s.Send(ctx, ev); err != nil {
		metrics.IncHistoryEvent(label(s), "failed")
		r.logger.Warn("history sink failed", "sink", label(s), "kind", ev.Kind, "error", err)
		return
	}
	metrics.IncHistoryEvent(label(s), "sent")
}

// Close stops accepting events, flushes the queue and closes sinks that
// implement io.Closer. ctx bounds the flush.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.closeSinks.Do(func() {
		var errs []error
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
