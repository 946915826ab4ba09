// Package audit writes access-log entries off the request path and exports
// the log as compressed JSON lines.
package audit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/retry"
	"github.com/thebluefowl/reelvault/internal/store"
)

const DefaultQueueSize = 1024

type Options struct {
	QueueSize int
	Logger    logrus.FieldLogger
	// WriteTimeout bounds each store append. 0 means 5s.
	WriteTimeout time.Duration
}

// Recorder appends entries to the access log. Record never blocks: when the
// queue is full the entry is dropped with a warning. Append is the
// synchronous path for callers that must know the entry was attempted before
// they return.
type Recorder struct {
	sink    store.AccessLog
	log     logrus.FieldLogger
	timeout time.Duration

	ch      chan *models.AccessLogEntry
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewRecorder(sink store.AccessLog, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	r := &Recorder{
		sink:    sink,
		log:     opts.Logger.WithField("component", "audit"),
		timeout: opts.WriteTimeout,
		ch:      make(chan *models.AccessLogEntry, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		r.write(context.Background(), e)
	}
}

// Record queues e. It reports false when the entry was dropped.
func (r *Recorder) Record(e *models.AccessLogEntry) bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.drop(e, "recorder closed")
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		r.drop(e, "queue full")
		return false
	}
}

// Append writes e before returning. Failures are logged, never returned:
// an audit write must not change the outcome of the decision it records.
func (r *Recorder) Append(ctx context.Context, e *models.AccessLogEntry) {
	r.write(context.WithoutCancel(ctx), e)
}

func (r *Recorder) write(ctx context.Context, e *models.AccessLogEntry) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := retry.Do(ctx, func(ctx context.Context) error {
		return r.sink.AppendAccessLog(ctx, e)
	})
	if err != nil {
		r.failed.Add(1)
		r.log.WithError(err).WithFields(logrus.Fields{
			"video":    e.VideoID,
			"consumer": e.ConsumerID,
			"kind":     e.Kind,
		}).Error("access log write failed")
	}
}

func (r *Recorder) drop(e *models.AccessLogEntry, reason string) {
	n := r.dropped.Add(1)
	r.log.WithFields(logrus.Fields{
		"video":   e.VideoID,
		"kind":    e.Kind,
		"reason":  reason,
		"dropped": n,
	}).Warn("access log entry dropped")
}

// Dropped returns how many entries Record discarded.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many writes the store rejected.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close stops accepting entries and waits for the queue to drain or ctx to
// end, whichever comes first.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.closeMu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
