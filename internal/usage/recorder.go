package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sudigital/neptu-api/internal/idgen"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
	"github.com/sudigital/neptu-api/internal/retry"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
	writeAttempts    = 3
	writeBaseDelay   = 50 * time.Millisecond
	writeTimeout     = 5 * time.Second
)

// Recorder writes usage records off the request path. Record never blocks:
// when the queue is full the record is dropped and counted.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	queue   chan *Record
	workers int

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan *Record, n)
		}
	}
}

// WithWorkers sets the number of writer goroutines.
func WithWorkers(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewRecorder creates a recorder and starts its workers.
func NewRecorder(store Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Recorder{
		store:   store,
		logger:  logging.WithComponent(logger, "usage-recorder"),
		queue:   make(chan *Record, defaultQueueSize),
		workers: defaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Record enqueues rec, filling ID and CreatedAt when unset.
func (r *Recorder) Record(rec *Record) {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("use_")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "recorder closed")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue full")
	}
}

// Dropped returns the number of records dropped so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written, or
// for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage recorder drain: %w", ctx.Err())
	}
}

func (r *Recorder) drop(rec *Record, reason string) {
	r.dropped.Add(1)
	metrics.UsageRecordsTotal.WithLabelValues("dropped").Inc()
	r.logger.Warn("usage record dropped", "reason", reason, "credential", rec.CredentialID, "endpoint", rec.Endpoint)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.safeWrite(rec)
	}
}

func (r *Recorder) safeWrite(rec *Record) {
	defer func() {
		if p := recover(); p != nil {
			metrics.UsageRecordsTotal.WithLabelValues("failed").Inc()
			r.logger.Error("panic in usage write", "panic", fmt.Sprint(p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := retry.Do(ctx, writeAttempts, writeBaseDelay, func() error {
		return r.store.Append(ctx, rec)
	})
	if err != nil {
		metrics.UsageRecordsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("usage write failed", "id", rec.ID, "credential", rec.CredentialID, "error", err)
		return
	}
	metrics.UsageRecordsTotal.WithLabelValues("written").Inc()
}
