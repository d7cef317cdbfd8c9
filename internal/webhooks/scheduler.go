package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
)

const (
	defaultRetryInterval = time.Minute
	defaultRetryBatch    = 100
	maxBatchesPerPass    = 50
)

// PassStats summarizes one scheduler pass.
type PassStats struct {
	Due       int
	Attempted int
	Conflicts int
	Errors    int
}

// Scheduler periodically retries due deliveries through the dispatcher's
// attempt path. Passes never overlap within a process; across processes the
// conditional claim keeps each delivery to one attempt at a time.
type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
	busy       atomic.Bool
}

// NewScheduler creates a retry scheduler. Zero interval or batch use defaults.
func NewScheduler(dispatcher *Dispatcher, interval time.Duration, batch int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	if batch <= 0 {
		batch = defaultRetryBatch
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		logger:     logging.WithComponent(logger, "webhook-scheduler"),
		stop:       make(chan struct{}, 1),
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the retry loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in webhook scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, errPassInProgress) {
		s.logger.Warn("webhook retry pass failed", "error", err)
	}
}

var errPassInProgress = errors.New("retry pass already in progress")

// RunOnce retries every delivery due now, batch by batch.
func (s *Scheduler) RunOnce(ctx context.Context) (PassStats, error) {
	var stats PassStats
	if !s.busy.CompareAndSwap(false, true) {
		metrics.TimerRunsSkippedTotal.WithLabelValues("webhook-scheduler").Inc()
		return stats, errPassInProgress
	}
	defer s.busy.Store(false)

	for i := 0; i < maxBatchesPerPass; i++ {
		due, err := s.dispatcher.store.ListDue(ctx, s.dispatcher.now().UTC(), s.batch)
		if err != nil {
			return stats, fmt.Errorf("list due deliveries: %w", err)
		}
		if len(due) == 0 {
			break
		}
		stats.Due += len(due)

		var attempted, conflicts, failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.dispatcher.maxInFlight)
		for _, del := range due {
			g.Go(func() error {
				_, err := s.dispatcher.Redeliver(gctx, del)
				switch {
				case err == nil:
					attempted.Add(1)
				case errors.Is(err, ErrClaimConflict):
					conflicts.Add(1)
				default:
					failed.Add(1)
					s.logger.Warn("redeliver failed", "delivery", del.ID, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		stats.Attempted += int(attempted.Load())
		stats.Conflicts += int(conflicts.Load())
		stats.Errors += int(failed.Load())

		// claimed rows are leased past now, so a full batch means more may be due
		if len(due) < s.batch || attempted.Load() == 0 {
			break
		}
	}

	if stats.Due > 0 {
		s.logger.Info("webhook retry pass complete",
			"due", stats.Due, "attempted", stats.Attempted,
			"conflicts", stats.Conflicts, "errors", stats.Errors)
	}
	return stats, nil
}
