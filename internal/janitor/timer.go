package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
)

// Timer runs the janitor on a fixed interval.
type Timer struct {
	janitor  *Janitor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	busy     atomic.Bool
}

// NewTimer creates a janitor timer. A non-positive interval means hourly.
func NewTimer(j *Janitor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Timer{
		janitor:  j,
		interval: interval,
		logger:   logging.WithComponent(logger, "janitor"),
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the cleanup loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in janitor", "panic", fmt.Sprint(r))
		}
	}()
	// overlapping runs are safe but pointless
	if !t.busy.CompareAndSwap(false, true) {
		metrics.TimerRunsSkippedTotal.WithLabelValues("janitor").Inc()
		return
	}
	defer t.busy.Store(false)

	if _, err := t.janitor.Run(ctx); err != nil {
		t.logger.Warn("janitor run incomplete", "error", err)
	}
}
