// Package janitor garbage-collects dead OAuth artifacts and old webhook
// delivery history. Every sweep is a plain conditional DELETE, so runs are
// idempotent and may overlap.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
)

// DefaultRetention is how long delivery history is kept.
const DefaultRetention = 30 * 24 * time.Hour

// ArtifactStore deletes dead OAuth artifacts. oauth.Store satisfies it.
type ArtifactStore interface {
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// DeliveryPruner deletes delivery rows created before cutoff. webhooks.Store satisfies it.
type DeliveryPruner interface {
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts rows removed by one run. TotalCleaned covers the three
// OAuth categories only.
type Report struct {
	ExpiredCodes         int64 `json:"expiredCodes"`
	ExpiredAccessTokens  int64 `json:"expiredAccessTokens"`
	ExpiredRefreshTokens int64 `json:"expiredRefreshTokens"`
	PrunedDeliveries     int64 `json:"prunedDeliveries"`
	TotalCleaned         int64 `json:"totalCleaned"`
}

// Janitor runs the cleanup sweeps.
type Janitor struct {
	artifacts  ArtifactStore
	deliveries DeliveryPruner
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithRetention sets the delivery history retention window.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithLogger sets the janitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) { j.logger = logging.WithComponent(logger, "janitor") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a janitor. A nil deliveries pruner skips delivery pruning.
func New(artifacts ArtifactStore, deliveries DeliveryPruner, opts ...Option) *Janitor {
	j := &Janitor{
		artifacts:  artifacts,
		deliveries: deliveries,
		retention:  DefaultRetention,
		logger:     logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run performs one cleanup pass. A failing category is logged and reported
// in the returned error; the remaining categories still run and the report
// carries their counts.
func (j *Janitor) Run(ctx context.Context) (Report, error) {
	now := j.now().UTC()
	var (
		report Report
		errs   []error
	)

	sweep := func(category string, dst *int64, fn func(context.Context, time.Time) (int64, error), at time.Time) {
		n, err := fn(ctx, at)
		if err != nil {
			j.logger.Error("cleanup failed", "category", category, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
			return
		}
		*dst = n
		if n > 0 {
			metrics.JanitorDeletedTotal.WithLabelValues(category).Add(float64(n))
		}
	}

	sweep("authorization_codes", &report.ExpiredCodes, j.artifacts.DeleteExpiredCodes, now)
	sweep("access_tokens", &report.ExpiredAccessTokens, j.artifacts.DeleteExpiredAccessTokens, now)
	sweep("refresh_tokens", &report.ExpiredRefreshTokens, j.artifacts.DeleteExpiredRefreshTokens, now)
	if j.deliveries != nil {
		sweep("webhook_deliveries", &report.PrunedDeliveries, j.deliveries.DeleteDeliveriesBefore, now.Add(-j.retention))
	}

	report.TotalCleaned = report.ExpiredCodes + report.ExpiredAccessTokens + report.ExpiredRefreshTokens

	if report.TotalCleaned > 0 || report.PrunedDeliveries > 0 {
		j.logger.Info("cleanup complete",
			"expiredCodes", report.ExpiredCodes,
			"expiredAccessTokens", report.ExpiredAccessTokens,
			"expiredRefreshTokens", report.ExpiredRefreshTokens,
			"prunedDeliveries", report.PrunedDeliveries,
			"totalCleaned", report.TotalCleaned)
	}
	return report, errors.Join(errs...)
}
