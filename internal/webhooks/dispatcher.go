package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sudigital/neptu-api/internal/idgen"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
	"github.com/sudigital/neptu-api/internal/retry"
	"github.com/sudigital/neptu-api/internal/security"
	"github.com/sudigital/neptu-api/internal/traces"
)

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultMaxInFlight    = 8
	defaultBackoffBase    = time.Minute
	defaultBackoffMax     = time.Hour
	leaseGrace            = 30 * time.Second
	maxResponseDrain      = 64 << 10
)

// envelope is the JSON body POSTed to subscribers.
type envelope struct {
	Event     EventType       `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Dispatcher creates deliveries for events and runs delivery attempts.
type Dispatcher struct {
	registry    *Registry
	store       Store
	client      *http.Client
	logger      *slog.Logger
	timeout     time.Duration
	maxAttempts int
	maxInFlight int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the SSRF-safe default client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxAttempts sets the retry ceiling.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithMaxInFlight bounds concurrent attempts per dispatch or scheduler pass.
func WithMaxInFlight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxInFlight = n
		}
	}
}

// WithBackoff sets the retry delay base and cap.
func WithBackoff(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 && max >= base {
			d.backoffBase, d.backoffMax = base, max
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher that looks subscriptions up through registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		store:       registry.Store(),
		logger:      logging.Discard(),
		timeout:     defaultAttemptTimeout,
		maxAttempts: DefaultMaxAttempts,
		maxInFlight: defaultMaxInFlight,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = security.SafeHTTPClient(d.timeout)
	}
	return d
}

// lease is how long a claimed delivery stays invisible to other claimers.
// It outlasts the attempt timeout.
func (d *Dispatcher) lease() time.Duration {
	return d.timeout + leaseGrace
}

// Backoff returns the delay before retry number attempts+1.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	return retry.Exponential(d.backoffBase, d.backoffMax, attempts)
}

// Dispatch delivers event to every active subscription of clientID that lists
// it. It returns the deliveries in their post-attempt state, or nil when no
// subscription matches. Attempt failures are recorded on the deliveries, not
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, event EventType, payload any) ([]*Delivery, error) {
	b, err := d.prepare(ctx, clientID, event, payload)
	if err != nil || b == nil {
		return nil, err
	}
	return d.deliver(ctx, b), nil
}

// batch is one event's deliveries, created and leased but not yet attempted.
type batch struct {
	event      EventType
	subs       []*Subscription
	deliveries []*Delivery
}

// prepare resolves the matching subscriptions and creates a leased pending
// delivery for each. Once it returns, the batch no longer reads the
// subscription rows, so they may be deleted.
func (d *Dispatcher) prepare(ctx context.Context, clientID string, event EventType, payload any) (*batch, error) {
	if !IsKnownEvent(event) {
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	subs, err := d.registry.ActiveFor(ctx, clientID, event)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	now := d.now().UTC()
	leaseUntil := now.Add(d.lease())
	b := &batch{event: event, subs: subs, deliveries: make([]*Delivery, len(subs))}
	for i, sub := range subs {
		del := &Delivery{
			ID:             idgen.WithPrefix("whd_"),
			SubscriptionID: sub.ID,
			ClientID:       clientID,
			Event:          event,
			Payload:        raw,
			Status:         StatusPending,
			NextRetryAt:    &leaseUntil, // born claimed by this dispatch
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.store.CreateDelivery(ctx, del); err != nil {
			d.logger.Error("create delivery failed", "webhook", sub.ID, "event", event, "error", err)
			continue
		}
		b.deliveries[i] = del
	}
	return b, nil
}

// deliver attempts every delivery in b with at most maxInFlight in flight.
func (d *Dispatcher) deliver(ctx context.Context, b *batch) []*Delivery {
	ctx, span := traces.StartSpan(ctx, "webhooks.Dispatch", traces.Event(string(b.event)))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxInFlight)
	for i, del := range b.deliveries {
		if del == nil {
			continue
		}
		g.Go(func() error {
			b.deliveries[i] = d.attempt(gctx, b.subs[i], del)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Delivery, 0, len(b.deliveries))
	for _, del := range b.deliveries {
		if del != nil {
			out = append(out, del)
		}
	}
	return out
}

// Redeliver claims a due delivery and attempts it again. It returns
// ErrClaimConflict when another attempt holds or has advanced the delivery.
func (d *Dispatcher) Redeliver(ctx context.Context, del *Delivery) (*Delivery, error) {
	now := d.now().UTC()
	ok, err := d.store.ClaimDelivery(ctx, del.ID, del.Attempts, now, now.Add(d.lease()))
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if !ok {
		metrics.WebhookClaimConflictsTotal.Inc()
		return nil, ErrClaimConflict
	}

	sub, err := d.store.Get(ctx, del.SubscriptionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return d.abandon(ctx, del, "subscription deleted"), nil
	case err != nil:
		// leave the lease to expire so a later pass retries
		return nil, fmt.Errorf("load subscription: %w", err)
	case !sub.Active:
		return d.abandon(ctx, del, "subscription inactive"), nil
	}
	return d.attempt(ctx, sub, del), nil
}

// attempt POSTs del to sub and records the outcome. It returns the delivery
// as written, or as it was if a concurrent attempt won.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, del *Delivery) *Delivery {
	attempt := del.Attempts + 1
	ctx, span := traces.StartSpan(ctx, "webhooks.attempt",
		traces.DeliveryID(del.ID),
		traces.SubscriptionID(sub.ID),
		traces.Event(string(del.Event)),
		traces.Attempt(attempt),
	)
	defer span.End()

	start := time.Now()
	code, postErr := d.post(ctx, sub, del)
	metrics.WebhookAttemptDuration.Observe(time.Since(start).Seconds())

	now := d.now().UTC()
	out := Outcome{Attempts: attempt, LastStatusCode: code, UpdatedAt: now}
	var result string
	switch {
	case postErr == nil:
		out.Status = StatusSucceeded
		out.DeliveredAt = &now
		result = "succeeded"
	case attempt >= d.maxAttempts:
		out.Status = StatusExhausted
		out.LastError = postErr.Error()
		result = "exhausted"
	default:
		next := now.Add(d.Backoff(attempt))
		out.Status = StatusPending
		out.NextRetryAt = &next
		out.LastError = postErr.Error()
		result = "retrying"
	}
	if postErr != nil {
		traces.RecordError(span, postErr)
	}

	// record even if the caller's context ended mid-attempt
	ok, err := d.store.CompleteDelivery(context.WithoutCancel(ctx), del.ID, del.Attempts, out)
	if err != nil {
		d.logger.Error("record delivery outcome failed", "delivery", del.ID, "error", err)
		return del
	}
	if !ok {
		metrics.WebhookClaimConflictsTotal.Inc()
		d.logger.Warn("delivery advanced by another attempt", "delivery", del.ID, "attempt", attempt)
		return del
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	if postErr != nil {
		d.logger.Warn("webhook delivery failed",
			"delivery", del.ID, "webhook", sub.ID, "event", del.Event,
			"attempt", attempt, "status", out.Status, "error", postErr)
	}

	updated := *del
	out.apply(&updated)
	return &updated
}

func (d *Dispatcher) abandon(ctx context.Context, del *Delivery, reason string) *Delivery {
	out := Outcome{
		Status:         StatusFailed,
		Attempts:       del.Attempts,
		LastError:      reason,
		LastStatusCode: del.LastStatusCode,
		UpdatedAt:      d.now().UTC(),
	}
	ok, err := d.store.CompleteDelivery(ctx, del.ID, del.Attempts, out)
	if err != nil {
		d.logger.Error("abandon delivery failed", "delivery", del.ID, "error", err)
		return del
	}
	if !ok {
		return del
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("abandoned").Inc()
	d.logger.Info("delivery abandoned", "delivery", del.ID, "reason", reason)

	updated := *del
	out.apply(&updated)
	return &updated
}

// post sends one attempt. A nil error means a 2xx response.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, del *Delivery) (int, error) {
	body, err := json.Marshal(envelope{Event: del.Event, Payload: del.Payload, Timestamp: del.CreatedAt})
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Neptu-Webhooks/1.0")
	req.Header.Set(HeaderEvent, string(del.Event))
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(del.CreatedAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
