// Package webhooks lets OAuth clients subscribe HTTPS endpoints to events and
// delivers those events with HMAC-SHA256 signatures.
//
// Every delivery is a row moving through a small state machine:
//
//	pending -> succeeded   (2xx response)
//	pending -> pending     (failure, attempts+1, next_retry_at pushed out)
//	pending -> exhausted   (failure with attempts == max)
//	pending -> failed      (subscription deleted or deactivated before retry)
//
// Attempts and next_retry_at are the only scheduling inputs, so retries
// survive restarts. Transitions are conditional updates on (status, attempts);
// an attempt that loses the race writes nothing.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sudigital/neptu-api/internal/pagination"
)

// Errors
var (
	ErrNotFound         = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrLimitReached     = errors.New("webhook limit reached for client")
	ErrClaimConflict    = errors.New("delivery claimed by another attempt")
	ErrValidation       = errors.New("invalid webhook")
)

// ValidationError describes rejected registry input. Message is safe to show
// to the caller. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string        { return e.Message }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DeliveryStatus is a delivery's state.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSucceeded DeliveryStatus = "succeeded"
	StatusFailed    DeliveryStatus = "failed"
	StatusExhausted DeliveryStatus = "exhausted"
)

// IsValid reports whether s is a known status.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusExhausted:
		return true
	}
	return false
}

// Subscription is a registered endpoint.
type Subscription struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"clientId"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"-"` // shown once on create and rotate
	Active    bool        `json:"isActive"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Subscribed reports whether the subscription lists event.
func (s *Subscription) Subscribed(event EventType) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Delivery is one event pushed to one subscription, with its retry state.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"webhookId"`
	ClientID       string          `json:"clientId"`
	Event          EventType       `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	LastStatusCode int             `json:"lastStatusCode,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Outcome is the state written when an attempt finishes.
type Outcome struct {
	Status         DeliveryStatus
	Attempts       int
	NextRetryAt    *time.Time // set only while pending
	LastError      string
	LastStatusCode int
	DeliveredAt    *time.Time
	UpdatedAt      time.Time
}

func (o Outcome) apply(d *Delivery) {
	d.Status = o.Status
	d.Attempts = o.Attempts
	d.NextRetryAt = copyTime(o.NextRetryAt)
	d.LastError = o.LastError
	d.LastStatusCode = o.LastStatusCode
	d.DeliveredAt = copyTime(o.DeliveredAt)
	d.UpdatedAt = o.UpdatedAt
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	Status DeliveryStatus // empty means any
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists subscriptions and deliveries.
type Store interface {
	// Create inserts sub unless the client already has limit subscriptions,
	// in which case it returns ErrLimitReached. The check and insert are atomic.
	Create(ctx context.Context, sub *Subscription, limit int) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByClient(ctx context.Context, clientID string) ([]*Subscription, error)
	CountByClient(ctx context.Context, clientID string) (int, error)
	// Update writes the URL, events, active flag and updated_at. The secret
	// is only changed through UpdateSecret.
	Update(ctx context.Context, sub *Subscription) error
	UpdateSecret(ctx context.Context, id, secret string, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	// DeleteByClient removes every subscription of clientID.
	DeleteByClient(ctx context.Context, clientID string) (int64, error)
	ListActiveForEvent(ctx context.Context, clientID string, event EventType) ([]*Subscription, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, f DeliveryFilter) ([]*Delivery, error)
	// ListDue returns pending deliveries with next_retry_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	// ClaimDelivery leases a due delivery by moving next_retry_at to leaseUntil.
	// It succeeds only if the row is still pending, still has the given
	// attempts, and is due at now.
	ClaimDelivery(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error)
	// CompleteDelivery writes out only if the row is still pending with the
	// given attempts.
	CompleteDelivery(ctx context.Context, id string, attempts int, out Outcome) (bool, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
