// Package credit implements the subscription credit ledger that meters API
// calls.
//
// Each owner has at most one active subscription carrying two counters:
// standard credits and AI credits. A debit moves exactly one counter and is
// all-or-nothing: either the balance covers it and both counters are written
// in one transaction, or nothing changes and the caller learns what is left.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSubscription      = errors.New("no active subscription")
	ErrSubscriptionExists  = errors.New("owner already has an active subscription")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidCost         = errors.New("exactly one of standard or AI cost must be positive")
	ErrInvalidAmount       = errors.New("credit amounts must be non-negative")
	ErrUnknownPlan         = errors.New("unknown plan")
)

// Status represents the state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Balance is a subscription and its remaining credits.
type Balance struct {
	SubscriptionID string    `json:"subscriptionId"`
	OwnerID        string    `json:"ownerId"`
	PlanID         string    `json:"planId"`
	Status         Status    `json:"status"`
	Standard       int64     `json:"standard"`
	AI             int64     `json:"ai"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// InsufficientCreditsError carries the balance left after a refused debit.
type InsufficientCreditsError struct {
	RemainingStandard int64
	RemainingAI       int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits (standard=%d, ai=%d)", e.RemainingStandard, e.RemainingAI)
}

// Is lets errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Store persists subscription balances. Debit must be atomic at the storage
// layer: concurrent debits against one balance may not both observe it.
type Store interface {
	Create(ctx context.Context, bal *Balance) error
	GetActive(ctx context.Context, ownerID string) (*Balance, error)
	Debit(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error)
	Credit(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error)
	Cancel(ctx context.Context, ownerID string) error
}

// Endpoint costs in credits.
const (
	CostBasic            int64 = 1
	CostAIOracle         int64 = 10
	CostAIInterpretation int64 = 5
	CostBatch            int64 = 5
)
