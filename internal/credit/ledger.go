package credit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sudigital/neptu-api/internal/idgen"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
	"github.com/sudigital/neptu-api/internal/traces"
)

// Ledger validates and meters credit movements over a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a ledger.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ledger{store: store, logger: logger}
}

// Debit charges ownerID. Exactly one of standardCost and aiCost must be
// positive. On insufficiency it returns *InsufficientCreditsError and the
// balance is untouched.
func (l *Ledger) Debit(ctx context.Context, ownerID string, standardCost, aiCost int64) (*Balance, error) {
	if standardCost < 0 || aiCost < 0 || (standardCost > 0) == (aiCost > 0) {
		return nil, ErrInvalidCost
	}
	tier := "standard"
	if aiCost > 0 {
		tier = "ai"
	}

	ctx, span := traces.StartSpan(ctx, "credit.Debit",
		traces.OwnerID(ownerID),
		attribute.String("credit.tier", tier),
		attribute.Int64("credit.amount", standardCost+aiCost),
	)
	defer span.End()

	bal, err := l.store.Debit(ctx, ownerID, standardCost, aiCost)
	switch {
	case err == nil:
		metrics.CreditDebitsTotal.WithLabelValues(tier, "ok").Inc()
		return bal, nil
	case errors.Is(err, ErrInsufficientCredits):
		metrics.CreditDebitsTotal.WithLabelValues(tier, "insufficient").Inc()
		return nil, err
	case errors.Is(err, ErrNoSubscription):
		metrics.CreditDebitsTotal.WithLabelValues(tier, "no_subscription").Inc()
		return nil, err
	default:
		metrics.CreditDebitsTotal.WithLabelValues(tier, "error").Inc()
		traces.RecordError(span, err)
		l.logger.Error("credit debit failed", "owner", ownerID, "tier", tier, "error", err)
		return nil, err
	}
}

// Balance returns the owner's active balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	return l.store.GetActive(ctx, ownerID)
}

// ActiveSubscription returns the owner's active balance, or (nil, nil) when
// there is none.
func (l *Ledger) ActiveSubscription(ctx context.Context, ownerID string) (*Balance, error) {
	bal, err := l.store.GetActive(ctx, ownerID)
	if errors.Is(err, ErrNoSubscription) {
		return nil, nil
	}
	return bal, err
}

// Subscribe opens a subscription on planID seeded with the plan's credits.
func (l *Ledger) Subscribe(ctx context.Context, ownerID, planID string) (*Balance, error) {
	plan, ok := LookupPlan(planID)
	if !ok {
		return nil, ErrUnknownPlan
	}
	now := time.Now().UTC()
	bal := &Balance{
		SubscriptionID: idgen.WithPrefix("sub_"),
		OwnerID:        ownerID,
		PlanID:         plan.ID,
		Status:         StatusActive,
		Standard:       plan.StandardCredits,
		AI:             plan.AICredits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.Create(ctx, bal); err != nil {
		return nil, err
	}
	l.logger.Info("subscription opened", "owner", ownerID, "plan", planID, "subscription", bal.SubscriptionID)
	return bal, nil
}

// TopUp adds purchased credits to the active subscription.
func (l *Ledger) TopUp(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	if standard < 0 || ai < 0 || standard+ai == 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.Credit(ctx, ownerID, standard, ai)
}

// Cancel ends the owner's active subscription. Later debits fail with ErrNoSubscription.
func (l *Ledger) Cancel(ctx context.Context, ownerID string) error {
	return l.store.Cancel(ctx, ownerID)
}
