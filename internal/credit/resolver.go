package credit

import (
	"context"

	"github.com/sudigital/neptu-api/internal/auth"
)

type ledgerResolver struct {
	ledger *Ledger
}

// Resolver exposes the ledger as the credential validator's subscription source.
func (l *Ledger) Resolver() auth.SubscriptionResolver {
	return ledgerResolver{ledger: l}
}

func (r ledgerResolver) ActiveSubscription(ctx context.Context, ownerID string) (*auth.Subscription, error) {
	bal, err := r.ledger.ActiveSubscription(ctx, ownerID)
	if err != nil || bal == nil {
		return nil, err
	}
	return &auth.Subscription{
		ID:                bal.SubscriptionID,
		PlanID:            bal.PlanID,
		RequestsPerMinute: RequestsPerMinute(bal.PlanID),
	}, nil
}
