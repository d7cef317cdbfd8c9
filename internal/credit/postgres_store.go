package credit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/sudigital/neptu-api/internal/retry"
)

// PostgresStore persists balances in api_subscriptions. Debits lock the
// active row with SELECT ... FOR UPDATE so concurrent gateway instances
// serialize on it; CHECK (>= 0) constraints back the invariant.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const balanceColumns = `id, owner_id, plan_id, status, standard_credits, ai_credits, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, bal *Balance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_subscriptions (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, bal.SubscriptionID, bal.OwnerID, bal.PlanID, string(bal.Status),
		bal.Standard, bal.AI, bal.CreatedAt, bal.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSubscriptionExists
	}
	return err
}

func (p *PostgresStore) GetActive(ctx context.Context, ownerID string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM api_subscriptions
		WHERE owner_id = $1 AND status = 'active'
	`, ownerID)
	bal, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	return bal, err
}

// Debit runs lock, check and write in one transaction, retrying only on
// serialization failures and deadlocks.
func (p *PostgresStore) Debit(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	var out *Balance
	err := retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		bal, err := p.debitOnce(ctx, ownerID, standard, ai)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		out = bal
		return nil
	})
	return out, err
}

func (p *PostgresStore) debitOnce(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	bal, err := scanBalance(tx.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM api_subscriptions
		WHERE owner_id = $1 AND status = 'active'
		FOR UPDATE
	`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}

	if bal.Standard < standard || bal.AI < ai {
		return nil, &InsufficientCreditsError{RemainingStandard: bal.Standard, RemainingAI: bal.AI}
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE api_subscriptions SET
			standard_credits = standard_credits - $2,
			ai_credits       = ai_credits - $3,
			updated_at       = NOW()
		WHERE id = $1
		RETURNING standard_credits, ai_credits, updated_at
	`, bal.SubscriptionID, standard, ai).Scan(&bal.Standard, &bal.AI, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, ownerID string, standard, ai int64) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE api_subscriptions SET
			standard_credits = standard_credits + $2,
			ai_credits       = ai_credits + $3,
			updated_at       = NOW()
		WHERE owner_id = $1 AND status = 'active'
		RETURNING `+balanceColumns, ownerID, standard, ai)
	bal, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	return bal, err
}

func (p *PostgresStore) Cancel(ctx context.Context, ownerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_subscriptions SET status = 'cancelled', updated_at = NOW()
		WHERE owner_id = $1 AND status = 'active'
	`, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSubscription
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBalance(row scannable) (*Balance, error) {
	bal := &Balance{}
	var status string
	if err := row.Scan(&bal.SubscriptionID, &bal.OwnerID, &bal.PlanID, &status,
		&bal.Standard, &bal.AI, &bal.CreatedAt, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	bal.Status = Status(status)
	return bal, nil
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
