package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions and deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const subColumns = `id, client_id, url, events, secret, active, created_at, updated_at`

const deliveryColumns = `id, webhook_id, client_id, event, payload, status, attempts,
	next_retry_at, last_error, last_status_code, delivered_at, created_at, updated_at`

// Create serializes inserts per client with a transaction-scoped advisory
// lock so concurrent creates cannot exceed limit.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription, limit int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.ClientID); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM oauth_webhooks WHERE client_id = $1`, sub.ClientID).Scan(&n); err != nil {
		return err
	}
	if n >= limit {
		return ErrLimitReached
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO oauth_webhooks (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.ClientID, sub.URL, pq.Array(eventStrings(sub.Events)), sub.Secret,
		sub.Active, sub.CreatedAt, sub.UpdatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM oauth_webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByClient(ctx context.Context, clientID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM oauth_webhooks
		WHERE client_id = $1
		ORDER BY created_at ASC, id ASC`, clientID)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

func (p *PostgresStore) CountByClient(ctx context.Context, clientID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM oauth_webhooks WHERE client_id = $1`, clientID).Scan(&n)
	return n, err
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE oauth_webhooks
		SET url = $1, events = $2, active = $3, updated_at = $4
		WHERE id = $5`,
		sub.URL, pq.Array(eventStrings(sub.Events)), sub.Active, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(result, ErrNotFound)
}

func (p *PostgresStore) UpdateSecret(ctx context.Context, id, secret string, updatedAt time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE oauth_webhooks SET secret = $1, updated_at = $2 WHERE id = $3`,
		secret, updatedAt, id)
	if err != nil {
		return err
	}
	return expectOne(result, ErrNotFound)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM oauth_webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(result, ErrNotFound)
}

func (p *PostgresStore) DeleteByClient(ctx context.Context, clientID string) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM oauth_webhooks WHERE client_id = $1`, clientID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) ListActiveForEvent(ctx context.Context, clientID string, event EventType) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM oauth_webhooks
		WHERE client_id = $1 AND active AND $2 = ANY(events)
		ORDER BY created_at ASC, id ASC`, clientID, string(event))
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

func (p *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.SubscriptionID, d.ClientID, string(d.Event), string(d.Payload), string(d.Status), d.Attempts,
		d.NextRetryAt, d.LastError, d.LastStatusCode, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM oauth_webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID string, f DeliveryFilter) ([]*Delivery, error) {
	var (
		cursorAt sql.NullTime
		cursorID string
	)
	if f.Cursor != nil {
		cursorAt = sql.NullTime{Time: f.Cursor.CreatedAt, Valid: true}
		cursorID = f.Cursor.ID
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM oauth_webhook_deliveries
		WHERE webhook_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		subscriptionID, string(f.Status), cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM oauth_webhook_deliveries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (p *PostgresStore) ClaimDelivery(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE oauth_webhook_deliveries
		SET next_retry_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending' AND attempts = $4 AND next_retry_at <= $2`,
		leaseUntil, now, id, attempts)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CompleteDelivery(ctx context.Context, id string, attempts int, out Outcome) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE oauth_webhook_deliveries
		SET status = $1, attempts = $2, next_retry_at = $3, last_error = $4,
		    last_status_code = $5, delivered_at = $6, updated_at = $7
		WHERE id = $8 AND status = 'pending' AND attempts = $9`,
		string(out.Status), out.Attempts, out.NextRetryAt, out.LastError,
		out.LastStatusCode, out.DeliveredAt, out.UpdatedAt, id, attempts)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM oauth_webhook_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	s := &Subscription{}
	var events []string
	if err := row.Scan(&s.ID, &s.ClientID, &s.URL, pq.Array(&events), &s.Secret,
		&s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Events = make([]EventType, len(events))
	for i, e := range events {
		s.Events[i] = EventType(e)
	}
	return s, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	defer func() { _ = rows.Close() }()
	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanDelivery(row scannable) (*Delivery, error) {
	d := &Delivery{}
	var (
		event, status string
		payload       []byte
		nextRetry     sql.NullTime
		delivered     sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.ClientID, &event, &payload, &status, &d.Attempts,
		&nextRetry, &d.LastError, &d.LastStatusCode, &delivered, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Event = EventType(event)
	d.Status = DeliveryStatus(status)
	d.Payload = payload
	if nextRetry.Valid {
		d.NextRetryAt = &nextRetry.Time
	}
	if delivered.Valid {
		d.DeliveredAt = &delivered.Time
	}
	return d, nil
}

func scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	defer func() { _ = rows.Close() }()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func eventStrings(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func expectOne(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
