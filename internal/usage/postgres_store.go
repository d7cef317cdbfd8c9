package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/sudigital/neptu-api/internal/pagination"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_usage (
			id, credential_id, owner_id, endpoint, method,
			credits_charged, is_ai, response_status, latency_ms,
			ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.CredentialID, rec.OwnerID, rec.Endpoint, rec.Method,
		rec.CreditsCharged, rec.AI, rec.Status, rec.LatencyMs,
		rec.IP, rec.UserAgent, rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByCredential(ctx context.Context, credentialID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, credential_id, owner_id, endpoint, method,
		credits_charged, is_ai, response_status, latency_ms,
		ip, user_agent, created_at`
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+`
			FROM api_usage
			WHERE credential_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, credentialID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+cols+`
			FROM api_usage
			WHERE credential_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, credentialID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(
			&r.ID, &r.CredentialID, &r.OwnerID, &r.Endpoint, &r.Method,
			&r.CreditsCharged, &r.AI, &r.Status, &r.LatencyMs,
			&r.IP, &r.UserAgent, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Summary(ctx context.Context, credentialID string, since time.Time) (*Summary, error) {
	sum := &Summary{CredentialID: credentialID, Since: since}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE response_status >= 400),
		       COALESCE(SUM(credits_charged) FILTER (WHERE NOT is_ai), 0),
		       COALESCE(SUM(credits_charged) FILTER (WHERE is_ai), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM api_usage
		WHERE credential_id = $1 AND created_at >= $2`, credentialID, since,
	).Scan(&sum.Requests, &sum.Errors, &sum.StandardCredits, &sum.AICredits, &sum.AvgLatencyMs)
	if err != nil {
		return nil, err
	}
	return sum, nil
}
