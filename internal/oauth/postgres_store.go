package oauth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists clients and artifacts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed OAuth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, owner_id, name, created_at)
		VALUES ($1, $2, $3, $4)`,
		c.ID, c.OwnerID, c.Name, c.CreatedAt)
	return err
}

func (p *PostgresStore) GetClient(ctx context.Context, id string) (*Client, error) {
	c := &Client{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at FROM oauth_clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, created_at FROM oauth_clients
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Client
	for rows.Next() {
		c := &Client{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateClient(ctx context.Context, c *Client) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE oauth_clients SET name = $1 WHERE id = $2`, c.Name, c.ID)
	if err != nil {
		return err
	}
	return expectOne(result, ErrClientNotFound)
}

func (p *PostgresStore) DeleteClient(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(result, ErrClientNotFound)
}

func (p *PostgresStore) CreateCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes (id, client_id, user_id, code_hash, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		code.ID, code.ClientID, code.UserID, code.CodeHash, code.ExpiresAt, code.UsedAt, code.CreatedAt)
	return err
}

func (p *PostgresStore) CreateAccessToken(ctx context.Context, t *AccessToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_access_tokens (id, client_id, user_id, token_hash, scopes, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ClientID, t.UserID, t.TokenHash, pq.Array(t.Scopes), t.ExpiresAt, t.RevokedAt, t.CreatedAt)
	return err
}

func (p *PostgresStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_refresh_tokens (id, access_token_id, client_id, user_id, token_hash, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.AccessTokenID, t.ClientID, t.UserID, t.TokenHash, t.ExpiresAt, t.RevokedAt, t.CreatedAt)
	return err
}

func (p *PostgresStore) GetAccessToken(ctx context.Context, id string) (*AccessToken, error) {
	t := &AccessToken{}
	var revoked sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, user_id, token_hash, scopes, expires_at, revoked_at, created_at
		FROM oauth_access_tokens WHERE id = $1`, id,
	).Scan(&t.ID, &t.ClientID, &t.UserID, &t.TokenHash, pq.Array(&t.Scopes), &t.ExpiresAt, &revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return t, nil
}

func (p *PostgresStore) RevokeAccessToken(ctx context.Context, id string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE oauth_access_tokens SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if err := expectOne(result, ErrTokenNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE oauth_refresh_tokens SET revoked_at = $1
		WHERE access_token_id = $2 AND revoked_at IS NULL`, at, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	return p.deleteWhere(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < $1 OR used_at IS NOT NULL`, now)
}

func (p *PostgresStore) DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int64, error) {
	return p.deleteWhere(ctx,
		`DELETE FROM oauth_access_tokens WHERE expires_at < $1 OR revoked_at IS NOT NULL`, now)
}

func (p *PostgresStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return p.deleteWhere(ctx,
		`DELETE FROM oauth_refresh_tokens WHERE expires_at < $1 OR revoked_at IS NOT NULL`, now)
}

func (p *PostgresStore) deleteWhere(ctx context.Context, query string, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
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
