package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists credentials in the api_credentials table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const credentialColumns = `id, owner_id, name, key_hash, key_prefix, scopes,
	requests_per_minute, revoked_at, expires_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, cred *Credential) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, cred.ID, cred.OwnerID, cred.Name, cred.KeyHash, cred.KeyPrefix, pq.Array(cred.Scopes),
		cred.RequestsPerMinute, cred.RevokedAt, cred.ExpiresAt, cred.CreatedAt)
	return err
}

// GetByHash returns the credential even when revoked or expired; the
// validator decides usability so both stores behave the same.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM api_credentials WHERE key_hash = $1
	`, hash)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	return cred, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM api_credentials
		WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_credentials SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCredential(row scannable) (*Credential, error) {
	cred := &Credential{}
	var revokedAt, expiresAt sql.NullTime
	var scopes pq.StringArray
	if err := row.Scan(
		&cred.ID, &cred.OwnerID, &cred.Name, &cred.KeyHash, &cred.KeyPrefix, &scopes,
		&cred.RequestsPerMinute, &revokedAt, &expiresAt, &cred.CreatedAt,
	); err != nil {
		return nil, err
	}
	cred.Scopes = []string(scopes)
	if revokedAt.Valid {
		cred.RevokedAt = &revokedAt.Time
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	return cred, nil
}
