// Package oauth stores OAuth clients and their short-lived artifacts
// (authorization codes, access and refresh tokens). Tokens are stored hashed.
// Expired and revoked artifacts are removed by the janitor.
package oauth

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrClientNotFound = errors.New("client not found")
	ErrTokenNotFound  = errors.New("token not found")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrInvalidName    = errors.New("name must be 1-100 characters")
	ErrClientLimit    = errors.New("maximum of 10 OAuth clients allowed per user")
)

// MaxClientsPerOwner caps how many clients one account may register.
const MaxClientsPerOwner = 10

// Client is a registered OAuth application.
type Client struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthorizationCode is a one-time code from the authorize step.
type AuthorizationCode struct {
	ID        string
	ClientID  string
	UserID    string
	CodeHash  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// AccessToken is an issued bearer token.
type AccessToken struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"clientId"`
	UserID    string     `json:"userId"`
	TokenHash string     `json:"-"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// RefreshToken is paired with the access token it was issued alongside.
type RefreshToken struct {
	ID            string
	AccessTokenID string
	ClientID      string
	UserID        string
	TokenHash     string
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	CreatedAt     time.Time
}

// Store persists clients and artifacts.
type Store interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error)
	UpdateClient(ctx context.Context, c *Client) error
	DeleteClient(ctx context.Context, id string) error

	CreateCode(ctx context.Context, code *AuthorizationCode) error
	CreateAccessToken(ctx context.Context, t *AccessToken) error
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)
	// RevokeAccessToken revokes the token and any refresh token issued with it.
	RevokeAccessToken(ctx context.Context, id string, at time.Time) error

	// DeleteExpiredCodes removes codes that expired before now or were already used.
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
	// DeleteExpiredAccessTokens removes access tokens that expired before now or were revoked.
	DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int64, error)
	// DeleteExpiredRefreshTokens removes refresh tokens that expired before now or were revoked.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}
