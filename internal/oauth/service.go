package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/idgen"
	"github.com/sudigital/neptu-api/internal/logging"
)

// Token lifetimes.
const (
	DefaultCodeTTL    = 10 * time.Minute
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Raw artifact prefixes. Only hashes are stored.
const (
	codePrefix    = "nptac_"
	accessPrefix  = "nptat_"
	refreshPrefix = "nptrt_"
)

// Notifier is told about client and token lifecycle changes. Calls must not
// block; webhooks.Emitter satisfies it.
type Notifier interface {
	EmitTokenCreated(clientID, grantType string, scopes []string)
	EmitTokenRevoked(clientID, tokenTypeHint string)
	EmitClientUpdated(clientID string, fields []string)
	EmitClientDeleted(clientID string)
	EmitAuthorizationGranted(clientID, userID string, scopes []string)
	EmitAuthorizationDenied(clientID, userID string)
}

// ClientCleaner removes data another package keeps per client.
// webhooks.Registry satisfies it.
type ClientCleaner interface {
	DeleteByClient(ctx context.Context, clientID string) (int64, error)
}

type nopNotifier struct{}

func (nopNotifier) EmitTokenCreated(string, string, []string)         {}
func (nopNotifier) EmitTokenRevoked(string, string)                   {}
func (nopNotifier) EmitClientUpdated(string, []string)                {}
func (nopNotifier) EmitClientDeleted(string)                          {}
func (nopNotifier) EmitAuthorizationGranted(string, string, []string) {}
func (nopNotifier) EmitAuthorizationDenied(string, string)            {}

// TokenPair is returned once at issuance.
type TokenPair struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	TokenType    string       `json:"tokenType"`
	ExpiresIn    int          `json:"expiresIn"`
	Token        *AccessToken `json:"token"`
}

// Service owns client management and token issuance for developers.
type Service struct {
	store      Store
	notifier   Notifier
	cleaners   []ClientCleaner
	logger     *slog.Logger
	codeTTL    time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the lifecycle notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClientCleaner registers c to run after a client is deleted.
func WithClientCleaner(c ClientCleaner) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.cleaners = append(s.cleaners, c)
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithTTLs overrides artifact lifetimes. Zero values keep the defaults.
func WithTTLs(code, access, refresh time.Duration) ServiceOption {
	return func(s *Service) {
		if code > 0 {
			s.codeTTL = code
		}
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
	}
}

// NewService creates a service over store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		notifier:   nopNotifier{},
		logger:     logging.Discard(),
		codeTTL:    DefaultCodeTTL,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the backing store.
func (s *Service) Store() Store {
	return s.store
}

// CreateClient registers a client for ownerID.
func (s *Service) CreateClient(ctx context.Context, ownerID, name string) (*Client, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, ErrInvalidName
	}
	existing, err := s.store.ListClientsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxClientsPerOwner {
		return nil, ErrClientLimit
	}
	c := &Client{
		ID:        idgen.WithPrefix("cli_"),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("oauth client created", "client", c.ID, "owner", ownerID)
	return c, nil
}

// OwnedClient returns the client if ownerID owns it. Other owners' clients
// are reported as ErrClientNotFound.
func (s *Service) OwnedClient(ctx context.Context, ownerID, clientID string) (*Client, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// ListClients returns ownerID's clients.
func (s *Service) ListClients(ctx context.Context, ownerID string) ([]*Client, error) {
	return s.store.ListClientsByOwner(ctx, ownerID)
}

// RenameClient changes the client name and emits client.updated.
func (s *Service) RenameClient(ctx context.Context, ownerID, clientID, name string) (*Client, error) {
	c, err := s.OwnedClient(ctx, ownerID, clientID)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, ErrInvalidName
	}
	c.Name = name
	if err := s.store.UpdateClient(ctx, c); err != nil {
		return nil, err
	}
	s.notifier.EmitClientUpdated(c.ID, []string{"name"})
	return c, nil
}

// DeleteClient removes the client with its codes, tokens and registered
// cleaner data. client.deleted is emitted first so the client's own
// subscriptions can still receive it.
func (s *Service) DeleteClient(ctx context.Context, ownerID, clientID string) error {
	if _, err := s.OwnedClient(ctx, ownerID, clientID); err != nil {
		return err
	}
	s.notifier.EmitClientDeleted(clientID)
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	for _, c := range s.cleaners {
		if _, err := c.DeleteByClient(ctx, clientID); err != nil {
			s.logger.Error("client cleanup failed", "client", clientID, "error", err)
		}
	}
	s.logger.Info("oauth client deleted", "client", clientID, "owner", ownerID)
	return nil
}

// Authorize records a user's consent decision. On approval it stores an
// authorization code and returns the raw code; on denial it returns "".
func (s *Service) Authorize(ctx context.Context, clientID, userID string, scopes []string, approved bool) (string, error) {
	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		return "", err
	}
	if !approved {
		s.notifier.EmitAuthorizationDenied(clientID, userID)
		return "", nil
	}
	if err := checkScopes(scopes); err != nil {
		return "", err
	}

	raw := idgen.Secret(codePrefix, 24)
	now := s.now().UTC()
	code := &AuthorizationCode{
		ID:        idgen.WithPrefix("code_"),
		ClientID:  clientID,
		UserID:    userID,
		CodeHash:  auth.HashToken(raw),
		ExpiresAt: now.Add(s.codeTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return "", err
	}
	s.notifier.EmitAuthorizationGranted(clientID, userID, scopes)
	return raw, nil
}

// IssueToken creates an access and refresh token pair and emits token.created.
func (s *Service) IssueToken(ctx context.Context, clientID, userID, grantType string, scopes []string) (*TokenPair, error) {
	if err := checkScopes(scopes); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rawAccess := idgen.Secret(accessPrefix, 24)
	rawRefresh := idgen.Secret(refreshPrefix, 24)
	at := &AccessToken{
		ID:        idgen.WithPrefix("tok_"),
		ClientID:  clientID,
		UserID:    userID,
		TokenHash: auth.HashToken(rawAccess),
		Scopes:    scopes,
		ExpiresAt: now.Add(s.accessTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateAccessToken(ctx, at); err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		ID:            idgen.WithPrefix("rtok_"),
		AccessTokenID: at.ID,
		ClientID:      clientID,
		UserID:        userID,
		TokenHash:     auth.HashToken(rawRefresh),
		ExpiresAt:     now.Add(s.refreshTTL),
		CreatedAt:     now,
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, err
	}

	s.notifier.EmitTokenCreated(clientID, grantType, scopes)
	return &TokenPair{
		AccessToken:  rawAccess,
		RefreshToken: rawRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		Token:        at,
	}, nil
}

// RevokeToken revokes an access token belonging to clientID and emits token.revoked.
func (s *Service) RevokeToken(ctx context.Context, clientID, tokenID string) error {
	t, err := s.store.GetAccessToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if t.ClientID != clientID {
		return ErrTokenNotFound
	}
	if err := s.store.RevokeAccessToken(ctx, tokenID, s.now().UTC()); err != nil {
		return err
	}
	s.notifier.EmitTokenRevoked(clientID, "access_token")
	return nil
}

func checkScopes(scopes []string) error {
	for _, sc := range scopes {
		if !auth.IsKnownScope(sc) {
			return fmt.Errorf("%w: %s", ErrInvalidScope, sc)
		}
	}
	return nil
}
