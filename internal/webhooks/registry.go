package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sudigital/neptu-api/internal/idgen"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/security"
)

// Registry manages subscriptions on behalf of their owning client. Reads and
// writes of another client's subscription fail with ErrNotFound.
type Registry struct {
	store  Store
	policy security.URLPolicy
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithURLPolicy sets the URL validation policy.
func WithURLPolicy(p security.URLPolicy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		limit:  MaxSubscriptionsPerClient,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store.
func (r *Registry) Store() Store {
	return r.store
}

// CreateParams is the input for Create.
type CreateParams struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// UpdateParams is the input for Update. Nil fields are left unchanged.
type UpdateParams struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"isActive"`
}

// Create validates p and registers a subscription with a fresh secret.
func (r *Registry) Create(ctx context.Context, clientID string, p CreateParams) (*Subscription, error) {
	if err := r.validateURL(ctx, p.URL); err != nil {
		return nil, err
	}
	events, err := parseEvents(p.Events)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		ClientID:  clientID,
		URL:       p.URL,
		Events:    events,
		Secret:    idgen.Secret(SecretPrefix, SecretLength),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, sub, r.limit); err != nil {
		return nil, err
	}
	r.logger.Info("webhook created", "webhook", sub.ID, "client", clientID, "events", len(events))
	return sub, nil
}

// List returns the client's subscriptions.
func (r *Registry) List(ctx context.Context, clientID string) ([]*Subscription, error) {
	return r.store.ListByClient(ctx, clientID)
}

// Get returns a subscription owned by clientID.
func (r *Registry) Get(ctx context.Context, clientID, id string) (*Subscription, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.ClientID != clientID {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Update applies the non-nil fields of p.
func (r *Registry) Update(ctx context.Context, clientID, id string, p UpdateParams) (*Subscription, error) {
	sub, err := r.Get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if p.URL != nil {
		if err := r.validateURL(ctx, *p.URL); err != nil {
			return nil, err
		}
		sub.URL = *p.URL
	}
	if p.Events != nil {
		events, err := parseEvents(p.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = events
	}
	if p.Active != nil {
		sub.Active = *p.Active
	}
	sub.UpdatedAt = r.now().UTC()

	if err := r.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a subscription. Pending deliveries for it are closed as
// failed by the scheduler.
func (r *Registry) Delete(ctx context.Context, clientID, id string) error {
	if _, err := r.Get(ctx, clientID, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("webhook deleted", "webhook", id, "client", clientID)
	return nil
}

// RotateSecret replaces the signing secret. The new secret is returned once.
func (r *Registry) RotateSecret(ctx context.Context, clientID, id string) (*Subscription, error) {
	sub, err := r.Get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	sub.Secret = idgen.Secret(SecretPrefix, SecretLength)
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSecret(ctx, sub.ID, sub.Secret, sub.UpdatedAt); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteByClient removes all of a client's subscriptions. Called when the
// client itself is deleted.
func (r *Registry) DeleteByClient(ctx context.Context, clientID string) (int64, error) {
	n, err := r.store.DeleteByClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("webhooks removed with client", "client", clientID, "count", n)
	}
	return n, nil
}

// ActiveFor returns the client's active subscriptions listing event.
func (r *Registry) ActiveFor(ctx context.Context, clientID string, event EventType) ([]*Subscription, error) {
	return r.store.ListActiveForEvent(ctx, clientID, event)
}

func (r *Registry) validateURL(ctx context.Context, raw string) error {
	if raw == "" {
		return &ValidationError{Field: "url", Message: "Webhook URL is required"}
	}
	if len(raw) > 2048 {
		return &ValidationError{Field: "url", Message: "Webhook URL is too long"}
	}
	if err := security.ValidateWebhookURL(ctx, raw, r.policy); err != nil {
		msg := err.Error()
		if errors.Is(err, security.ErrBlockedAddress) {
			msg = "must not target a private or internal address"
		}
		return &ValidationError{Field: "url", Message: "Invalid webhook URL: " + msg}
	}
	return nil
}

// parseEvents requires a non-empty subset of the vocabulary and drops duplicates.
func parseEvents(raw []string) ([]EventType, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "events", Message: "At least one webhook event is required"}
	}
	seen := make(map[EventType]bool, len(raw))
	out := make([]EventType, 0, len(raw))
	var invalid []string
	for _, s := range raw {
		e := EventType(s)
		if !IsKnownEvent(e) {
			invalid = append(invalid, s)
			continue
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	if len(invalid) > 0 {
		return nil, &ValidationError{Field: "events", Message: "Invalid webhook events: " + strings.Join(invalid, ", ")}
	}
	return out, nil
}
