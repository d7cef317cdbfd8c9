// Package gateway composes credential validation, rate limiting and credit
// debits into an ordered pipeline around protected handlers, and records
// usage once the handler has run.
//
// Each stage takes the request context by value and either returns an
// updated copy or a Rejection that short-circuits the request.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/credit"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/ratelimit"
	"github.com/sudigital/neptu-api/internal/traces"
	"github.com/sudigital/neptu-api/internal/usage"
)

// Validator authenticates an Authorization header value.
type Validator interface {
	Validate(ctx context.Context, header string) (*auth.Identity, error)
}

// Admitter makes rate-limit decisions.
type Admitter interface {
	Admit(ctx context.Context, key string, limit int) ratelimit.Decision
}

// Debiter charges credits.
type Debiter interface {
	Debit(ctx context.Context, ownerID string, standardCost, aiCost int64) (*credit.Balance, error)
}

// UsageSink accepts usage records. It must not block.
type UsageSink interface {
	Record(rec *usage.Record)
}

// Rejection short-circuits the pipeline with an HTTP error.
type Rejection struct {
	Status  int
	Reason  string // metric label
	Message string
	Extra   gin.H
}

func (r *Rejection) body() gin.H {
	b := gin.H{"success": false, "error": r.Message}
	for k, v := range r.Extra {
		b[k] = v
	}
	return b
}

// Stage is one step of the pipeline.
type Stage func(ctx context.Context, rc RequestContext) (RequestContext, *Rejection)

// Pipeline wires the gateway stages to their backing services.
type Pipeline struct {
	validator  Validator
	limiter    Admitter
	ledger     Debiter
	usage      UsageSink
	defaultRPM int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultRPM sets the limit for identities without a plan or credential limit.
func WithDefaultRPM(rpm int) Option {
	return func(p *Pipeline) {
		if rpm > 0 {
			p.defaultRPM = rpm
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the time source used for latency.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline.
func NewPipeline(validator Validator, limiter Admitter, ledger Debiter, sink UsageSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator:  validator,
		limiter:    limiter,
		ledger:     ledger,
		usage:      sink,
		defaultRPM: 60,
		logger:     logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the pre-handler stages in order. Forbidden requests still
// count against the credential's window.
func (p *Pipeline) Stages() []Stage {
	return []Stage{p.authenticate, p.rateLimit, p.authorize, p.debit}
}

// Run applies the stages in order and stops at the first rejection. The
// returned context carries whatever the stages established before stopping.
func (p *Pipeline) Run(ctx context.Context, rc RequestContext) (RequestContext, *Rejection) {
	for _, stage := range p.Stages() {
		next, rej := stage(ctx, rc)
		if rej != nil {
			return next, rej
		}
		rc = next
	}
	return rc, nil
}

func (p *Pipeline) authenticate(ctx context.Context, rc RequestContext) (RequestContext, *Rejection) {
	id, err := p.validator.Validate(ctx, rc.Authorization())
	if err == nil {
		return rc.withIdentity(id), nil
	}

	msg := "Invalid or expired API key"
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		msg = "Authorization header required"
	case errors.Is(err, auth.ErrMalformedHeader):
		msg = "Invalid authorization format. Use: Bearer <api_key>"
	case errors.Is(err, auth.ErrMalformedToken):
		msg = "Invalid API key format"
	case err != auth.ErrInvalidCredential: //nolint:errorlint // only wrapped store failures are logged
		logging.L(ctx).Warn("credential validation failed", "error", err)
	}
	return rc, &Rejection{Status: http.StatusUnauthorized, Reason: "unauthenticated", Message: msg}
}

func (p *Pipeline) authorize(_ context.Context, rc RequestContext) (RequestContext, *Rejection) {
	route, id := rc.Route(), rc.Identity()
	if len(route.Scopes) > 0 && !id.Scopes.HasAny(route.Scopes...) {
		return rc, &Rejection{
			Status:  http.StatusForbidden,
			Reason:  "scope",
			Message: "Insufficient permissions. Required: " + strings.Join(route.Scopes, " or "),
		}
	}
	if route.RequireSubscription && !id.HasSubscription() {
		return rc, &Rejection{Status: http.StatusForbidden, Reason: "subscription", Message: "Active API subscription required"}
	}
	return rc, nil
}

func (p *Pipeline) rateLimit(ctx context.Context, rc RequestContext) (RequestContext, *Rejection) {
	id := rc.Identity()
	limit := id.RequestsPerMinute
	if limit <= 0 {
		limit = p.defaultRPM
	}

	d := p.limiter.Admit(ctx, "cred:"+id.CredentialID, limit)
	rc = rc.withDecision(d)
	if !d.Admitted {
		return rc, &Rejection{
			Status:  http.StatusTooManyRequests,
			Reason:  "rate_limited",
			Message: "Rate limit exceeded",
			Extra:   gin.H{"retryAfter": d.RetryAfterSeconds()},
		}
	}
	return rc, nil
}

func (p *Pipeline) debit(ctx context.Context, rc RequestContext) (RequestContext, *Rejection) {
	route, id := rc.Route(), rc.Identity()
	if !id.HasSubscription() || route.StandardCost+route.AICost == 0 {
		return rc, nil
	}

	ctx, span := traces.StartSpan(ctx, "gateway.debit",
		traces.CredentialID(id.CredentialID),
		traces.SubscriptionID(id.SubscriptionID),
	)
	defer span.End()

	_, err := p.ledger.Debit(ctx, id.OwnerID, route.StandardCost, route.AICost)
	var insufficient *credit.InsufficientCreditsError
	switch {
	case err == nil:
		return rc.withCharge(route.StandardCost, route.AICost), nil
	case errors.As(err, &insufficient):
		return rc, &Rejection{
			Status:  http.StatusPaymentRequired,
			Reason:  "insufficient_credits",
			Message: "Insufficient credits",
			Extra: gin.H{"remaining": gin.H{
				"standard": insufficient.RemainingStandard,
				"ai":       insufficient.RemainingAI,
			}},
		}
	case errors.Is(err, credit.ErrNoSubscription):
		// cancelled between validation and debit
		return rc, &Rejection{Status: http.StatusForbidden, Reason: "subscription", Message: "Active API subscription required"}
	default:
		traces.RecordError(span, err)
		logging.L(ctx).Error("credit debit failed", "owner", id.OwnerID, "error", err)
		return rc, &Rejection{Status: http.StatusInternalServerError, Reason: "debit_error", Message: "Failed to charge credits"}
	}
}
