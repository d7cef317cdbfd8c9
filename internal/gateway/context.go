package gateway

import (
	"time"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/ratelimit"
)

// Route describes what a protected endpoint demands and what it costs.
type Route struct {
	Endpoint            string   // label used in usage records
	Scopes              []string // any one of these grants access; empty means none required
	RequireSubscription bool
	StandardCost        int64
	AICost              int64
}

// AI reports whether the route bills the AI credit pool.
func (r Route) AI() bool {
	return r.AICost > 0
}

// RequestContext is the value threaded through the stages. Stages never
// mutate it; each with* method returns a modified copy.
type RequestContext struct {
	route         Route
	authorization string
	startedAt     time.Time

	identity        *auth.Identity
	decision        *ratelimit.Decision
	chargedStandard int64
	chargedAI       int64
}

// NewRequestContext starts a context for one request.
func NewRequestContext(route Route, authorization string, startedAt time.Time) RequestContext {
	return RequestContext{route: route, authorization: authorization, startedAt: startedAt}
}

func (rc RequestContext) Route() Route             { return rc.route }
func (rc RequestContext) Authorization() string    { return rc.authorization }
func (rc RequestContext) StartedAt() time.Time     { return rc.startedAt }
func (rc RequestContext) Identity() *auth.Identity { return rc.identity }

// Charged returns the credits actually debited for this request.
func (rc RequestContext) Charged() (standard, ai int64) {
	return rc.chargedStandard, rc.chargedAI
}

// Decision returns the rate-limit decision once the limiter has run.
func (rc RequestContext) Decision() (ratelimit.Decision, bool) {
	if rc.decision == nil {
		return ratelimit.Decision{}, false
	}
	return *rc.decision, true
}

func (rc RequestContext) withIdentity(id *auth.Identity) RequestContext {
	rc.identity = id
	return rc
}

func (rc RequestContext) withDecision(d ratelimit.Decision) RequestContext {
	rc.decision = &d
	return rc
}

func (rc RequestContext) withCharge(standard, ai int64) RequestContext {
	rc.chargedStandard = standard
	rc.chargedAI = ai
	return rc
}
