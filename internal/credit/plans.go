package credit

// Plan is a subscription tier: its rate limit and the credits it grants.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	StandardCredits   int64  `json:"standardCredits"`
	AICredits         int64  `json:"aiCredits"`
}

// Plan identifiers.
const (
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanBusiness   = "business"
	PlanEnterprise = "enterprise"
)

var plans = map[string]Plan{
	PlanStarter:    {ID: PlanStarter, Name: "Starter", RequestsPerMinute: 60, StandardCredits: 1_000, AICredits: 0},
	PlanPro:        {ID: PlanPro, Name: "Pro", RequestsPerMinute: 120, StandardCredits: 10_000, AICredits: 100},
	PlanBusiness:   {ID: PlanBusiness, Name: "Business", RequestsPerMinute: 300, StandardCredits: 50_000, AICredits: 1_000},
	PlanEnterprise: {ID: PlanEnterprise, Name: "Enterprise", RequestsPerMinute: 1000, StandardCredits: 500_000, AICredits: 10_000},
}

// LookupPlan returns the plan with id.
func LookupPlan(id string) (Plan, bool) {
	p, ok := plans[id]
	return p, ok
}

// RequestsPerMinute returns the plan's limit, or 0 for unknown plans.
func RequestsPerMinute(planID string) int {
	return plans[planID].RequestsPerMinute
}
