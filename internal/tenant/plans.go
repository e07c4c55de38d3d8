package tenant

// Plan is a pricing tier. The catalog is static: plans change with
// deploys, not at runtime, so there is no plans table to drift out of
// sync with Stripe.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PriceCents        int    `json:"priceCents"`
	MonthlyQuota      int    `json:"monthlyQuota"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	DailyLimit        int    `json:"dailyLimit"`
	// OveragePriceCents is the metered price per try-on beyond the
	// monthly quota. Zero means the plan hard-stops at the quota.
	OveragePriceCents int `json:"overagePriceCents"`
}

const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanGrowth  = "growth"
)

// Plans is the hardcoded tier catalogue.
var Plans = map[string]Plan{
	PlanFree: {
		ID:                PlanFree,
		Name:              "Free",
		PriceCents:        0,
		MonthlyQuota:      100,
		RequestsPerMinute: 5,
		DailyLimit:        100,
		OveragePriceCents: 0,
	},
	PlanStarter: {
		ID:                PlanStarter,
		Name:              "Starter",
		PriceCents:        2900,
		MonthlyQuota:      1000,
		RequestsPerMinute: 20,
		DailyLimit:        1000,
		OveragePriceCents: 5,
	},
	PlanGrowth: {
		ID:                PlanGrowth,
		Name:              "Growth",
		PriceCents:        9900,
		MonthlyQuota:      10000,
		RequestsPerMinute: 60,
		DailyLimit:        10000,
		OveragePriceCents: 3,
	},
}

// PlanFor resolves a plan ID to its tier. Unknown IDs fall back to the
// free plan so a bad value in the database degrades to the most
// restrictive limits instead of unlimited access.
func PlanFor(id string) Plan {
	if p, ok := Plans[id]; ok {
		return p
	}
	return Plans[PlanFree]
}

// ValidPlan returns true if the plan ID is recognised.
func ValidPlan(id string) bool {
	_, ok := Plans[id]
	return ok
}

// PaidPlans returns the purchasable tiers in display order.
func PaidPlans() []Plan {
	return []Plan{Plans[PlanStarter], Plans[PlanGrowth]}
}
