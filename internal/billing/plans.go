// Package billing implements the internal credits ledger. Credits are
// the platform's metering unit: module invocations charge them, plans
// grant them monthly, and every movement leaves an audit row. There is
// no payment provider behind this package.
package billing

import "agentry/pkg/models"

// Plan describes a subscription tier. Prices are display-only; the
// ledger only cares about MonthlyCredits.
type Plan struct {
	Key               string   `json:"key"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	MonthlyPriceCents int64    `json:"monthly_price_cents"`
	AnnualPriceCents  int64    `json:"annual_price_cents"`
	MonthlyCredits    int      `json:"monthly_credits"`
	Features          []string `json:"features"`
	Popular           bool     `json:"popular,omitempty"`
}

// Plans returns all subscription tiers.
func Plans() []Plan {
	return []Plan{
		{
			Key:            models.PlanFree,
			Name:           "Free",
			Description:    "Perfect for getting started",
			MonthlyCredits: 100,
			Features: []string{
				"3 Agents",
				"100 Credits/month",
				"Built-in modules",
				"Deterministic connector fallbacks",
				"Community Support",
			},
		},
		{
			Key:               models.PlanPro,
			Name:              "Pro",
			Description:       "For individual builders",
			MonthlyPriceCents: 1900,
			AnnualPriceCents:  19000, // 2 months free
			MonthlyCredits:    2000,
			Popular:           true,
			Features: []string{
				"25 Agents",
				"2,000 Credits/month",
				"Live connector access",
				"All AI providers",
				"Email Support",
			},
		},
		{
			Key:               models.PlanTeam,
			Name:              "Team",
			Description:       "For small teams",
			MonthlyPriceCents: 4900,
			AnnualPriceCents:  49000, // 2 months free
			MonthlyCredits:    10000,
			Features: []string{
				"100 Agents",
				"10,000 Credits/month",
				"External MCP servers",
				"Snapshot exports to S3",
				"Priority Support",
			},
		},
		{
			Key:               models.PlanEnterprise,
			Name:              "Enterprise",
			Description:       "For large organizations",
			MonthlyPriceCents: 19900,
			AnnualPriceCents:  199000, // 2 months free
			MonthlyCredits:    100000,
			Features: []string{
				"Unlimited Agents",
				"Unmetered credits",
				"Dedicated support",
				"Custom integrations",
				"SLA Guarantees",
			},
		},
	}
}

// PlanByKey returns the plan for a key. Unknown keys resolve to the
// free plan.
func PlanByKey(key string) Plan {
	for _, p := range Plans() {
		if p.Key == key {
			return p
		}
	}
	return Plans()[0]
}

// MonthlyCredits returns the monthly credit grant for a plan key.
func MonthlyCredits(plan string) int {
	return PlanByKey(plan).MonthlyCredits
}
