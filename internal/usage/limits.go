// Package usage tracks per-user consumption against plan limits:
// module invocations and connector calls roll up per day, agent counts
// and pipeline row caps are checked at call time.
package usage

import "agentry/pkg/models"

// UsageType labels one tracked consumption metric.
type UsageType string

const (
	UsageInvocations    UsageType = "module_invocations"
	UsageConnectorCalls UsageType = "connector_calls"
	UsagePipelineRows   UsageType = "pipeline_rows"
	UsageAIRequests     UsageType = "ai_requests"
)

// PlanLimits defines the ceilings for one plan. -1 means unlimited.
type PlanLimits struct {
	MaxAgents            int64 `json:"max_agents"`
	InvocationsPerDay    int64 `json:"invocations_per_day"`
	RowsPerCall          int64 `json:"rows_per_call"`
	ConnectorCallsPerDay int64 `json:"connector_calls_per_day"`
}

// LimitsFor returns the limits for a plan key. Unknown plans get the
// free tier.
func LimitsFor(plan string) PlanLimits {
	switch plan {
	case models.PlanPro:
		return PlanLimits{
			MaxAgents:            25,
			InvocationsPerDay:    1000,
			RowsPerCall:          100000,
			ConnectorCallsPerDay: 2000,
		}
	case models.PlanTeam:
		return PlanLimits{
			MaxAgents:            100,
			InvocationsPerDay:    5000,
			RowsPerCall:          500000,
			ConnectorCallsPerDay: 10000,
		}
	case models.PlanEnterprise:
		return PlanLimits{
			MaxAgents:            -1,
			InvocationsPerDay:    -1,
			RowsPerCall:          -1,
			ConnectorCallsPerDay: -1,
		}
	default:
		return PlanLimits{
			MaxAgents:            3,
			InvocationsPerDay:    50,
			RowsPerCall:          10000,
			ConnectorCallsPerDay: 100,
		}
	}
}

var unlimited = PlanLimits{
	MaxAgents:            -1,
	InvocationsPerDay:    -1,
	RowsPerCall:          -1,
	ConnectorCallsPerDay: -1,
}
