package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runLabelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	agentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total number of agent runs by module and status",
		},
		[]string{"module", "status"},
	)

	guardrailBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "agent",
			Name:      "guardrail_blocks_total",
			Help:      "Total number of runs blocked by an agent guardrail",
		},
		[]string{"module"},
	)

	quotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "usage",
			Name:      "quota_denials_total",
			Help:      "Total number of requests denied by plan quota, by plan and limit",
		},
		[]string{"plan", "limit"},
	)

	creditDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "usage",
			Name:      "credit_denials_total",
			Help:      "Total number of runs denied for insufficient credits",
		},
		[]string{"module"},
	)

	rateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the per-IP rate limiter",
		},
		[]string{"route"},
	)
)

// RecordAgentRun counts a completed agent run.
func RecordAgentRun(module, status string) {
	agentRunsTotal.WithLabelValues(
		sanitizeRunLabel(module, "unknown"),
		sanitizeRunLabel(status, "unknown"),
	).Inc()
}

// RecordGuardrailBlock counts a run rejected by a guardrail.
func RecordGuardrailBlock(module string) {
	guardrailBlocksTotal.WithLabelValues(sanitizeRunLabel(module, "unknown")).Inc()
}

// RecordQuotaDenial counts a request denied by a plan limit.
func RecordQuotaDenial(plan, limit string) {
	quotaDenialsTotal.WithLabelValues(
		sanitizeRunLabel(plan, "unknown"),
		sanitizeRunLabel(limit, "unknown"),
	).Inc()
}

// RecordCreditDenial counts a run denied for insufficient credits.
func RecordCreditDenial(module string) {
	creditDenialsTotal.WithLabelValues(sanitizeRunLabel(module, "unknown")).Inc()
}

// RecordRateLimitHit counts a request rejected by the rate limiter.
func RecordRateLimitHit(route string) {
	rateLimitHitsTotal.WithLabelValues(sanitizeRunLabel(route, "unmatched")).Inc()
}

// sanitizeRunLabel keeps label values inside the usual Prometheus
// conventions: lowercase, [a-z0-9_], bounded length.
func sanitizeRunLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = runLabelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
