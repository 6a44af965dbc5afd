package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentry/internal/logging"
	"agentry/internal/usage"
)

// QuotaChecker guards the spend paths with plan-limit checks. Row caps
// depend on the request body, so handlers enforce those themselves via
// Tracker.CheckRows.
type QuotaChecker struct {
	tracker *usage.Tracker
}

// NewQuotaChecker wraps a usage tracker for middleware use.
func NewQuotaChecker(tracker *usage.Tracker) *QuotaChecker {
	return &QuotaChecker{tracker: tracker}
}

// AgentQuota blocks agent creation past the plan's agent ceiling.
func (q *QuotaChecker) AgentQuota() gin.HandlerFunc {
	return q.guard(func(ctx context.Context, userID uint) error {
		return q.tracker.AllowAgent(ctx, userID)
	})
}

// InvocationQuota blocks module runs past the daily invocation budget.
func (q *QuotaChecker) InvocationQuota() gin.HandlerFunc {
	return q.guard(func(ctx context.Context, userID uint) error {
		return q.tracker.AllowInvocation(ctx, userID)
	})
}

// ConnectorQuota blocks connector calls past the daily budget.
func (q *QuotaChecker) ConnectorQuota() gin.HandlerFunc {
	return q.guard(func(ctx context.Context, userID uint) error {
		return q.tracker.AllowConnectorCall(ctx, userID)
	})
}

func (q *QuotaChecker) guard(allow func(ctx context.Context, userID uint) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := GetUserID(c)
		if userID == 0 {
			c.Next()
			return
		}
		// Admins bypass plan limits.
		if c.GetBool("is_admin") {
			c.Next()
			return
		}

		err := allow(c.Request.Context(), userID)
		if err == nil {
			c.Next()
			return
		}

		var qe *usage.QuotaError
		if errors.As(err, &qe) {
			AbortWithDetails(c, http.StatusTooManyRequests, "QUOTA_EXCEEDED", qe.Error(), gin.H{
				"plan":  qe.Plan,
				"limit": qe.Limit,
				"used":  qe.Used,
				"max":   qe.Max,
			})
			return
		}

		// Quota reads fail open.
		logging.S().Warnw("Quota check failed, allowing request",
			"user_id", userID,
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.Next()
	}
}
