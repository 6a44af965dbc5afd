package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agentry/internal/billing"
	"agentry/internal/middleware"
)

// UsageSummary returns the caller's consumption against their plan
// limits for the current UTC day.
func (s *Server) UsageSummary(c *gin.Context) {
	summary, err := s.tracker.Summary(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load usage summary")
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// UsageHistory returns per-day rollups for the trailing window.
func (s *Server) UsageHistory(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		days = 30
	}
	if days > 90 {
		days = 90
	}

	history, err := s.tracker.History(c.Request.Context(), middleware.GetUserID(c), days)
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load usage history")
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history, "days": days})
}

// BillingBalance returns the caller's current credit balance.
func (s *Server) BillingBalance(c *gin.Context) {
	balance, err := s.credits.Balance(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load balance")
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// BillingTransactions returns the caller's credit ledger, newest first.
func (s *Server) BillingTransactions(c *gin.Context) {
	page, limit := pageParams(c)
	list, total, err := s.credits.History(c.Request.Context(), middleware.GetUserID(c), page, limit)
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load transactions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": list, "pagination": pageInfo(page, limit, total)})
}

// BillingPlans returns the public plan catalog.
func (s *Server) BillingPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": billing.Plans()})
}
