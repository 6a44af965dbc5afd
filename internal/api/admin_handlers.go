package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentry/internal/agents"
	"agentry/internal/billing"
	"agentry/internal/middleware"
	"agentry/pkg/models"
)

// AdminListUsers returns accounts for the admin console, optionally
// filtered by a search string over username, email, and full name.
func (s *Server) AdminListUsers(c *gin.Context) {
	page, limit := pageParams(c)
	search := c.Query("search")

	query := s.db.WithContext(c.Request.Context()).Model(&models.User{})
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("username LIKE ? OR email LIKE ? OR full_name LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list users")
		return
	}

	var users []models.User
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&users).Error; err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list users")
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": users, "pagination": pageInfo(page, limit, total)})
}

type adminUpdateUserRequest struct {
	Plan       *string `json:"plan"`
	IsActive   *bool   `json:"is_active"`
	IsAdmin    *bool   `json:"is_admin"`
	IsVerified *bool   `json:"is_verified"`
}

// AdminUpdateUser patches a user's plan and account flags. Only the
// provided fields change.
func (s *Server) AdminUpdateUser(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input adminUpdateUserRequest
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		middleware.Abort(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
		return
	}

	updates := make(map[string]interface{})
	if input.Plan != nil {
		if !validPlan(*input.Plan) {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_PLAN", "plan must be one of free, pro, team, enterprise")
			return
		}
		updates["plan"] = *input.Plan
	}
	if input.IsActive != nil {
		updates["is_active"] = *input.IsActive
	}
	if input.IsAdmin != nil {
		updates["is_admin"] = *input.IsAdmin
	}
	if input.IsVerified != nil {
		updates["is_verified"] = *input.IsVerified
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update user")
			return
		}
		if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
			middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reload user")
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

type adminCreditsRequest struct {
	Amount int    `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// AdminAdjustCredits grants or revokes credits on a user's ledger.
// Positive amounts grant, negative amounts charge.
func (s *Server) AdminAdjustCredits(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input adminCreditsRequest
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()
	reason := input.Reason
	if reason == "" {
		reason = "admin adjustment"
	}
	ref := fmt.Sprintf("admin:%d", middleware.GetUserID(c))

	var (
		tx  *models.CreditTransaction
		err error
	)
	if input.Amount > 0 {
		tx, err = s.credits.Grant(ctx, id, input.Amount, reason, ref)
	} else {
		tx, err = s.credits.Charge(ctx, id, -input.Amount, reason, ref)
	}
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInsufficientCredits):
			middleware.Abort(c, http.StatusConflict, "INSUFFICIENT_CREDITS", err.Error())
		default:
			middleware.Abort(c, http.StatusBadRequest, "CREDIT_ERROR", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// AdminStats returns platform-wide counters for the admin dashboard.
func (s *Server) AdminStats(c *gin.Context) {
	ctx := c.Request.Context()
	db := s.db.WithContext(ctx)

	var totalUsers, activeUsers, adminUsers int64
	db.Model(&models.User{}).Count(&totalUsers)
	db.Model(&models.User{}).Where("is_active = ?", true).Count(&activeUsers)
	db.Model(&models.User{}).Where("is_admin = ?", true).Count(&adminUsers)

	type planCount struct {
		Plan  string `json:"plan"`
		Count int64  `json:"count"`
	}
	var plans []planCount
	db.Model(&models.User{}).
		Select("plan, COUNT(*) AS count").
		Group("plan").
		Scan(&plans)
	byPlan := make(map[string]int64, len(plans))
	for _, p := range plans {
		byPlan[p.Plan] = p.Count
	}

	var totalAgents, activeAgents int64
	db.Model(&models.Agent{}).Count(&totalAgents)
	db.Model(&models.Agent{}).Where("status = ?", agents.StatusActive).Count(&activeAgents)

	var totalRuns, runsToday int64
	db.Model(&models.AgentRun{}).Count(&totalRuns)
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	db.Model(&models.AgentRun{}).Where("created_at >= ?", startOfDay).Count(&runsToday)

	var totalDatasets, totalSnapshots int64
	db.Model(&models.Dataset{}).Count(&totalDatasets)
	db.Model(&models.Snapshot{}).Count(&totalSnapshots)

	c.JSON(http.StatusOK, gin.H{
		"stats": gin.H{
			"users": gin.H{
				"total":   totalUsers,
				"active":  activeUsers,
				"admins":  adminUsers,
				"by_plan": byPlan,
			},
			"agents": gin.H{
				"total":  totalAgents,
				"active": activeAgents,
			},
			"runs": gin.H{
				"total": totalRuns,
				"today": runsToday,
			},
			"datasets":  totalDatasets,
			"snapshots": totalSnapshots,
		},
		"server_time": time.Now().UTC(),
	})
}

func validPlan(plan string) bool {
	switch plan {
	case models.PlanFree, models.PlanPro, models.PlanTeam, models.PlanEnterprise:
		return true
	}
	return false
}
