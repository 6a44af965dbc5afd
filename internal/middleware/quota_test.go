package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentry/internal/usage"
	"agentry/pkg/models"
)

func newQuotaEnv(t *testing.T) (*QuotaChecker, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Agent{}))

	tracker := usage.NewTracker(db, nil)
	t.Cleanup(tracker.Close)
	require.NoError(t, tracker.Migrate())

	return NewQuotaChecker(tracker), db
}

func quotaUser(t *testing.T, db *gorm.DB, name string, agents int) *models.User {
	t.Helper()
	user := &models.User{
		Username: name,
		Email:    name + "@example.com",
		Plan:     models.PlanFree,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	for i := 0; i < agents; i++ {
		require.NoError(t, db.Create(&models.Agent{
			OwnerID: user.ID,
			Name:    fmt.Sprintf("%s-agent-%d", name, i),
			Goal:    "exercise the plan limits",
		}).Error)
	}
	return user
}

// spendRoute mounts the guard behind a stand-in for RequireAuth.
func spendRoute(guard gin.HandlerFunc, userID uint, admin bool) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.POST("/spend", func(c *gin.Context) {
		if userID != 0 {
			c.Set("user_id", userID)
			c.Set("is_admin", admin)
		}
	}, guard, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func postSpend(r *gin.Engine) *httptest.ResponseRecorder {
	return perform(r, httptest.NewRequest(http.MethodPost, "/spend", nil))
}

func TestAgentQuota(t *testing.T) {
	q, db := newQuotaEnv(t)

	// Free plan allows three agents.
	under := quotaUser(t, db, "under", 2)
	assert.Equal(t, http.StatusOK, postSpend(spendRoute(q.AgentQuota(), under.ID, false)).Code)

	at := quotaUser(t, db, "at-limit", 3)
	w := postSpend(spendRoute(q.AgentQuota(), at.ID, false))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, "QUOTA_EXCEEDED", body.Code)
	details, ok := body.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agents", details["limit"])
	assert.Equal(t, float64(3), details["used"])
	assert.Equal(t, float64(3), details["max"])
	assert.Equal(t, "free", details["plan"])
}

func TestInvocationQuota(t *testing.T) {
	q, db := newQuotaEnv(t)
	day := time.Now().UTC().Format("2006-01-02")

	fresh := quotaUser(t, db, "fresh", 0)
	assert.Equal(t, http.StatusOK, postSpend(spendRoute(q.InvocationQuota(), fresh.ID, false)).Code)

	spent := quotaUser(t, db, "spent", 0)
	require.NoError(t, db.Create(&usage.DailyUsageSummary{
		Day: day, UserID: spent.ID, Type: usage.UsageInvocations, Total: 50,
	}).Error)

	w := postSpend(spendRoute(q.InvocationQuota(), spent.ID, false))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	details, ok := body.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "invocations_per_day", details["limit"])
}

func TestConnectorQuota(t *testing.T) {
	q, db := newQuotaEnv(t)
	day := time.Now().UTC().Format("2006-01-02")

	spent := quotaUser(t, db, "dialer", 0)
	require.NoError(t, db.Create(&usage.DailyUsageSummary{
		Day: day, UserID: spent.ID, Type: usage.UsageConnectorCalls, Total: 100,
	}).Error)

	w := postSpend(spendRoute(q.ConnectorQuota(), spent.ID, false))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	details, ok := body.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "connector_calls_per_day", details["limit"])
}

func TestQuotaAdminBypass(t *testing.T) {
	q, db := newQuotaEnv(t)
	admin := quotaUser(t, db, "boss", 3)

	w := postSpend(spendRoute(q.AgentQuota(), admin.ID, true))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuotaAnonymousPassesThrough(t *testing.T) {
	q, _ := newQuotaEnv(t)

	w := postSpend(spendRoute(q.InvocationQuota(), 0, false))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuotaFailsOpenOnTrackerError(t *testing.T) {
	q, _ := newQuotaEnv(t)

	// No such user row, so the summary read errors and the guard
	// lets the request through.
	w := postSpend(spendRoute(q.InvocationQuota(), 9876, false))
	assert.Equal(t, http.StatusOK, w.Code)
}
