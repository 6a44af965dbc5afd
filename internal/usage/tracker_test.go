package usage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agentry/internal/cache"
	"agentry/pkg/models"
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Agent{}))

	c := cache.New(cache.DefaultConfig())
	t.Cleanup(func() { c.Close() })

	tracker := NewTracker(db, c)
	require.NoError(t, tracker.Migrate())
	t.Cleanup(tracker.Close)
	return tracker, db
}

func createUser(t *testing.T, db *gorm.DB, user *models.User) *models.User {
	t.Helper()
	if user.Username == "" {
		user.Username = "tester"
	}
	if user.Email == "" {
		user.Email = user.Username + "@example.com"
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestLimitsForPlans(t *testing.T) {
	free := LimitsFor(models.PlanFree)
	assert.EqualValues(t, 3, free.MaxAgents)
	assert.EqualValues(t, 50, free.InvocationsPerDay)
	assert.EqualValues(t, 10000, free.RowsPerCall)
	assert.EqualValues(t, 100, free.ConnectorCallsPerDay)

	pro := LimitsFor(models.PlanPro)
	assert.EqualValues(t, 25, pro.MaxAgents)
	assert.EqualValues(t, 1000, pro.InvocationsPerDay)

	ent := LimitsFor(models.PlanEnterprise)
	assert.EqualValues(t, -1, ent.MaxAgents)
	assert.EqualValues(t, -1, ent.InvocationsPerDay)

	assert.Equal(t, free, LimitsFor("mystery"))
}

func TestRecordAndRollup(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordInvocation(ctx, user.ID, "data-transform"))
	}
	require.NoError(t, tracker.RecordConnectorCall(ctx, user.ID, "weather"))
	require.NoError(t, tracker.RecordPipelineRows(ctx, user.ID, 250))

	var records []UsageRecord
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&records).Error)
	assert.Len(t, records, 5)
	assert.Contains(t, records[0].Metadata, "data-transform")

	var rollup DailyUsageSummary
	require.NoError(t, db.Where("user_id = ? AND type = ? AND day = ?",
		user.ID, UsageInvocations, today()).First(&rollup).Error)
	assert.EqualValues(t, 3, rollup.Total)

	require.NoError(t, db.Where("user_id = ? AND type = ? AND day = ?",
		user.ID, UsagePipelineRows, today()).First(&rollup).Error)
	assert.EqualValues(t, 250, rollup.Total)
}

func TestSummaryReflectsUsage(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	for i := 0; i < 2; i++ {
		require.NoError(t, db.Create(&models.Agent{OwnerID: user.ID, Name: "a"}).Error)
	}
	require.NoError(t, tracker.RecordInvocation(ctx, user.ID, "echo"))

	s, err := tracker.Summary(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, s.Plan)
	assert.EqualValues(t, 2, s.Agents)
	assert.EqualValues(t, 3, s.MaxAgents)
	assert.EqualValues(t, 1, s.InvocationsToday)
	assert.EqualValues(t, 50, s.MaxInvocationsDay)
	assert.EqualValues(t, 10000, s.RowsPerCall)
	assert.Equal(t, today(), s.Day)

	// Recording invalidates, so the next summary is fresh.
	require.NoError(t, tracker.RecordInvocation(ctx, user.ID, "echo"))
	s, err = tracker.Summary(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.InvocationsToday)
}

func TestAllowInvocationDenies(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	require.NoError(t, db.Create(&DailyUsageSummary{
		Day: today(), UserID: user.ID, Type: UsageInvocations, Total: 50,
	}).Error)

	err := tracker.AllowInvocation(ctx, user.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var qErr *QuotaError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "invocations_per_day", qErr.Limit)
	assert.EqualValues(t, 50, qErr.Used)
	assert.EqualValues(t, 50, qErr.Max)
}

func TestAllowAgentDenies(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.Agent{OwnerID: user.ID, Name: "a"}).Error)
	}

	err := tracker.AllowAgent(ctx, user.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	pro := createUser(t, db, &models.User{Username: "pro", Plan: models.PlanPro})
	assert.NoError(t, tracker.AllowAgent(ctx, pro.ID))
}

func TestUnlimitedAccountsBypassQuota(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	admin := createUser(t, db, &models.User{Username: "admin", Plan: models.PlanFree, IsAdmin: true})

	require.NoError(t, db.Create(&DailyUsageSummary{
		Day: today(), UserID: admin.ID, Type: UsageInvocations, Total: 100000,
	}).Error)

	assert.NoError(t, tracker.AllowInvocation(ctx, admin.ID))
	assert.NoError(t, tracker.AllowAgent(ctx, admin.ID))
	assert.NoError(t, tracker.CheckRows(ctx, admin.ID, 10_000_000))

	s, err := tracker.Summary(ctx, admin.ID)
	require.NoError(t, err)
	assert.EqualValues(t, -1, s.MaxInvocationsDay)
}

func TestCheckRows(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	assert.NoError(t, tracker.CheckRows(ctx, user.ID, 10000))

	err := tracker.CheckRows(ctx, user.ID, 10001)
	require.Error(t, err)
	var qErr *QuotaError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "rows_per_call", qErr.Limit)
}

func TestHistory(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := createUser(t, db, &models.User{Plan: models.PlanFree})

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, db.Create(&DailyUsageSummary{
		Day: yesterday, UserID: user.ID, Type: UsageInvocations, Total: 7,
	}).Error)
	require.NoError(t, db.Create(&DailyUsageSummary{
		Day: yesterday, UserID: user.ID, Type: UsageConnectorCalls, Total: 2,
	}).Error)
	require.NoError(t, db.Create(&DailyUsageSummary{
		Day: today(), UserID: user.ID, Type: UsageInvocations, Total: 4,
	}).Error)

	history, err := tracker.History(ctx, user.ID, 7)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, yesterday, history[0].Day)
	assert.EqualValues(t, 7, history[0].Invocations)
	assert.EqualValues(t, 2, history[0].ConnectorCalls)
	assert.Equal(t, today(), history[1].Day)
	assert.EqualValues(t, 4, history[1].Invocations)
}
