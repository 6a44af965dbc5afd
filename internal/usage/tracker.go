package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentry/internal/cache"
	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/pkg/models"
)

// ErrQuotaExceeded is the sentinel under every quota denial.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaError reports which plan limit was hit.
type QuotaError struct {
	Plan  string
	Limit string
	Used  int64
	Max   int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s plan limit reached: %s (%d/%d)", e.Plan, e.Limit, e.Used, e.Max)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// UsageRecord is a single consumption event.
type UsageRecord struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	UserID   uint      `json:"user_id" gorm:"not null;index"`
	Type     UsageType `json:"type" gorm:"not null;index;size:50"`
	Amount   int64     `json:"amount" gorm:"not null"`
	AgentID  *uint     `json:"agent_id,omitempty" gorm:"index"`
	Metadata string    `json:"metadata,omitempty" gorm:"type:text"`
}

// DailyUsageSummary is the per-day rollup quota checks read.
type DailyUsageSummary struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	Day       string    `json:"day" gorm:"uniqueIndex:idx_daily_user_type,priority:1;not null;size:10"` // 2006-01-02
	UserID    uint      `json:"user_id" gorm:"uniqueIndex:idx_daily_user_type,priority:2;not null"`
	Type      UsageType `json:"type" gorm:"uniqueIndex:idx_daily_user_type,priority:3;not null;size:50"`
	Total     int64     `json:"total" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is a user's current consumption against their plan.
type Summary struct {
	UserID uint   `json:"user_id"`
	Plan   string `json:"plan"`
	Day    string `json:"day"`

	Agents    int64 `json:"agents"`
	MaxAgents int64 `json:"max_agents"`

	InvocationsToday  int64 `json:"invocations_today"`
	MaxInvocationsDay int64 `json:"max_invocations_per_day"`

	ConnectorCallsToday  int64 `json:"connector_calls_today"`
	MaxConnectorCallsDay int64 `json:"max_connector_calls_per_day"`

	RowsPerCall int64 `json:"rows_per_call"`

	CachedAt time.Time `json:"cached_at"`
}

// DayUsage is one day in the usage history.
type DayUsage struct {
	Day            string `json:"day"`
	Invocations    int64  `json:"invocations"`
	ConnectorCalls int64  `json:"connector_calls"`
	PipelineRows   int64  `json:"pipeline_rows"`
	AIRequests     int64  `json:"ai_requests"`
}

// Tracker records consumption and answers quota checks from a cached
// summary, so the hot path stays off the database.
type Tracker struct {
	db    *gorm.DB
	cache *cache.Cache

	mu       sync.RWMutex
	local    map[uint]*cachedSummary
	localTTL time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

type cachedSummary struct {
	summary   *Summary
	expiresAt time.Time
}

// NewTracker creates a tracker. The cache may be nil; quota reads then
// fall through to the local map and the database.
func NewTracker(db *gorm.DB, c *cache.Cache) *Tracker {
	t := &Tracker{
		db:       db,
		cache:    c,
		local:    make(map[uint]*cachedSummary),
		localTTL: 30 * time.Second,
		stop:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Migrate creates the usage tables.
func (t *Tracker) Migrate() error {
	return t.db.AutoMigrate(&UsageRecord{}, &DailyUsageSummary{})
}

// Close stops the local cache janitor.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Record stores a consumption event and bumps the daily rollup.
func (t *Tracker) Record(ctx context.Context, userID uint, kind UsageType, amount int64, agentID *uint, metadata map[string]interface{}) error {
	record := &UsageRecord{
		UserID:  userID,
		Type:    kind,
		Amount:  amount,
		AgentID: agentID,
	}
	if metadata != nil {
		if encoded, err := json.Marshal(metadata); err == nil {
			record.Metadata = string(encoded)
		}
	}
	if err := t.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if err := t.bumpDaily(ctx, userID, kind, amount, today()); err != nil {
		logging.S().Warnw("Failed to update daily usage rollup",
			"user_id", userID, "type", kind, "error", err)
	}

	t.invalidate(ctx, userID)
	return nil
}

// bumpDaily upserts the (day, user, type) rollup row. The conflict
// target matches idx_daily_user_type; excluded carries the insert
// amount on both sqlite and postgres.
func (t *Tracker) bumpDaily(ctx context.Context, userID uint, kind UsageType, amount int64, day string) error {
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "user_id"}, {Name: "type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total":      gorm.Expr("total + excluded.total"),
			"updated_at": time.Now(),
		}),
	}).Create(&DailyUsageSummary{
		Day:    day,
		UserID: userID,
		Type:   kind,
		Total:  amount,
	}).Error
}

// RecordInvocation counts one module invocation. Satisfies the module
// registry's meter interface.
func (t *Tracker) RecordInvocation(ctx context.Context, userID uint, module string) error {
	return t.Record(ctx, userID, UsageInvocations, 1, nil, map[string]interface{}{"module": module})
}

// RecordConnectorCall counts one connector invocation.
func (t *Tracker) RecordConnectorCall(ctx context.Context, userID uint, connector string) error {
	return t.Record(ctx, userID, UsageConnectorCalls, 1, nil, map[string]interface{}{"connector": connector})
}

// RecordPipelineRows counts rows pushed through the transform engine.
func (t *Tracker) RecordPipelineRows(ctx context.Context, userID uint, rows int64) error {
	return t.Record(ctx, userID, UsagePipelineRows, rows, nil, nil)
}

// RecordAIRequest counts one routed AI generation.
func (t *Tracker) RecordAIRequest(ctx context.Context, userID uint, provider string, tokens int) error {
	return t.Record(ctx, userID, UsageAIRequests, 1, nil, map[string]interface{}{
		"provider": provider,
		"tokens":   tokens,
	})
}

// Summary returns the user's consumption snapshot, served from cache
// for up to a minute.
func (t *Tracker) Summary(ctx context.Context, userID uint) (*Summary, error) {
	day := today()

	t.mu.RLock()
	if cached, ok := t.local[userID]; ok && time.Now().Before(cached.expiresAt) && cached.summary.Day == day {
		defer t.mu.RUnlock()
		return cached.summary, nil
	}
	t.mu.RUnlock()

	if t.cache != nil {
		var s Summary
		if err := t.cache.GetJSON(ctx, cache.UsageSummaryKey(userID), &s); err == nil && s.Day == day {
			t.remember(userID, &s)
			return &s, nil
		}
	}

	s, err := t.buildSummary(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if err := t.cache.SetJSON(ctx, cache.UsageSummaryKey(userID), s, cache.UsageSummaryTTL); err != nil {
			logging.S().Warnw("Failed to cache usage summary", "user_id", userID, "error", err)
		}
	}
	t.remember(userID, s)
	return s, nil
}

func (t *Tracker) buildSummary(ctx context.Context, userID uint, day string) (*Summary, error) {
	var user models.User
	if err := t.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	limits := LimitsFor(user.Plan)
	if user.IsUnlimited() {
		limits = unlimited
	}

	var agents int64
	if err := t.db.WithContext(ctx).
		Model(&models.Agent{}).
		Where("owner_id = ?", userID).
		Count(&agents).Error; err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	totals, err := t.dailyTotals(ctx, userID, day)
	if err != nil {
		return nil, err
	}

	return &Summary{
		UserID:               userID,
		Plan:                 user.Plan,
		Day:                  day,
		Agents:               agents,
		MaxAgents:            limits.MaxAgents,
		InvocationsToday:     totals[UsageInvocations],
		MaxInvocationsDay:    limits.InvocationsPerDay,
		ConnectorCallsToday:  totals[UsageConnectorCalls],
		MaxConnectorCallsDay: limits.ConnectorCallsPerDay,
		RowsPerCall:          limits.RowsPerCall,
		CachedAt:             time.Now().UTC(),
	}, nil
}

func (t *Tracker) dailyTotals(ctx context.Context, userID uint, day string) (map[UsageType]int64, error) {
	var rows []DailyUsageSummary
	if err := t.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, day).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}
	totals := make(map[UsageType]int64, len(rows))
	for _, row := range rows {
		totals[row.Type] = row.Total
	}
	return totals, nil
}

// AllowAgent checks whether the user may create another agent.
func (t *Tracker) AllowAgent(ctx context.Context, userID uint) error {
	s, err := t.Summary(ctx, userID)
	if err != nil {
		return err
	}
	if s.MaxAgents >= 0 && s.Agents >= s.MaxAgents {
		metrics.RecordQuotaDenial(s.Plan, "agents")
		return &QuotaError{Plan: s.Plan, Limit: "agents", Used: s.Agents, Max: s.MaxAgents}
	}
	return nil
}

// AllowInvocation checks the daily module invocation budget.
func (t *Tracker) AllowInvocation(ctx context.Context, userID uint) error {
	s, err := t.Summary(ctx, userID)
	if err != nil {
		return err
	}
	if s.MaxInvocationsDay >= 0 && s.InvocationsToday >= s.MaxInvocationsDay {
		metrics.RecordQuotaDenial(s.Plan, "invocations_per_day")
		return &QuotaError{Plan: s.Plan, Limit: "invocations_per_day", Used: s.InvocationsToday, Max: s.MaxInvocationsDay}
	}
	return nil
}

// AllowConnectorCall checks the daily connector call budget.
func (t *Tracker) AllowConnectorCall(ctx context.Context, userID uint) error {
	s, err := t.Summary(ctx, userID)
	if err != nil {
		return err
	}
	if s.MaxConnectorCallsDay >= 0 && s.ConnectorCallsToday >= s.MaxConnectorCallsDay {
		metrics.RecordQuotaDenial(s.Plan, "connector_calls_per_day")
		return &QuotaError{Plan: s.Plan, Limit: "connector_calls_per_day", Used: s.ConnectorCallsToday, Max: s.MaxConnectorCallsDay}
	}
	return nil
}

// CheckRows validates a pipeline row count against the plan's
// per-call cap.
func (t *Tracker) CheckRows(ctx context.Context, userID uint, rows int64) error {
	s, err := t.Summary(ctx, userID)
	if err != nil {
		return err
	}
	if s.RowsPerCall >= 0 && rows > s.RowsPerCall {
		metrics.RecordQuotaDenial(s.Plan, "rows_per_call")
		return &QuotaError{Plan: s.Plan, Limit: "rows_per_call", Used: rows, Max: s.RowsPerCall}
	}
	return nil
}

// History returns per-day rollups for the trailing window, oldest
// first. Days without usage are omitted.
func (t *Tracker) History(ctx context.Context, userID uint, days int) ([]DayUsage, error) {
	if days < 1 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	var rows []DailyUsageSummary
	if err := t.db.WithContext(ctx).
		Where("user_id = ? AND day >= ?", userID, since).
		Order("day ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load usage history: %w", err)
	}

	byDay := make(map[string]*DayUsage)
	order := make([]string, 0)
	for _, row := range rows {
		point, ok := byDay[row.Day]
		if !ok {
			point = &DayUsage{Day: row.Day}
			byDay[row.Day] = point
			order = append(order, row.Day)
		}
		switch row.Type {
		case UsageInvocations:
			point.Invocations = row.Total
		case UsageConnectorCalls:
			point.ConnectorCalls = row.Total
		case UsagePipelineRows:
			point.PipelineRows = row.Total
		case UsageAIRequests:
			point.AIRequests = row.Total
		}
	}

	out := make([]DayUsage, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, nil
}

func (t *Tracker) remember(userID uint, s *Summary) {
	t.mu.Lock()
	t.local[userID] = &cachedSummary{summary: s, expiresAt: time.Now().Add(t.localTTL)}
	t.mu.Unlock()
}

func (t *Tracker) invalidate(ctx context.Context, userID uint) {
	t.mu.Lock()
	delete(t.local, userID)
	t.mu.Unlock()

	if t.cache != nil {
		if err := t.cache.Delete(ctx, cache.UsageSummaryKey(userID)); err != nil {
			logging.S().Warnw("Failed to invalidate usage summary", "user_id", userID, "error", err)
		}
	}
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for userID, cached := range t.local {
				if now.After(cached.expiresAt) {
					delete(t.local, userID)
				}
			}
			t.mu.Unlock()
		}
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}
