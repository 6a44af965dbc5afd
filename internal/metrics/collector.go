// Package metrics provides business metrics collection for Agentry
package metrics

import (
	"context"
	"runtime"
	"time"

	"gorm.io/gorm"

	"agentry/internal/logging"
)

// BusinessMetricsCollector collects business metrics from the database
type BusinessMetricsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewBusinessMetricsCollector creates a new business metrics collector
func NewBusinessMetricsCollector(db *gorm.DB, interval time.Duration) *BusinessMetricsCollector {
	return &BusinessMetricsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic business metric collection
func (bmc *BusinessMetricsCollector) Start(ctx context.Context) {
	go func() {
		bmc.collectAll()

		ticker := time.NewTicker(bmc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bmc.collectAll()
			case <-bmc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the business metrics collector
func (bmc *BusinessMetricsCollector) Stop() {
	close(bmc.stopCh)
}

func (bmc *BusinessMetricsCollector) collectAll() {
	bmc.collectUserMetrics()
	bmc.collectAgentMetrics()
	bmc.collectDatasetMetrics()
	bmc.collectSystemMetrics()
	bmc.collectDatabaseMetrics()
}

func (bmc *BusinessMetricsCollector) collectUserMetrics() {
	if bmc.db == nil {
		return
	}

	var totalUsers int64
	if err := bmc.db.Table("users").Count(&totalUsers).Error; err != nil {
		logging.S().Warnw("failed to count users", "error", err)
	} else {
		bmc.metrics.UpdateTotalUsers(totalUsers)
	}
}

func (bmc *BusinessMetricsCollector) collectAgentMetrics() {
	if bmc.db == nil {
		return
	}

	var totalAgents int64
	if err := bmc.db.Table("agents").Count(&totalAgents).Error; err != nil {
		logging.S().Warnw("failed to count agents", "error", err)
	} else {
		bmc.metrics.UpdateTotalAgents(totalAgents)
	}

	var activeAgents int64
	if err := bmc.db.Table("agents").Where("status = ?", "active").Count(&activeAgents).Error; err != nil {
		logging.S().Warnw("failed to count active agents", "error", err)
	} else {
		bmc.metrics.UpdateActiveAgents(activeAgents)
	}
}

func (bmc *BusinessMetricsCollector) collectDatasetMetrics() {
	if bmc.db == nil {
		return
	}

	var totalDatasets int64
	if err := bmc.db.Table("datasets").Count(&totalDatasets).Error; err != nil {
		logging.S().Warnw("failed to count datasets", "error", err)
	} else {
		bmc.metrics.UpdateTotalDatasets(totalDatasets)
	}
}

func (bmc *BusinessMetricsCollector) collectSystemMetrics() {
	bmc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

func (bmc *BusinessMetricsCollector) collectDatabaseMetrics() {
	if bmc.db == nil {
		return
	}

	sqlDB, err := bmc.db.DB()
	if err != nil {
		logging.S().Warnw("failed to get database stats", "error", err)
		return
	}

	stats := sqlDB.Stats()
	bmc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	bmc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
