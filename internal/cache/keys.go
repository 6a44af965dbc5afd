package cache

import (
	"fmt"
	"time"
)

// TTLs for the cached surfaces. Listings stay short so edits show up
// quickly; external connector responses are allowed to age longer.
const (
	AgentListTTL        = 30 * time.Second
	ConnectorCatalogTTL = 5 * time.Minute
	WeatherTTL          = 5 * time.Minute
	TrendsTTL           = 15 * time.Minute
	SearchTTL           = 5 * time.Minute
	UsageSummaryTTL     = 60 * time.Second
)

// AgentListKey returns the cache key for a user's paginated agent list.
func AgentListKey(userID uint, page, limit int) string {
	return fmt.Sprintf("agents:user:%d:page:%d:limit:%d", userID, page, limit)
}

// AgentKey returns the cache key for a single agent.
func AgentKey(agentID uint) string {
	return fmt.Sprintf("agent:%d", agentID)
}

// UserAgentsPattern matches every cached agent listing for a user.
func UserAgentsPattern(userID uint) string {
	return fmt.Sprintf("agents:user:%d:*", userID)
}

// ConnectorCatalogKey returns the cache key for the connector catalog.
func ConnectorCatalogKey() string {
	return "connectors:catalog"
}

// WeatherKey returns the cache key for a weather connector response.
func WeatherKey(city, units string) string {
	return fmt.Sprintf("connector:weather:%s:%s", city, units)
}

// TrendsKey returns the cache key for a trends connector response.
func TrendsKey(keyword, region string) string {
	return fmt.Sprintf("connector:trends:%s:%s", keyword, region)
}

// SearchKey returns the cache key for a search connector response.
func SearchKey(query string) string {
	return fmt.Sprintf("connector:search:%s", query)
}

// DailyUsageKey returns the cache key for a user's usage counters on a
// given day (day formatted 2006-01-02).
func DailyUsageKey(userID uint, day string) string {
	return fmt.Sprintf("usage:user:%d:day:%s", userID, day)
}

// UsageSummaryKey returns the cache key for a user's quota summary.
func UsageSummaryKey(userID uint) string {
	return fmt.Sprintf("usage:summary:%d", userID)
}
