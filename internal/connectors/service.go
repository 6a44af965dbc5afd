package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agentry/internal/cache"
	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/internal/secrets"
	"agentry/pkg/models"
)

// Service is the connector orchestration layer. It owns catalog reads,
// per-tenant credentials and the cache -> upstream -> fallback call path.
type Service struct {
	db      *gorm.DB
	cache   *cache.Cache
	secrets *secrets.Manager
	weather *WeatherClient
	trends  *TrendsClient
	search  *SearchClient
}

func NewService(db *gorm.DB, c *cache.Cache, sm *secrets.Manager) *Service {
	return &Service{
		db:      db,
		cache:   c,
		secrets: sm,
		weather: NewWeatherClient(),
		trends:  NewTrendsClient(),
		search:  NewSearchClient(),
	}
}

// List returns the catalog, cached for a few minutes.
func (s *Service) List(ctx context.Context) ([]models.MCPConnector, error) {
	var catalog []models.MCPConnector
	err := s.cache.GetOrSetJSON(ctx, cache.ConnectorCatalogKey(), cache.ConnectorCatalogTTL, &catalog, func() (interface{}, error) {
		var rows []models.MCPConnector
		if err := s.db.WithContext(ctx).Order("key").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load connector catalog: %w", err)
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// Get returns one catalog entry by key.
func (s *Service) Get(ctx context.Context, key string) (*models.MCPConnector, error) {
	var conn models.MCPConnector
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connector: %w", err)
	}
	return &conn, nil
}

// SaveCredential encrypts and stores an API key for one user and
// connector, replacing any previous credential.
func (s *Service) SaveCredential(ctx context.Context, userID uint, key, apiKey, label string) (*models.ConnectorCredential, error) {
	conn, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !conn.RequiresCredential() {
		return nil, fmt.Errorf("connector %s does not take a credential", key)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}

	ciphertext, err := s.secrets.Seal(userID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	var cred models.ConnectorCredential
	err = s.db.WithContext(ctx).Where("user_id = ? AND connector_key = ?", userID, key).First(&cred).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cred = models.ConnectorCredential{
			UserID:       userID,
			ConnectorKey: key,
			Ciphertext:   ciphertext,
			Label:        label,
		}
		if err := s.db.WithContext(ctx).Create(&cred).Error; err != nil {
			return nil, fmt.Errorf("failed to store credential: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	default:
		cred.Ciphertext = ciphertext
		cred.Label = label
		if err := s.db.WithContext(ctx).Save(&cred).Error; err != nil {
			return nil, fmt.Errorf("failed to update credential: %w", err)
		}
	}

	logging.S().Infow("Connector credential stored", "user_id", userID, "connector", key)
	return &cred, nil
}

// DeleteCredential removes a stored credential.
func (s *Service) DeleteCredential(ctx context.Context, userID uint, key string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND connector_key = ?", userID, key).
		Delete(&models.ConnectorCredential{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListCredentials returns the user's stored credentials. Ciphertext is
// never serialized.
func (s *Service) ListCredentials(ctx context.Context, userID uint) ([]models.ConnectorCredential, error) {
	var creds []models.ConnectorCredential
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("connector_key").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// credentialFor decrypts the user's API key for a connector. Returns ""
// when no credential is stored.
func (s *Service) credentialFor(ctx context.Context, userID uint, key string) (string, error) {
	var cred models.ConnectorCredential
	err := s.db.WithContext(ctx).Where("user_id = ? AND connector_key = ?", userID, key).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up credential: %w", err)
	}

	plaintext, err := s.secrets.Open(userID, cred.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	now := time.Now().UTC()
	s.db.WithContext(ctx).Model(&cred).Update("last_used_at", &now)
	return plaintext, nil
}

// Weather fetches current conditions. The upstream is keyless, so the
// fallback only covers upstream failures.
func (s *Service) Weather(ctx context.Context, city, units string) (*WeatherResult, error) {
	start := time.Now()
	if units != "imperial" {
		units = "metric"
	}
	cacheKey := cache.WeatherKey(city, units)

	var cached WeatherResult
	if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
		metrics.Get().RecordCacheOperation("connector", true)
		metrics.Get().RecordConnectorRequest(KeyWeather, "cache", time.Since(start))
		return &cached, nil
	}
	metrics.Get().RecordCacheOperation("connector", false)

	result, err := s.weather.Current(ctx, city, units)
	if err != nil {
		logging.S().Warnw("Weather upstream failed, serving fallback", "city", city, "error", err)
		s.setStatus(ctx, KeyWeather, models.ConnectorStatusDegraded)
		metrics.Get().RecordConnectorFallback(KeyWeather, "upstream_error")
		metrics.Get().RecordConnectorRequest(KeyWeather, "fallback", time.Since(start))
		return s.weather.Fallback(city, units), nil
	}

	s.setStatus(ctx, KeyWeather, models.ConnectorStatusAvailable)
	if err := s.cache.SetJSON(ctx, cacheKey, result, cache.WeatherTTL); err != nil {
		logging.S().Warnw("Failed to cache weather result", "error", err)
	}
	metrics.Get().RecordConnectorRequest(KeyWeather, "live", time.Since(start))
	return result, nil
}

// Trends fetches interest-over-time for a keyword. Without a stored
// credential the deterministic fallback is served.
func (s *Service) Trends(ctx context.Context, userID uint, keyword, region string) (*TrendsResult, error) {
	start := time.Now()
	cacheKey := cache.TrendsKey(keyword, region)

	var cached TrendsResult
	if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
		metrics.Get().RecordCacheOperation("connector", true)
		metrics.Get().RecordConnectorRequest(KeyGoogleTrends, "cache", time.Since(start))
		return &cached, nil
	}
	metrics.Get().RecordCacheOperation("connector", false)

	apiKey, err := s.credentialFor(ctx, userID, KeyGoogleTrends)
	if err != nil {
		logging.S().Warnw("Trends credential unusable, serving fallback", "user_id", userID, "error", err)
		metrics.Get().RecordConnectorFallback(KeyGoogleTrends, "credential_error")
		metrics.Get().RecordConnectorRequest(KeyGoogleTrends, "fallback", time.Since(start))
		return s.trends.Fallback(keyword, region), nil
	}
	if apiKey == "" {
		metrics.Get().RecordConnectorFallback(KeyGoogleTrends, "no_credential")
		metrics.Get().RecordConnectorRequest(KeyGoogleTrends, "fallback", time.Since(start))
		return s.trends.Fallback(keyword, region), nil
	}

	result, err := s.trends.Fetch(ctx, keyword, region, apiKey)
	if err != nil {
		logging.S().Warnw("Trends upstream failed, serving fallback", "keyword", keyword, "error", err)
		s.setStatus(ctx, KeyGoogleTrends, models.ConnectorStatusDegraded)
		metrics.Get().RecordConnectorFallback(KeyGoogleTrends, "upstream_error")
		metrics.Get().RecordConnectorRequest(KeyGoogleTrends, "fallback", time.Since(start))
		return s.trends.Fallback(keyword, region), nil
	}

	s.setStatus(ctx, KeyGoogleTrends, models.ConnectorStatusAvailable)
	if err := s.cache.SetJSON(ctx, cacheKey, result, cache.TrendsTTL); err != nil {
		logging.S().Warnw("Failed to cache trends result", "error", err)
	}
	metrics.Get().RecordConnectorRequest(KeyGoogleTrends, "live", time.Since(start))
	return result, nil
}

// Search fetches top web results for a query. Without a stored
// credential the deterministic fallback is served.
func (s *Service) Search(ctx context.Context, userID uint, query string, limit int) (*SearchResult, error) {
	start := time.Now()
	limit = clampSearchLimit(limit)
	cacheKey := cache.SearchKey(query)

	var cached SearchResult
	if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && len(cached.Results) >= limit {
		metrics.Get().RecordCacheOperation("connector", true)
		metrics.Get().RecordConnectorRequest(KeyWebSearch, "cache", time.Since(start))
		trimmed := cached
		trimmed.Results = cached.Results[:limit]
		return &trimmed, nil
	}
	metrics.Get().RecordCacheOperation("connector", false)

	apiKey, err := s.credentialFor(ctx, userID, KeyWebSearch)
	if err != nil {
		logging.S().Warnw("Search credential unusable, serving fallback", "user_id", userID, "error", err)
		metrics.Get().RecordConnectorFallback(KeyWebSearch, "credential_error")
		metrics.Get().RecordConnectorRequest(KeyWebSearch, "fallback", time.Since(start))
		return s.search.Fallback(query, limit), nil
	}
	if apiKey == "" {
		metrics.Get().RecordConnectorFallback(KeyWebSearch, "no_credential")
		metrics.Get().RecordConnectorRequest(KeyWebSearch, "fallback", time.Since(start))
		return s.search.Fallback(query, limit), nil
	}

	// Fetch the maximum so shorter limits can be served from cache.
	result, err := s.search.Fetch(ctx, query, maxSearchLimit, apiKey)
	if err != nil {
		logging.S().Warnw("Search upstream failed, serving fallback", "query", query, "error", err)
		s.setStatus(ctx, KeyWebSearch, models.ConnectorStatusDegraded)
		metrics.Get().RecordConnectorFallback(KeyWebSearch, "upstream_error")
		metrics.Get().RecordConnectorRequest(KeyWebSearch, "fallback", time.Since(start))
		return s.search.Fallback(query, limit), nil
	}

	s.setStatus(ctx, KeyWebSearch, models.ConnectorStatusAvailable)
	if err := s.cache.SetJSON(ctx, cacheKey, result, cache.SearchTTL); err != nil {
		logging.S().Warnw("Failed to cache search result", "error", err)
	}
	metrics.Get().RecordConnectorRequest(KeyWebSearch, "live", time.Since(start))

	if len(result.Results) > limit {
		trimmed := *result
		trimmed.Results = result.Results[:limit]
		return &trimmed, nil
	}
	return result, nil
}

// Invoke runs a connector by key with loosely typed parameters. Agent
// runs and the test endpoint both come through here.
func (s *Service) Invoke(ctx context.Context, userID uint, key string, params map[string]interface{}) (map[string]interface{}, error) {
	conn, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectorStatusDisabled {
		return nil, fmt.Errorf("connector %s is disabled", key)
	}

	switch key {
	case KeyWeather:
		city := stringParam(params, "city")
		if city == "" {
			return nil, fmt.Errorf("city parameter is required")
		}
		result, err := s.Weather(ctx, city, stringParam(params, "units"))
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case KeyGoogleTrends:
		keyword := stringParam(params, "keyword")
		if keyword == "" {
			return nil, fmt.Errorf("keyword parameter is required")
		}
		result, err := s.Trends(ctx, userID, keyword, stringParam(params, "region"))
		if err != nil {
			return nil, err
		}
		return toMap(result)
	case KeyWebSearch:
		query := stringParam(params, "query")
		if query == "" {
			return nil, fmt.Errorf("query parameter is required")
		}
		result, err := s.Search(ctx, userID, query, intParam(params, "limit"))
		if err != nil {
			return nil, err
		}
		return toMap(result)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, key)
	}
}

// TestConnector invokes a connector with canned parameters so users can
// verify a stored credential.
func (s *Service) TestConnector(ctx context.Context, userID uint, key string) (map[string]interface{}, error) {
	switch key {
	case KeyWeather:
		return s.Invoke(ctx, userID, key, map[string]interface{}{"city": "Berlin"})
	case KeyGoogleTrends:
		return s.Invoke(ctx, userID, key, map[string]interface{}{"keyword": "golang"})
	case KeyWebSearch:
		return s.Invoke(ctx, userID, key, map[string]interface{}{"query": "golang", "limit": 3})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, key)
	}
}

// setStatus persists a status transition and drops the cached catalog
// when something actually changed.
func (s *Service) setStatus(ctx context.Context, key, status string) {
	result := s.db.WithContext(ctx).
		Model(&models.MCPConnector{}).
		Where("key = ? AND status <> ?", key, status).
		Update("status", status)
	if result.Error != nil {
		logging.S().Warnw("Failed to update connector status", "connector", key, "error", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		logging.S().Infow("Connector status changed", "connector", key, "status", status)
		if err := s.cache.Delete(ctx, cache.ConnectorCatalogKey()); err != nil {
			logging.S().Warnw("Failed to invalidate catalog cache", "error", err)
		}
	}
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return out, nil
}
