// Package connectors implements the built-in MCP connector catalog and
// the HTTP clients behind it. Every connector resolves through the same
// path: check cache, call the upstream API when a credential (or a
// keyless endpoint) is available, otherwise fall back to a deterministic
// synthetic response so agent runs stay reproducible offline.
package connectors

import (
	"errors"

	"agentry/pkg/models"
)

// Built-in connector keys. These are the only keys agents may attach.
const (
	KeyWeather      = "weather"
	KeyGoogleTrends = "google-trends"
	KeyWebSearch    = "web-search"
)

var (
	// ErrUnknownConnector is returned when a key is not in the catalog.
	ErrUnknownConnector = errors.New("unknown connector")
	// ErrCredentialRequired is returned when a connector needs an API key
	// and the user has not stored one.
	ErrCredentialRequired = errors.New("connector credential required")
)

// Defaults returns the built-in connector catalog. Seeding upserts these
// rows so the catalog survives restarts and can be extended from the DB.
func Defaults() []models.MCPConnector {
	return []models.MCPConnector{
		{
			Key:         KeyWeather,
			Name:        "Weather",
			Description: "Current weather conditions by city, backed by Open-Meteo.",
			Category:    "data",
			AuthKind:    "none",
			BaseURL:     "https://api.open-meteo.com/v1",
			ConfigSchema: map[string]interface{}{
				"city":  map[string]interface{}{"type": "string", "required": true},
				"units": map[string]interface{}{"type": "string", "enum": []string{"metric", "imperial"}},
			},
			Status: models.ConnectorStatusAvailable,
		},
		{
			Key:         KeyGoogleTrends,
			Name:        "Google Trends",
			Description: "Interest-over-time and related queries for a keyword, via SerpAPI.",
			Category:    "marketing",
			AuthKind:    "api_key",
			BaseURL:     "https://serpapi.com/search",
			ConfigSchema: map[string]interface{}{
				"keyword": map[string]interface{}{"type": "string", "required": true},
				"region":  map[string]interface{}{"type": "string"},
			},
			Status: models.ConnectorStatusAvailable,
		},
		{
			Key:         KeyWebSearch,
			Name:        "Web Search",
			Description: "Organic web search results, backed by SerpAPI.",
			Category:    "research",
			AuthKind:    "api_key",
			BaseURL:     "https://serpapi.com/search",
			ConfigSchema: map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "required": true},
				"limit": map[string]interface{}{"type": "number"},
			},
			Status: models.ConnectorStatusAvailable,
		},
	}
}

// IsBuiltin reports whether key names a built-in connector.
func IsBuiltin(key string) bool {
	switch key {
	case KeyWeather, KeyGoogleTrends, KeyWebSearch:
		return true
	}
	return false
}
