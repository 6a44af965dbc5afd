package modules

import (
	"context"
	"fmt"
	"strings"

	"agentry/internal/connectors"
	"agentry/pkg/models"
)

// GoogleTrendsModule reports search interest for a set of keywords via
// the google-trends connector.
type GoogleTrendsModule struct {
	connectors *connectors.Service
}

func NewGoogleTrendsModule(svc *connectors.Service) *GoogleTrendsModule {
	return &GoogleTrendsModule{connectors: svc}
}

func (m *GoogleTrendsModule) Descriptor() Descriptor {
	return Descriptor{
		Key:         "google-trends",
		Name:        "Google Trends",
		Version:     "1.0.0",
		Category:    "marketing",
		CreditCost:  3,
		Description: "Fetches search interest over time for one or more keywords.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"keywords":  map[string]interface{}{"type": "array"},
				"timeframe": map[string]interface{}{"type": "string"},
				"region":    map[string]interface{}{"type": "string"},
			},
			"required": []string{"keywords"},
		},
	}
}

func (m *GoogleTrendsModule) Invoke(ctx context.Context, agent *models.Agent, input map[string]interface{}) (map[string]interface{}, error) {
	if m.connectors == nil {
		return nil, fmt.Errorf("google-trends module requires the connector service")
	}
	keywords, err := keywordList(input["keywords"])
	if err != nil {
		return nil, err
	}
	region, _ := input["region"].(string)
	timeframe, _ := input["timeframe"].(string)
	if timeframe == "" {
		timeframe = "today 3-m"
	}

	results := make([]map[string]interface{}, 0, len(keywords))
	for _, keyword := range keywords {
		res, err := m.connectors.Trends(ctx, agent.OwnerID, keyword, region)
		if err != nil {
			return nil, fmt.Errorf("trends lookup for %q: %w", keyword, err)
		}
		points := make([]map[string]interface{}, 0, len(res.Interest))
		for _, p := range res.Interest {
			points = append(points, map[string]interface{}{
				"date":  p.Date,
				"value": p.Value,
			})
		}
		results = append(results, map[string]interface{}{
			"keyword":            res.Keyword,
			"interest_over_time": points,
			"related_queries":    res.RelatedQueries,
			"average_interest":   res.AverageInterest(),
			"source":             res.Source,
		})
	}

	return map[string]interface{}{
		"keywords":  results,
		"region":    region,
		"timeframe": timeframe,
	}, nil
}

func keywordList(v interface{}) ([]string, error) {
	var raw []interface{}
	switch t := v.(type) {
	case []string:
		out := make([]string, 0, len(t))
		for _, k := range t {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("keywords must contain at least one non-empty entry")
		}
		return out, nil
	case []interface{}:
		raw = t
	default:
		return nil, fmt.Errorf("keywords must be an array of strings")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("keywords must be an array of strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("keywords must contain at least one non-empty entry")
	}
	return out, nil
}
