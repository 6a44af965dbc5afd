package connectors

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const defaultSerpAPIBaseURL = "https://serpapi.com/search"

// TrendPoint is one sample of search interest, 0-100.
type TrendPoint struct {
	Date  string `json:"date"`
	Value int    `json:"value"`
}

// TrendsResult is the normalized answer for the google-trends connector.
type TrendsResult struct {
	Keyword        string       `json:"keyword"`
	Region         string       `json:"region"`
	Interest       []TrendPoint `json:"interest_over_time"`
	RelatedQueries []string     `json:"related_queries"`
	Source         string       `json:"source"` // live or fallback
	FetchedAt      time.Time    `json:"fetched_at"`
}

// AverageInterest returns the mean interest value across the series.
func (r *TrendsResult) AverageInterest() float64 {
	if len(r.Interest) == 0 {
		return 0
	}
	sum := 0
	for _, p := range r.Interest {
		sum += p.Value
	}
	return float64(sum) / float64(len(r.Interest))
}

// TrendsClient reads interest-over-time series from the SerpAPI
// google_trends engine.
type TrendsClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewTrendsClient() *TrendsClient {
	return &TrendsClient{
		baseURL:    defaultSerpAPIBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Fetch queries the live API. The caller supplies the tenant's API key.
func (t *TrendsClient) Fetch(ctx context.Context, keyword, region, apiKey string) (*TrendsResult, error) {
	params := url.Values{}
	params.Set("engine", "google_trends")
	params.Set("q", keyword)
	params.Set("data_type", "TIMESERIES")
	if region != "" {
		params.Set("geo", region)
	}
	params.Set("api_key", apiKey)

	body, err := serpGet(ctx, t.httpClient, t.baseURL+"?"+params.Encode(), "trends")
	if err != nil {
		return nil, err
	}

	result := &TrendsResult{
		Keyword:   keyword,
		Region:    region,
		Source:    "live",
		FetchedAt: time.Now().UTC(),
	}

	timeline := gjson.GetBytes(body, "interest_over_time.timeline_data")
	timeline.ForEach(func(_, point gjson.Result) bool {
		result.Interest = append(result.Interest, TrendPoint{
			Date:  point.Get("date").String(),
			Value: int(point.Get("values.0.extracted_value").Int()),
		})
		return true
	})
	if len(result.Interest) == 0 {
		return nil, fmt.Errorf("trends response missing timeline data")
	}

	gjson.GetBytes(body, "related_queries.top").ForEach(func(_, q gjson.Result) bool {
		if query := q.Get("query").String(); query != "" {
			result.RelatedQueries = append(result.RelatedQueries, query)
		}
		return true
	})
	return result, nil
}

// Fallback builds a synthetic 12-week series seeded by the keyword so
// repeated calls with the same inputs return identical data.
func (t *TrendsClient) Fallback(keyword, region string) *TrendsResult {
	h := fnv.New64a()
	h.Write([]byte(keyword))
	h.Write([]byte{0})
	h.Write([]byte(region))
	seed := h.Sum64()

	result := &TrendsResult{
		Keyword:   keyword,
		Region:    region,
		Source:    "fallback",
		FetchedAt: time.Now().UTC(),
	}

	// Simple LCG walk over the seed keeps the series stable per input.
	state := seed
	next := func(mod int) int {
		state = state*6364136223846793005 + 1442695040888963407
		return int((state >> 33) % uint64(mod))
	}

	base := 20 + next(50)
	week := time.Now().UTC().AddDate(0, 0, -7*11)
	for i := 0; i < 12; i++ {
		value := base + next(31) - 15
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		result.Interest = append(result.Interest, TrendPoint{
			Date:  week.AddDate(0, 0, 7*i).Format("Jan 2, 2006"),
			Value: value,
		})
	}

	suffixes := []string{"meaning", "near me", "reviews", "alternatives", "pricing", "tutorial", "vs", "examples"}
	count := 3 + next(3)
	for i := 0; i < count; i++ {
		result.RelatedQueries = append(result.RelatedQueries, keyword+" "+suffixes[next(len(suffixes))])
	}
	return result
}

// serpGet issues a SerpAPI request and surfaces the engine's own error
// field when present.
func serpGet(ctx context.Context, client *http.Client, rawURL, label string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", label, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%s API key rejected", label)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s rate limit exceeded", label)
	default:
		return nil, fmt.Errorf("%s request failed with status %d", label, resp.StatusCode)
	}

	if apiErr := gjson.GetBytes(body, "error"); apiErr.Exists() && apiErr.String() != "" {
		return nil, fmt.Errorf("%s API error: %s", label, apiErr.String())
	}
	return body, nil
}
