package connectors

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 10
)

// SearchItem is one organic result.
type SearchItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResult is the normalized answer for the web-search connector.
type SearchResult struct {
	Query     string       `json:"query"`
	Results   []SearchItem `json:"results"`
	Source    string       `json:"source"` // live or fallback
	FetchedAt time.Time    `json:"fetched_at"`
}

// SearchClient reads organic results from the SerpAPI google engine.
type SearchClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSearchClient() *SearchClient {
	return &SearchClient{
		baseURL:    defaultSerpAPIBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

func clampSearchLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// Fetch queries the live API. The caller supplies the tenant's API key.
func (s *SearchClient) Fetch(ctx context.Context, query string, limit int, apiKey string) (*SearchResult, error) {
	limit = clampSearchLimit(limit)

	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", limit))
	params.Set("api_key", apiKey)

	body, err := serpGet(ctx, s.httpClient, s.baseURL+"?"+params.Encode(), "search")
	if err != nil {
		return nil, err
	}

	result := &SearchResult{
		Query:     query,
		Source:    "live",
		FetchedAt: time.Now().UTC(),
	}
	gjson.GetBytes(body, "organic_results").ForEach(func(_, item gjson.Result) bool {
		if len(result.Results) >= limit {
			return false
		}
		result.Results = append(result.Results, SearchItem{
			Title:   item.Get("title").String(),
			URL:     item.Get("link").String(),
			Snippet: item.Get("snippet").String(),
		})
		return true
	})
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("search response missing organic results")
	}
	return result, nil
}

// Fallback builds synthetic results seeded by the query.
func (s *SearchClient) Fallback(query string, limit int) *SearchResult {
	limit = clampSearchLimit(limit)

	h := fnv.New64a()
	h.Write([]byte(query))
	seed := h.Sum64()

	slug := strings.ToLower(strings.Join(strings.Fields(query), "-"))
	if slug == "" {
		slug = "result"
	}

	domains := []string{"example.com", "docs.example.org", "blog.example.net", "wiki.example.io"}
	kinds := []string{"Guide", "Overview", "Reference", "Deep dive", "FAQ", "Comparison"}

	result := &SearchResult{
		Query:     query,
		Source:    "fallback",
		FetchedAt: time.Now().UTC(),
	}
	for i := 0; i < limit; i++ {
		n := seed + uint64(i)*0x9e3779b97f4a7c15
		kind := kinds[int(n>>8)%len(kinds)]
		domain := domains[int(n>>16)%len(domains)]
		result.Results = append(result.Results, SearchItem{
			Title:   fmt.Sprintf("%s: %s", kind, query),
			URL:     fmt.Sprintf("https://%s/%s-%d", domain, slug, i+1),
			Snippet: fmt.Sprintf("Reference material covering %s (entry %d of %d).", query, i+1, limit),
		})
	}
	return result
}
