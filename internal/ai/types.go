// Package ai routes text-generation requests across LLM providers with
// per-provider rate limits, health monitoring and a fallback chain. Its
// consumers are the code-generator module and the agent persona
// preview; everything else on the platform is deterministic.
package ai

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Provider identifies an AI backend.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderMock      Provider = "mock"
)

var (
	// ErrNoProviders is returned when no provider is configured, healthy
	// and within its rate limit.
	ErrNoProviders = errors.New("no AI providers available")
	// ErrUnknownProvider is returned when a request pins a provider the
	// router has no client for.
	ErrUnknownProvider = errors.New("unknown AI provider")
)

// Request is a single text-generation request.
type Request struct {
	ID          string   `json:"id"`
	Provider    Provider `json:"provider,omitempty"` // pin to one provider; empty lets the router pick
	Model       string   `json:"model,omitempty"`    // explicit model override
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Language    string   `json:"language,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	UserID      uint     `json:"user_id,omitempty"`
}

// Response is a provider's answer to a Request.
type Response struct {
	ID        string        `json:"id"`
	Provider  Provider      `json:"provider"`
	Model     string        `json:"model"`
	Content   string        `json:"content"`
	Usage     *Usage        `json:"usage,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Usage represents token and cost accounting for one request.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Client is implemented by every provider backend.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Provider() Provider
	Health(ctx context.Context) error
	Usage() *ProviderUsage
}

// ProviderUsage tracks cumulative usage statistics for one provider.
type ProviderUsage struct {
	Provider     Provider  `json:"provider"`
	RequestCount int64     `json:"request_count"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	AvgLatency   float64   `json:"avg_latency"` // seconds
	ErrorCount   int64     `json:"error_count"`
	LastUsed     time.Time `json:"last_used"`
}

// usageStats is the thread-safe accounting shared by all clients.
type usageStats struct {
	mu    sync.RWMutex
	usage ProviderUsage
}

func newUsageStats(p Provider) usageStats {
	return usageStats{usage: ProviderUsage{Provider: p, LastUsed: time.Now()}}
}

func (s *usageStats) record(totalTokens int, cost float64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.RequestCount++
	s.usage.TotalTokens += int64(totalTokens)
	s.usage.TotalCost += cost
	s.usage.AvgLatency = (s.usage.AvgLatency*float64(s.usage.RequestCount-1) + duration.Seconds()) / float64(s.usage.RequestCount)
	s.usage.LastUsed = time.Now()
}

func (s *usageStats) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.ErrorCount++
}

// snapshot returns a copy so callers never race with recording.
func (s *usageStats) snapshot() *ProviderUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.usage
	return &u
}

// RouterConfig configures provider priority and rate limits.
type RouterConfig struct {
	// Priority is the order providers are tried when a request does not
	// pin one. Providers without a configured client are skipped.
	Priority []Provider `json:"priority"`

	// RateLimits holds requests-per-minute budgets per provider.
	RateLimits map[Provider]int `json:"rate_limits"`

	// HealthInterval is how often providers are probed.
	HealthInterval time.Duration `json:"health_interval"`
}

// DefaultRouterConfig returns the standard routing configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Priority: []Provider{ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderMock},
		RateLimits: map[Provider]int{
			ProviderGemini:    120,
			ProviderOpenAI:    80,
			ProviderAnthropic: 100,
			ProviderMock:      1000,
		},
		HealthInterval: 30 * time.Second,
	}
}
