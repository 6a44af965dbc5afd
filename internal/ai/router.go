package ai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentry/internal/logging"
	"agentry/internal/metrics"
)

// Router dispatches generation requests to the first healthy provider
// in priority order, falling through on errors and rate limits.
type Router struct {
	clients  map[Provider]Client
	config   *RouterConfig
	limiters map[Provider]*rateLimiter
	health   map[Provider]bool
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// rateLimiter is a requests-per-minute token bucket.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	lastRefill time.Time
}

func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(l.lastRefill).Minutes()) * l.maxTokens
	if refill > 0 {
		l.tokens += refill
		if l.tokens > l.maxTokens {
			l.tokens = l.maxTokens
		}
		l.lastRefill = now
	}

	if l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}

// NewRouter creates a router with clients for every non-empty API key
// and starts the health monitor. Callers must Close the router to stop
// the monitor.
func NewRouter(geminiKey, openaiKey, anthropicKey string) *Router {
	r := newRouter(DefaultRouterConfig())
	if geminiKey != "" {
		r.Register(NewGeminiClient(geminiKey))
	}
	if openaiKey != "" {
		r.Register(NewOpenAIClient(openaiKey))
	}
	if anthropicKey != "" {
		r.Register(NewAnthropicClient(anthropicKey))
	}

	go r.monitorHealth()
	return r
}

// NewRouterWithClients creates a router over explicit clients and does
// not start the background monitor. Intended for tests and the mock
// provider; health is probed once synchronously.
func NewRouterWithClients(config *RouterConfig, clients ...Client) *Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	r := newRouter(config)
	for _, c := range clients {
		r.Register(c)
	}
	r.probeAll(true)
	return r
}

func newRouter(config *RouterConfig) *Router {
	limiters := make(map[Provider]*rateLimiter)
	for provider, limit := range config.RateLimits {
		limiters[provider] = &rateLimiter{tokens: limit, maxTokens: limit, lastRefill: time.Now()}
	}
	return &Router{
		clients:  make(map[Provider]Client),
		config:   config,
		limiters: limiters,
		health:   make(map[Provider]bool),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a client. Unknown providers get a default rate limit.
func (r *Router) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := client.Provider()
	r.clients[p] = client
	// Until the first probe runs, a newly registered provider counts as
	// healthy so requests are not refused at startup.
	r.health[p] = true
	if _, ok := r.limiters[p]; !ok {
		r.limiters[p] = &rateLimiter{tokens: 60, maxTokens: 60, lastRefill: time.Now()}
	}
}

// Close stops the health monitor.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// HasProviders reports whether any client is registered.
func (r *Router) HasProviders() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) > 0
}

// Generate routes a request. A pinned provider is used exclusively;
// otherwise providers are tried in priority order and the last error is
// returned when every candidate fails.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}

	if req.Provider != "" {
		client, ok := r.client(req.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
		}
		if !r.allow(req.Provider) {
			return nil, fmt.Errorf("rate limit exceeded for provider %s", req.Provider)
		}
		return r.attempt(ctx, client, req)
	}

	var lastErr error
	for _, provider := range r.config.Priority {
		client, ok := r.client(provider)
		if !ok || !r.isHealthy(provider) {
			continue
		}
		if !r.allow(provider) {
			logging.S().Debugw("ai provider rate limited, trying next", "provider", provider)
			continue
		}

		resp, err := r.attempt(ctx, client, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		logging.S().Warnw("ai provider failed, trying next", "provider", provider, "error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed: %w", lastErr)
	}
	return nil, ErrNoProviders
}

func (r *Router) attempt(ctx context.Context, client Client, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := client.Generate(ctx, req)
	duration := time.Since(start)

	status := "success"
	model := req.Model
	var inTokens, outTokens int
	if err != nil {
		status = "error"
	}
	if resp != nil {
		if resp.Model != "" {
			model = resp.Model
		}
		if resp.Usage != nil {
			inTokens = resp.Usage.PromptTokens
			outTokens = resp.Usage.CompletionTokens
		}
	}
	if model == "" {
		model = string(client.Provider())
	}
	metrics.Get().RecordAIRequest(string(client.Provider()), model, status, duration, inTokens, outTokens)

	return resp, err
}

func (r *Router) client(p Provider) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[p]
	return c, ok
}

func (r *Router) allow(p Provider) bool {
	r.mu.RLock()
	limiter, ok := r.limiters[p]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.allow()
}

func (r *Router) isHealthy(p Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health[p]
}

func (r *Router) monitorHealth() {
	interval := r.config.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.probeAll(false)
	for {
		select {
		case <-ticker.C:
			r.probeAll(false)
		case <-r.stopCh:
			return
		}
	}
}

// probeAll probes all providers. When inline is true the
// probes run synchronously; otherwise each runs in its own goroutine.
func (r *Router) probeAll(inline bool) {
	r.mu.RLock()
	clients := make(map[Provider]Client, len(r.clients))
	for p, c := range r.clients {
		clients[p] = c
	}
	r.mu.RUnlock()

	probe := func(p Provider, c Client) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		healthy := true
		if err := c.Health(ctx); err != nil {
			logging.S().Warnw("ai provider health check failed", "provider", p, "error", err)
			healthy = false
		}

		r.mu.Lock()
		r.health[p] = healthy
		r.mu.Unlock()
		metrics.Get().SetAIProviderHealth(string(p), healthy)
	}

	for p, c := range clients {
		if inline {
			probe(p, c)
		} else {
			go probe(p, c)
		}
	}
}

// HealthStatus returns the last probe result per registered provider.
func (r *Router) HealthStatus() map[Provider]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[Provider]bool, len(r.clients))
	for p := range r.clients {
		status[p] = r.health[p]
	}
	return status
}

// ProviderUsages returns usage statistics for every provider.
func (r *Router) ProviderUsages() map[Provider]*ProviderUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Provider]*ProviderUsage, len(r.clients))
	for p, c := range r.clients {
		out[p] = c.Usage()
	}
	return out
}

// TotalUsage aggregates usage across all providers.
type TotalUsage struct {
	Providers     map[Provider]*ProviderUsage `json:"providers"`
	TotalRequests int64                       `json:"total_requests"`
	TotalTokens   int64                       `json:"total_tokens"`
	TotalCost     float64                     `json:"total_cost"`
	TotalErrors   int64                       `json:"total_errors"`
	AvgLatency    float64                     `json:"avg_latency"`
}

// Totals returns aggregated usage statistics.
func (r *Router) Totals() *TotalUsage {
	total := &TotalUsage{Providers: r.ProviderUsages()}
	for _, usage := range total.Providers {
		total.TotalRequests += usage.RequestCount
		total.TotalTokens += usage.TotalTokens
		total.TotalCost += usage.TotalCost
		total.TotalErrors += usage.ErrorCount
	}
	if total.TotalRequests > 0 {
		weighted := 0.0
		for _, usage := range total.Providers {
			weighted += usage.AvgLatency * float64(usage.RequestCount)
		}
		total.AvgLatency = weighted / float64(total.TotalRequests)
	}
	return total
}
