package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// MockClient is a deterministic in-process provider. It backs development
// environments without API keys and gives tests a provider whose output is
// a pure function of the request.
type MockClient struct {
	mu      sync.Mutex
	healthy bool
	err     error
	fixed   string
	delay   time.Duration
	calls   int
	stats   usageStats
}

// NewMockClient creates a healthy mock provider.
func NewMockClient() *MockClient {
	return &MockClient{
		healthy: true,
		stats:   newUsageStats(ProviderMock),
	}
}

// SetHealthy toggles the health probe result.
func (m *MockClient) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetError makes every Generate call fail with err until cleared with nil.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetResponse pins the generated content instead of deriving it from the prompt.
func (m *MockClient) SetResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed = content
}

// SetDelay adds artificial latency to Generate.
func (m *MockClient) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many Generate calls were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements the Client interface with deterministic output.
func (m *MockClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	m.mu.Lock()
	m.calls++
	injectedErr := m.err
	fixed := m.fixed
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.stats.fail()
			return nil, ctx.Err()
		}
	}

	if injectedErr != nil {
		m.stats.fail()
		return nil, injectedErr
	}

	content := fixed
	if content == "" {
		content = mockContent(req)
	}

	promptTokens := estimateTokens(req.System + req.Prompt)
	completionTokens := estimateTokens(content)
	m.stats.record(promptTokens+completionTokens, 0, time.Since(start))

	return &Response{
		ID:       req.ID,
		Provider: ProviderMock,
		Model:    "mock-v1",
		Content:  content,
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			Cost:             0,
		},
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

// Provider returns the provider identifier
func (m *MockClient) Provider() Provider {
	return ProviderMock
}

// Health reports the configured health state.
func (m *MockClient) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return fmt.Errorf("mock provider marked unhealthy")
	}
	return nil
}

// Usage returns current usage statistics.
func (m *MockClient) Usage() *ProviderUsage {
	return m.stats.snapshot()
}

// mockContent derives stable output from the request so the same prompt
// always yields the same bytes.
func mockContent(req *Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Language))
	seed := h.Sum64()

	if req.Language != "" {
		return fmt.Sprintf("// generated for request %016x\nfunc Generated%04X() string {\n\treturn %q\n}\n",
			seed, seed&0xffff, summarize(req.Prompt))
	}
	return fmt.Sprintf("mock response %016x: %s", seed, summarize(req.Prompt))
}

func summarize(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > 48 {
		return prompt[:48] + "..."
	}
	return prompt
}

func estimateTokens(s string) int {
	// rough 4 chars per token heuristic
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
