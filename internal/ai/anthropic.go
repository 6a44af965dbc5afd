package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	anthropicVersion      = "2023-06-01"
)

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	stats      usageStats
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicClient creates a new Anthropic API client
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1/messages",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		stats:      newUsageStats(ProviderAnthropic),
	}
}

// Generate implements the Client interface for Anthropic.
func (a *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	body := &anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokensOrDefault(req),
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}

	resp, err := a.makeRequest(ctx, body)
	if err != nil {
		a.stats.fail()
		return nil, err
	}

	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	cost := a.calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Model)
	a.stats.record(totalTokens, cost, time.Since(start))

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderAnthropic,
		Model:    resp.Model,
		Content:  content.String(),
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      totalTokens,
			Cost:             cost,
		},
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

func (a *AnthropicClient) makeRequest(ctx context.Context, body *anthropicRequest) (*anthropicResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("anthropic rate limit exceeded")
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("invalid anthropic API key")
		case 500, 502, 503, 529:
			return nil, fmt.Errorf("anthropic service unavailable (status %d)", resp.StatusCode)
		default:
			return nil, fmt.Errorf("anthropic request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", parsed.Error.Message)
	}
	return &parsed, nil
}

// Provider returns the provider identifier
func (a *AnthropicClient) Provider() Provider {
	return ProviderAnthropic
}

// Health issues a minimal completion to verify the API is reachable.
func (a *AnthropicClient) Health(ctx context.Context) error {
	probe := &anthropicRequest{
		Model:     "claude-haiku-3-5-20241022",
		MaxTokens: 5,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	}
	_, err := a.makeRequest(ctx, probe)
	return err
}

// Usage returns current usage statistics.
func (a *AnthropicClient) Usage() *ProviderUsage {
	return a.stats.snapshot()
}

func (a *AnthropicClient) calculateCost(inputTokens, outputTokens int, model string) float64 {
	var inPer1K, outPer1K float64
	switch {
	case strings.Contains(model, "opus"):
		inPer1K, outPer1K = 0.015, 0.075
	case strings.Contains(model, "haiku"):
		inPer1K, outPer1K = 0.0008, 0.004
	default:
		inPer1K, outPer1K = 0.003, 0.015
	}
	return float64(inputTokens)/1000.0*inPer1K + float64(outputTokens)/1000.0*outPer1K
}
