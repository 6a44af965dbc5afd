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

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	stats      usageStats
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates a new OpenAI API client
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1/chat/completions",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		stats:      newUsageStats(ProviderOpenAI),
	}
}

// Generate implements the Client interface for OpenAI.
func (o *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body := &openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokensOrDefault(req),
		Temperature: req.Temperature,
	}

	resp, err := o.makeRequest(ctx, body)
	if err != nil {
		o.stats.fail()
		return nil, err
	}

	cost := o.calculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model)
	o.stats.record(resp.Usage.TotalTokens, cost, time.Since(start))

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderOpenAI,
		Model:    resp.Model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             cost,
		},
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

func (o *OpenAIClient) makeRequest(ctx context.Context, body *openAIRequest) (*openAIResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("openai rate limit exceeded")
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("invalid openai API key")
		case 500, 502, 503, 504:
			return nil, fmt.Errorf("openai service unavailable (status %d)", resp.StatusCode)
		default:
			return nil, fmt.Errorf("openai request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai API error: %s", parsed.Error.Message)
	}
	return &parsed, nil
}

// Provider returns the provider identifier
func (o *OpenAIClient) Provider() Provider {
	return ProviderOpenAI
}

// Health issues a minimal completion to verify the API is reachable.
func (o *OpenAIClient) Health(ctx context.Context) error {
	probe := &openAIRequest{
		Model:     defaultOpenAIModel,
		Messages:  []openAIMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 5,
	}
	_, err := o.makeRequest(ctx, probe)
	return err
}

// Usage returns current usage statistics.
func (o *OpenAIClient) Usage() *ProviderUsage {
	return o.stats.snapshot()
}

func (o *OpenAIClient) calculateCost(inputTokens, outputTokens int, model string) float64 {
	var inPer1K, outPer1K float64
	switch {
	case strings.HasPrefix(model, "gpt-4o-mini"):
		inPer1K, outPer1K = 0.00015, 0.0006
	case strings.HasPrefix(model, "gpt-4o"):
		inPer1K, outPer1K = 0.0025, 0.01
	default:
		inPer1K, outPer1K = 0.00015, 0.0006
	}
	return float64(inputTokens)/1000.0*inPer1K + float64(outputTokens)/1000.0*outPer1K
}
