package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient calls the Google Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	stats      usageStats
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiClient creates a new Gemini API client
func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta/models",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		stats:      newUsageStats(ProviderGemini),
	}
}

// Generate implements the Client interface for Gemini.
func (g *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	model := req.Model
	if model == "" {
		model = defaultGeminiModel
	}

	body := &geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: maxTokensOrDefault(req),
			TopP:            0.8,
			TopK:            40,
		},
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	resp, err := g.makeRequest(ctx, url, body)
	if err != nil {
		g.stats.fail()
		return nil, err
	}

	cost := g.calculateCost(resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount, model)
	g.stats.record(resp.UsageMetadata.TotalTokenCount, cost, time.Since(start))

	content := ""
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		content = resp.Candidates[0].Content.Parts[0].Text
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderGemini,
		Model:    model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			Cost:             cost,
		},
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

func (g *GeminiClient) makeRequest(ctx context.Context, url string, body *geminiRequest) (*geminiResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("gemini rate limit exceeded")
		case http.StatusForbidden:
			if bytes.Contains(bytes.ToLower(respBody), []byte("quota")) {
				return nil, fmt.Errorf("gemini quota exhausted")
			}
			return nil, fmt.Errorf("gemini access denied, check API key permissions")
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("invalid gemini API key")
		case 500, 502, 503, 504:
			return nil, fmt.Errorf("gemini service unavailable (status %d)", resp.StatusCode)
		default:
			return nil, fmt.Errorf("gemini request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("gemini API error: %s", parsed.Error.Message)
	}
	return &parsed, nil
}

// Provider returns the provider identifier
func (g *GeminiClient) Provider() Provider {
	return ProviderGemini
}

// Health issues a minimal generation to verify the API is reachable.
func (g *GeminiClient) Health(ctx context.Context) error {
	probe := &geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: "ping"}}}},
		GenerationConfig: &geminiGenConfig{MaxOutputTokens: 5},
	}
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", g.baseURL, defaultGeminiModel, g.apiKey)
	_, err := g.makeRequest(ctx, url, probe)
	return err
}

// Usage returns current usage statistics.
func (g *GeminiClient) Usage() *ProviderUsage {
	return g.stats.snapshot()
}

func (g *GeminiClient) calculateCost(inputTokens, outputTokens int, model string) float64 {
	var inPer1K, outPer1K float64
	switch model {
	case "gemini-1.5-pro":
		inPer1K, outPer1K = 0.00125, 0.00375
	default: // flash family
		inPer1K, outPer1K = 0.000075, 0.0003
	}
	return float64(inputTokens)/1000.0*inPer1K + float64(outputTokens)/1000.0*outPer1K
}

func maxTokensOrDefault(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 2048
}
