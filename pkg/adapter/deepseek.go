package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/artifact"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekAdapter implements the Adapter interface for DeepSeek models.
// DeepSeek uses an OpenAI-compatible API format.
type DeepSeekAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// deepseekRequest represents the OpenAI-compatible request format.
type deepseekRequest struct {
	Model          string            `json:"model"`
	Messages       []deepseekMessage `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	ResponseFormat *deepseekFormat   `json:"response_format,omitempty"`
}

type deepseekFormat struct {
	Type string `json:"type"`
}

// deepseekMessage represents a chat message.
type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// deepseekResponse represents the OpenAI-compatible response format.
type deepseekResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// NewDeepSeekAdapter creates a new DeepSeek adapter. An empty baseURL selects
// the public endpoint.
func NewDeepSeekAdapter(apiKey, baseURL string) (*DeepSeekAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("deepseek API key is required")
	}
	if baseURL == "" {
		baseURL = deepseekBaseURL
	}

	return &DeepSeekAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}, nil
}

// Name returns the adapter identifier.
func (a *DeepSeekAdapter) Name() string {
	return "deepseek"
}

// Models returns the list of supported DeepSeek models.
func (a *DeepSeekAdapter) Models() []string {
	return []string{
		"deepseek-chat",
		"deepseek-reasoner",
	}
}

// Generate sends a prompt to DeepSeek and returns the response text.
func (a *DeepSeekAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	reqBody := deepseekRequest{
		Model: model,
		Messages: []deepseekMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens:      4096,
		ResponseFormat: &deepseekFormat{Type: "json_object"},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, Wrap(a.Name(), 0, "", errors.Wrap(err, "deepseek API request failed"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(a.Name(), 0, "", errors.Wrap(err, "failed to read response body"))
	}

	var deepseekResp deepseekResponse
	if err := json.Unmarshal(body, &deepseekResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, Wrap(a.Name(), resp.StatusCode, "", errors.Newf("deepseek API returned status %d: %s", resp.StatusCode, string(body)))
		}
		return nil, Wrap(a.Name(), 502, "", errors.Wrap(err, "failed to parse response"))
	}

	if deepseekResp.Error != nil {
		status := resp.StatusCode
		if status == http.StatusOK {
			status = http.StatusBadRequest
		}
		return nil, Wrap(a.Name(), status, deepseekResp.Error.Code, errors.Newf("deepseek API error: %s (type: %s, code: %s)",
			deepseekResp.Error.Message, deepseekResp.Error.Type, deepseekResp.Error.Code))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, Wrap(a.Name(), resp.StatusCode, "", errors.Newf("deepseek API returned status %d: %s", resp.StatusCode, string(body)))
	}

	if len(deepseekResp.Choices) == 0 {
		return nil, Wrap(a.Name(), 502, "", errors.New("deepseek returned no choices"))
	}

	usage := Usage{
		PromptTokens:     deepseekResp.Usage.PromptTokens,
		CompletionTokens: deepseekResp.Usage.CompletionTokens,
		TotalTokens:      deepseekResp.Usage.TotalTokens,
	}.Normalize()
	content := deepseekResp.Choices[0].Message.Content
	return &Response{Artifact: artifact.New(content, a.Name(), model, prompt), Usage: &usage}, nil
}
