package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/saldanaj97/atlaris-sub003/internal/config"
	"github.com/saldanaj97/atlaris-sub003/internal/models"
)

// Completion is the parsed provider response plus token accounting.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client talks to an OpenAI-compatible chat completion API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewClient creates a provider client from config.
func NewClient(cfg config.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.ProviderTimeout,
		},
		baseURL: cfg.ProviderBaseURL,
		apiKey:  cfg.ProviderAPIKey,
		model:   cfg.ProviderModel,
	}
}

// Complete sends a chat completion request. Failures come back as *Error with
// a classification: 429 maps to rate_limit, context cancellation to timeout,
// everything else to provider_error.
func (c *Client) Complete(ctx context.Context, system, user string) (*Completion, error) {
	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(models.ClassTimeout, 0, "request cancelled or timed out")
		}
		return nil, newError(models.ClassProviderError, 0, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(models.ClassProviderError, resp.StatusCode, "read response body: "+err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(models.ClassRateLimit, resp.StatusCode, retryHint(resp))
	case resp.StatusCode != http.StatusOK:
		return nil, newError(models.ClassProviderError, resp.StatusCode, truncate(string(respBody), 512))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, newError(models.ClassProviderError, resp.StatusCode, "malformed completion envelope: "+err.Error())
	}
	if len(chatResp.Choices) == 0 {
		return nil, newError(models.ClassProviderError, resp.StatusCode, "no choices in response")
	}

	return &Completion{
		Content:      chatResp.Choices[0].Message.Content,
		Model:        chatResp.Model,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

func retryHint(resp *http.Response) string {
	if v := resp.Header.Get("Retry-After"); v != "" {
		return "rate limited, retry after " + v + "s"
	}
	return "rate limited"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
