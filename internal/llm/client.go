// Package llm provides the generative reasoning client consumed by the
// pipeline stages. The backend is any OpenAI-compatible chat completions
// endpoint; structured output is requested as JSON and parsed leniently,
// since the backend occasionally returns malformed structure.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Sentinel errors.
var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrMalformedJSON = errors.New("model returned malformed JSON")
)

// Client is the generative reasoning capability. Implementations must be
// safe for concurrent use.
type Client interface {
	// Complete generates a free-text completion.
	Complete(ctx context.Context, system, prompt string) (string, error)

	// CompleteJSON generates a completion and parses it as a JSON object.
	// Returns ErrMalformedJSON if no object can be extracted; callers are
	// expected to fall back to Complete.
	CompleteJSON(ctx context.Context, system, prompt string) (map[string]any, error)
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
}

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 2
	defaultRateLimit   = 2 // requests per second
	defaultBaseBackoff = 500 * time.Millisecond
)

// OpenAIClient implements Client against an OpenAI-compatible
// /v1/chat/completions endpoint.
type OpenAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewOpenAIClient creates a client for the configured backend.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = defaultRateLimit
	}

	return &OpenAIClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		maxRetries: maxRetries,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete generates a free-text completion, retrying transient failures
// with exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       c.model,
		MaxTokens:   4096,
		Temperature: 0.2,
		Messages:    messages,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// CompleteJSON generates a completion and extracts a JSON object from it.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, system, prompt string) (map[string]any, error) {
	text, err := c.Complete(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	return ParseObject(text)
}

func (c *OpenAIClient) doRequest(ctx context.Context, req chatRequest) (string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return "", &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		var errResp apiError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}

// ParseObject extracts the first JSON object from model output. Models wrap
// JSON in markdown fences or prose often enough that strict parsing alone
// is not usable.
func ParseObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}

	// Fall back to the outermost brace pair.
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, ErrMalformedJSON
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

var _ Client = (*OpenAIClient)(nil)
