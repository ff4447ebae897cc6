// Package llm provides an HTTP client for OpenAI-compatible chat-completion
// endpoints. It is the concrete side of the provider port; agents never see
// anything below the Generate contract.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/troika-dev/troika/internal/port/provider"
	"github.com/troika-dev/troika/internal/resilience"
)

// Client talks to one chat-completion endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a client for the given base URL. The key may be empty
// for unauthenticated local endpoints.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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

// Generate performs one chat-completion call bounded by req.Timeout.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var text string
	call := func() error {
		text, err = c.doChat(ctx, body)
		return err
	}

	if c.breaker != nil {
		if berr := c.breaker.Execute(call); berr != nil {
			if errors.Is(berr, resilience.ErrCircuitOpen) {
				return "", fmt.Errorf("%w: %s", provider.ErrServer, berr)
			}
			return "", berr
		}
		return text, nil
	}
	if err := call(); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s", provider.ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %s", provider.ErrServer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %s", provider.ErrServer, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: %s", provider.ErrRate, string(data))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", provider.ErrServer, resp.StatusCode, string(data))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: status %d: %s", provider.ErrInvalid, resp.StatusCode, string(data))
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return "", fmt.Errorf("%w: %s", provider.ErrInvalid, err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", provider.ErrInvalid)
	}

	content := chat.Choices[0].Message.Content
	if !utf8.ValidString(content) {
		return "", provider.ErrBinary
	}
	return content, nil
}
