// Package executor calls back into the office plugin's local HTTP surface
// to run document tools on the bridge's behalf. Transient failures retry
// with capped exponential backoff; client errors fail fast.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

const (
	executePath = "/execute-tool"

	// EnvBaseURL overrides the configured plugin API base URL.
	EnvBaseURL = "OFFICE_PLUGIN_API_URL"

	maxResponseBytes = 1 << 20 // 1 MB

	defaultAttempts  = 3
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Result is the plugin's answer to one tool execution.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	CallID  string          `json:"callId"`
}

// Config tunes the executor client. Zero values take defaults.
type Config struct {
	BaseURL   string
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Client executes tools against the office plugin API.
type Client struct {
	baseURL    string
	attempts   int
	baseDelay  time.Duration
	maxDelay   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.MetricsCollector
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an executor client. The OFFICE_PLUGIN_API_URL
// environment variable takes precedence over the configured base URL.
func NewClient(cfg Config, logger *slog.Logger, metrics *observability.MetricsCollector, opts ...Option) *Client {
	baseURL := cfg.BaseURL
	if env := os.Getenv(EnvBaseURL); env != "" {
		baseURL = env
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		attempts:   cfg.Attempts,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		metrics:    metrics,
	}
	if c.attempts == 0 {
		c.attempts = defaultAttempts
	}
	if c.baseDelay == 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay == 0 {
		c.maxDelay = defaultMaxDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
	CallID   string         `json:"callId"`
}

// Execute runs one tool. Network errors and 5xx responses retry up to the
// attempt budget with doubling delays; 4xx responses fail immediately.
func (c *Client) Execute(ctx context.Context, toolName string, args map[string]any) (*Result, error) {
	callID := uuid.NewString()
	body, err := json.Marshal(executeRequest{ToolName: toolName, Args: args, CallID: callID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	result, err := c.executeWithRetry(ctx, toolName, callID, body)
	c.metrics.ExecutorCallDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case !result.Success:
		status = "tool_error"
	}
	c.metrics.ExecutorCallsTotal.WithLabelValues(status).Inc()

	return result, err
}

func (c *Client) executeWithRetry(ctx context.Context, toolName, callID string, body []byte) (*Result, error) {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying tool execution",
				slog.String("tool", toolName),
				slog.String("call_id", callID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		result, retryable, err := c.executeOnce(ctx, callID, body)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("tool %q failed after %d attempts: %w", toolName, c.attempts, lastErr)
}

func (c *Client) executeOnce(ctx context.Context, callID string, body []byte) (result *Result, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("calling plugin API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("plugin API returned %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("plugin API rejected request (%d): %s", resp.StatusCode, respBody)
	}

	var r Result
	if err := json.Unmarshal(respBody, &r); err != nil {
		return nil, false, fmt.Errorf("parsing response: %w", err)
	}
	if r.CallID == "" {
		r.CallID = callID
	}
	return &r, false, nil
}
