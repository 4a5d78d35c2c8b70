// Package anthropic implements the chat completion provider for the
// Anthropic Messages API. The package translates between the canonical
// chat schema and Anthropic's envelope: system messages move into the
// top-level system field, tool results become tool_result content blocks,
// and stop reasons are normalized to the finish_reason vocabulary.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/walkingzzzy/office-mcp-sub009/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client implements llm.StreamingProvider using the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// ChatCompletion sends the conversation to the Messages API.
func (c *Client) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	wireReq := toWireRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &llm.ProviderError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var wireResp wireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := &llm.ChatResponse{
		ID:           wireResp.ID,
		Model:        wireResp.Model,
		FinishReason: normalizeStopReason(wireResp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     wireResp.Usage.InputTokens,
			CompletionTokens: wireResp.Usage.OutputTokens,
			TotalTokens:      wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
		},
	}
	resp.Message = llm.Message{Role: llm.RoleAssistant}
	for _, block := range wireResp.Content {
		switch block.Type {
		case "text":
			resp.Message.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, llm.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	c.logger.DebugContext(ctx, "chat completion finished",
		slog.String("provider", "anthropic"),
		slog.String("model", resp.Model),
		slog.String("stop_reason", wireResp.StopReason),
	)

	return resp, nil
}

// ChatCompletionStream streams completion deltas. The Messages API emits
// typed events rather than an OpenAI chunk per line; text and tool input
// deltas are folded into canonical chunks, and the final message_delta
// event carries the stop reason.
func (c *Client) ChatCompletionStream(ctx context.Context, req *llm.ChatRequest, chunks chan<- llm.ChatChunk) error {
	defer close(chunks)

	wireReq := toWireRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return &llm.ProviderError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var (
		messageID string
		model     string
		// Tool call under construction, keyed by content block index.
		pendingTools = map[int]*llm.ToolCall{}
	)

	emit := func(chunk llm.ChatChunk) error {
		chunk.ID = messageID
		chunk.Model = model
		select {
		case chunks <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event wireStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("malformed stream frame: %w", err)
		}

		switch event.Type {
		case "message_start":
			messageID = event.Message.ID
			model = event.Message.Model
			if err := emit(llm.ChatChunk{Delta: llm.Delta{Role: llm.RoleAssistant}}); err != nil {
				return err
			}

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				pendingTools[event.Index] = &llm.ToolCall{
					ID:       event.ContentBlock.ID,
					Type:     "function",
					Function: llm.FunctionCall{Name: event.ContentBlock.Name},
				}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if err := emit(llm.ChatChunk{Delta: llm.Delta{Content: event.Delta.Text}}); err != nil {
					return err
				}
			case "input_json_delta":
				if tc, ok := pendingTools[event.Index]; ok {
					tc.Function.Arguments += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, ok := pendingTools[event.Index]; ok {
				delete(pendingTools, event.Index)
				if err := emit(llm.ChatChunk{Delta: llm.Delta{ToolCalls: []llm.ToolCall{*tc}}}); err != nil {
					return err
				}
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				if err := emit(llm.ChatChunk{FinishReason: normalizeStopReason(event.Delta.StopReason)}); err != nil {
					return err
				}
			}

		case "message_stop":
			return nil

		case "error":
			return fmt.Errorf("anthropic stream error: %s", event.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, body)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// normalizeStopReason maps Anthropic stop reasons onto the finish_reason
// vocabulary the rest of the system speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func toWireRequest(req *llm.ChatRequest) wireRequest {
	wireReq := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if wireReq.MaxTokens == 0 {
		// The Messages API requires max_tokens.
		wireReq.MaxTokens = defaultMaxTokens
	}
	if req.Temperature != nil {
		wireReq.Temperature = req.Temperature
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if wireReq.System != "" {
				wireReq.System += "\n\n"
			}
			wireReq.System += m.Content

		case llm.RoleTool:
			wireReq.Messages = append(wireReq.Messages, wireInputMessage{
				Role: "user",
				Content: []wireContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case llm.RoleAssistant:
			msg := wireInputMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, wireContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				}
				msg.Content = append(msg.Content, wireContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			wireReq.Messages = append(wireReq.Messages, msg)

		default:
			wireReq.Messages = append(wireReq.Messages, wireInputMessage{
				Role:    "user",
				Content: []wireContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return wireReq
}

// --- Anthropic API wire types (unexported) ---

type wireRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []wireInputMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []wireTool         `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type wireInputMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireResponse struct {
	ID         string              `json:"id"`
	Model      string              `json:"model"`
	Content    []wireResponseBlock `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      wireUsage           `json:"usage"`
}

type wireResponseBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
