package httpapi

import (
	"errors"
	"log/slog"

	"github.com/jkaninda/okapi"

	"github.com/walkingzzzy/office-mcp-sub009/internal/llm"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/proxy"
)

// ChatCompletionRequest is the JSON body for POST /v1/chat/completions.
// Provider selects a configured provider by id; empty means the default.
type ChatCompletionRequest struct {
	Provider string `json:"provider,omitempty"`
	llm.ChatRequest
}

// StreamEvent is one SSE frame of a streaming completion.
type StreamEvent struct {
	Chunk *llm.ChatChunk `json:"chunk,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (g *Gateway) handleChatCompletion(c *okapi.Context) error {
	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Messages) == 0 {
		return c.AbortBadRequest("messages is required")
	}

	if req.Stream {
		return g.streamChatCompletion(c, &req)
	}

	resp, err := g.currentRouter().ChatCompletion(c.Context(), req.Provider, &req.ChatRequest)
	if err != nil {
		return g.chatError(c, err)
	}
	return c.OK(resp)
}

// streamChatCompletion forwards provider chunks as SSE frames. The stream
// ends with a "done" event, or an "error" event when the upstream stream
// fails mid-flight.
func (g *Gateway) streamChatCompletion(c *okapi.Context, req *ChatCompletionRequest) error {
	ctx := c.Context()
	chunks := make(chan llm.ChatChunk, 16)
	errCh := make(chan error, 1)

	go func() {
		errCh <- g.currentRouter().ChatCompletionStream(ctx, req.Provider, &req.ChatRequest, chunks)
	}()

	for chunk := range chunks {
		c.SSEvent("chunk", StreamEvent{Chunk: &chunk})
	}

	if err := <-errCh; err != nil {
		// Resolution failures (unknown provider, no default) arrive
		// before any chunk; everything else is a mid-stream error and
		// the SSE channel is the only way left to report it.
		if errors.Is(err, proxy.ErrUnknownProvider) || errors.Is(err, proxy.ErrNoDefault) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("chat stream failed",
			slog.String("provider", req.Provider),
			slog.Any("error", err),
		)
		c.SSEvent("error", StreamEvent{Error: err.Error()})
		return nil
	}

	c.SSEvent("done", StreamEvent{})
	return nil
}

// chatError maps router and provider errors onto HTTP responses.
func (g *Gateway) chatError(c *okapi.Context, err error) error {
	var provErr *llm.ProviderError
	switch {
	case errors.Is(err, proxy.ErrUnknownProvider):
		return c.AbortNotFound("provider not found")
	case errors.Is(err, proxy.ErrNoDefault):
		return c.AbortBadRequest(err.Error())
	case errors.As(err, &provErr):
		return upstreamError(c, provErr)
	default:
		g.logger.Error("chat completion failed", slog.Any("error", err))
		return c.AbortInternalServerError("chat completion failed")
	}
}
