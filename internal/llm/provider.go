package llm

import "context"

// Provider is the abstraction over any chat completion backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
	// ChatCompletion sends a request and returns a single normalized response.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// StreamingProvider extends Provider with streaming support.
// Providers that don't support streaming can be wrapped with
// NonStreamingAdapter to provide buffered streaming.
type StreamingProvider interface {
	Provider
	// ChatCompletionStream sends a request and streams chunks to the channel.
	// The channel is closed when the stream completes; a non-nil return error
	// means the stream terminated abnormally. The upstream [DONE] marker is
	// consumed by the adapter and never yielded as a chunk. Cancelling ctx
	// aborts the upstream request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest, chunks chan<- ChatChunk) error
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// NonStreamingAdapter wraps a regular Provider to implement
// StreamingProvider by buffering the full response and sending it as a
// single chunk followed by a finish chunk.
type NonStreamingAdapter struct {
	Provider
}

// ChatCompletionStream calls ChatCompletion and replays the result as chunks.
func (a *NonStreamingAdapter) ChatCompletionStream(ctx context.Context, req *ChatRequest, chunks chan<- ChatChunk) error {
	defer close(chunks)

	resp, err := a.ChatCompletion(ctx, req)
	if err != nil {
		return err
	}

	if resp.Message.Content != "" || len(resp.Message.ToolCalls) > 0 {
		chunks <- ChatChunk{
			ID:    resp.ID,
			Model: resp.Model,
			Delta: Delta{
				Role:      RoleAssistant,
				Content:   resp.Message.Content,
				ToolCalls: resp.Message.ToolCalls,
			},
		}
	}
	chunks <- ChatChunk{ID: resp.ID, Model: resp.Model, FinishReason: resp.FinishReason}
	return nil
}
