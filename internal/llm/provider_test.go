package llm

import (
	"context"
	"errors"
	"testing"
)

type bufferedProvider struct {
	resp *ChatResponse
	err  error
}

func (p *bufferedProvider) Name() string { return "buffered" }

func (p *bufferedProvider) ChatCompletion(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	return p.resp, p.err
}

func TestNonStreamingAdapterReplaysResponse(t *testing.T) {
	adapter := &NonStreamingAdapter{Provider: &bufferedProvider{
		resp: &ChatResponse{
			ID:    "resp-1",
			Model: "m",
			Message: Message{
				Role:    RoleAssistant,
				Content: "hello",
			},
			FinishReason: "stop",
		},
	}}

	chunks := make(chan ChatChunk, 4)
	if err := adapter.ChatCompletionStream(context.Background(), &ChatRequest{}, chunks); err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}

	var got []ChatChunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].Delta.Content != "hello" {
		t.Errorf("content chunk = %q, want %q", got[0].Delta.Content, "hello")
	}
	if got[0].FinishReason != "" {
		t.Errorf("content chunk carries finish reason %q", got[0].FinishReason)
	}
	if got[1].FinishReason != "stop" {
		t.Errorf("finish chunk reason = %q, want %q", got[1].FinishReason, "stop")
	}
}

func TestNonStreamingAdapterClosesChannelOnError(t *testing.T) {
	wantErr := errors.New("upstream unavailable")
	adapter := &NonStreamingAdapter{Provider: &bufferedProvider{err: wantErr}}

	chunks := make(chan ChatChunk, 1)
	err := adapter.ChatCompletionStream(context.Background(), &ChatRequest{}, chunks)
	if !errors.Is(err, wantErr) {
		t.Fatalf("ChatCompletionStream() error = %v, want %v", err, wantErr)
	}
	if _, open := <-chunks; open {
		t.Error("chunks channel left open after error")
	}
}
