package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/walkingzzzy/office-mcp-sub009/internal/llm"
	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, configs []ProviderConfig) (*Router, *observability.MetricsCollector) {
	t.Helper()
	metrics := observability.NewMetricsCollector()
	r, err := NewRouter(configs, testLogger(), metrics)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r, metrics
}

func openAIStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUnknownProviderTypeFailsConstruction(t *testing.T) {
	_, err := NewRouter([]ProviderConfig{
		{ID: "p1", Type: "deepmind"},
	}, testLogger(), observability.NewMetricsCollector())
	if err == nil {
		t.Fatal("want construction error for unknown provider type")
	}
	if !strings.Contains(err.Error(), "deepmind") {
		t.Errorf("error = %v, should name the bad type", err)
	}
}

func TestDuplicateIDFailsConstruction(t *testing.T) {
	_, err := NewRouter([]ProviderConfig{
		{ID: "p1", Type: TypeOpenAI},
		{ID: "p1", Type: TypeAnthropic},
	}, testLogger(), observability.NewMetricsCollector())
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error = %v, want duplicate id error", err)
	}
}

func TestDefaultRouting(t *testing.T) {
	server := openAIStub(t)
	r, _ := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL, Model: "gpt-4o", IsDefault: true},
	})

	// Empty provider ID routes to the default, empty model fills from config.
	req := &llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	resp, err := r.ChatCompletion(context.Background(), "", req)
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if resp.Message.Content != "hi" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if req.Model != "gpt-4o" {
		t.Errorf("model not defaulted: %q", req.Model)
	}
}

func TestNoDefault(t *testing.T) {
	server := openAIStub(t)
	r, _ := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL},
	})

	_, err := r.ChatCompletion(context.Background(), "", &llm.ChatRequest{})
	if !errors.Is(err, ErrNoDefault) {
		t.Errorf("error = %v, want ErrNoDefault", err)
	}

	_, err = r.ChatCompletion(context.Background(), "nope", &llm.ChatRequest{})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestStreamClosesChannelOnResolveError(t *testing.T) {
	server := openAIStub(t)
	r, _ := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL},
	})

	chunks := make(chan llm.ChatChunk, 1)
	err := r.ChatCompletionStream(context.Background(), "nope", &llm.ChatRequest{}, chunks)
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
	if _, open := <-chunks; open {
		t.Error("chunks channel left open after resolve error")
	}
}

func TestStreamCountsChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	r, metrics := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL, Model: "gpt-4o", IsDefault: true},
	})

	chunks := make(chan llm.ChatChunk, 8)
	if err := r.ChatCompletionStream(context.Background(), "main", &llm.ChatRequest{Stream: true}, chunks); err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}
	var n int
	for range chunks {
		n++
	}
	if n != 2 {
		t.Fatalf("got %d chunks, want 2", n)
	}

	if got := counterValue(t, metrics, "bridge_proxy_stream_chunks_total"); got != 2 {
		t.Errorf("stream chunk counter = %v, want 2", got)
	}
	if metricGaugeValue(t, metrics, "bridge_proxy_active_streams") != 0 {
		t.Error("active stream gauge not released")
	}
}

func TestUpstreamErrorStatusLabel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": "down"}`)
	}))
	defer server.Close()

	r, metrics := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL, Model: "gpt-4o", IsDefault: true},
	})

	_, err := r.ChatCompletion(context.Background(), "main", &llm.ChatRequest{})
	var provErr *llm.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *llm.ProviderError forwarded verbatim", err)
	}

	mf := gatherFamily(t, metrics, "bridge_proxy_requests_total")
	if mf == nil {
		t.Fatal("request counter not gathered")
	}
	var found bool
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "status" && l.GetValue() == "upstream_503" {
				found = true
			}
		}
	}
	if !found {
		t.Error("no request counted with status=upstream_503")
	}
}

func TestListModelsFallsBackToConfiguredModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r, _ := newTestRouter(t, []ProviderConfig{
		{ID: "main", Type: TypeOpenAI, BaseURL: server.URL, Model: "gpt-4o", IsDefault: true},
	})

	models, err := r.ListModels(context.Background(), "main")
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-4o" {
		t.Errorf("models = %+v, want configured model fallback", models)
	}
}

func TestListModelsWarnsWhenProviderCannotList(t *testing.T) {
	store := logstore.New(nil)
	logger := slog.New(logstore.NewHandler(store, nil))
	metrics := observability.NewMetricsCollector()

	// The anthropic adapter has no model listing endpoint.
	r, err := NewRouter([]ProviderConfig{
		{ID: "claude", Type: TypeAnthropic, APIKey: "k", Model: "claude-sonnet", IsDefault: true},
	}, logger, metrics)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	models, err := r.ListModels(context.Background(), "claude")
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0].ID != "claude-sonnet" {
		t.Errorf("models = %+v, want configured model fallback", models)
	}

	warned := false
	for _, e := range store.GetAll(logstore.Query{Level: logstore.LevelWarn}) {
		if strings.Contains(e.Message, "does not support model listing") {
			warned = true
		}
	}
	if !warned {
		t.Error("fallback did not log a warning")
	}
}

func TestIDs(t *testing.T) {
	s := openAIStub(t)
	r, _ := newTestRouter(t, []ProviderConfig{
		{ID: "b", Type: TypeOpenAI, BaseURL: s.URL},
		{ID: "a", Type: TypeOllama, BaseURL: s.URL},
	})
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs() = %v, want sorted [a b]", ids)
	}
}

func gatherFamily(t *testing.T, metrics *observability.MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(t *testing.T, metrics *observability.MetricsCollector, name string) float64 {
	t.Helper()
	mf := gatherFamily(t, metrics, name)
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func metricGaugeValue(t *testing.T, metrics *observability.MetricsCollector, name string) float64 {
	t.Helper()
	mf := gatherFamily(t, metrics, name)
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetGauge().GetValue()
	}
	return total
}
