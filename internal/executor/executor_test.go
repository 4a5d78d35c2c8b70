package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{
		BaseURL:   baseURL,
		Attempts:  3,
		BaseDelay: 2 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	}, logger, observability.NewMetricsCollector())
}

func TestExecuteSuccess(t *testing.T) {
	var gotReq executeRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != executePath {
			t.Errorf("path = %q, want %q", r.URL.Path, executePath)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		fmt.Fprintf(w, `{"success": true, "result": {"inserted": 5}, "callId": %q}`, gotReq.CallID)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Execute(context.Background(), "insert_text", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotReq.ToolName != "insert_text" {
		t.Errorf("toolName = %q", gotReq.ToolName)
	}
	if gotReq.CallID == "" {
		t.Error("callId missing from request")
	}
	if !result.Success {
		t.Error("result.Success = false")
	}
	if result.CallID != gotReq.CallID {
		t.Errorf("callId mismatch: %q vs %q", result.CallID, gotReq.CallID)
	}
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"success": true, "callId": "c1"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Execute(context.Background(), "save_document", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if !result.Success {
		t.Error("result.Success = false")
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Execute(context.Background(), "save_document", nil)
	if err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestExecuteFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error": "unknown tool"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Execute(context.Background(), "bogus_tool", nil)
	if err == nil {
		t.Fatal("want error for 4xx response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, 4xx should not be retried", calls.Load())
	}
}

func TestExecuteToolErrorIsNotTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": false, "error": "document is read-only", "callId": "c1"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Execute(context.Background(), "insert_text", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Success {
		t.Error("result.Success = true")
	}
	if result.Error != "document is read-only" {
		t.Errorf("result.Error = %q", result.Error)
	}
}

func TestEnvOverridesBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "callId": "c1"}`)
	}))
	defer server.Close()

	t.Setenv(EnvBaseURL, server.URL)

	client := newTestClient(t, "http://localhost:1") // unreachable; env wins
	if _, err := client.Execute(context.Background(), "insert_text", nil); err != nil {
		t.Fatalf("Execute() error = %v, env override not applied", err)
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, server.URL)
	if _, err := client.Execute(ctx, "insert_text", nil); err == nil {
		t.Fatal("want error for cancelled context")
	}
}
