package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/llm-gateway/internal/providers/mistral"
	"github.com/nulpointcorp/llm-gateway/internal/providers/openai"
)

// These tests run the real provider clients (internal/providers/...) against
// this package's mock HTTP servers, the way load/E2E testing is meant to use
// them (see the package doc comment on main.go), instead of leaving the mock
// handlers reachable only by the standalone "providers" binary.

func testRequest() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:    "mock-model",
		Messages: []providers.Message{{Role: "user", Content: "say hello"}},
	}
}

func TestMockOpenAIHandlerServesOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 6}))
	defer srv.Close()

	p := openai.New("test-key", openai.WithBaseURL(srv.URL))
	resp, err := p.Request(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Content == "" {
		t.Fatal("expected non-empty content from mock")
	}
	if resp.Usage.OutputTokens != 6 {
		t.Fatalf("output tokens = %d, want 6", resp.Usage.OutputTokens)
	}
}

func TestMockAnthropicHandlerServesAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(newAnthropicHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := anthropic.New("test-key", anthropic.WithBaseURL(srv.URL+"/v1"))
	resp, err := p.Request(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Content == "" {
		t.Fatal("expected non-empty content from mock")
	}
	if resp.Usage.OutputTokens != 5 {
		t.Fatalf("output tokens = %d, want 5", resp.Usage.OutputTokens)
	}
}

func TestMockMistralHandlerServesMistralProvider(t *testing.T) {
	srv := httptest.NewServer(newMistralHandler(Config{StreamWords: 7}))
	defer srv.Close()

	p := mistral.New("test-key", mistral.WithBaseURL(srv.URL+"/v1"))
	resp, err := p.Request(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Content == "" {
		t.Fatal("expected non-empty content from mock")
	}
	if resp.Usage.OutputTokens != 7 {
		t.Fatalf("output tokens = %d, want 7", resp.Usage.OutputTokens)
	}
}

func TestMockGeminiHandlerServesGeminiProvider(t *testing.T) {
	srv := httptest.NewServer(newGeminiHandler(Config{StreamWords: 4}))
	defer srv.Close()

	p := gemini.New(context.Background(), "test-key", gemini.WithBaseURL(srv.URL+"/v1beta"))
	req := testRequest()
	req.Model = "gemini-1.5-pro"
	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Content == "" {
		t.Fatal("expected non-empty content from mock")
	}
	if resp.Usage.OutputTokens != 4 {
		t.Fatalf("output tokens = %d, want 4", resp.Usage.OutputTokens)
	}
}

func TestMockOpenAIHandlerSimulatesErrors(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{ErrorRate: 1}))
	defer srv.Close()

	p := openai.New("test-key", openai.WithBaseURL(srv.URL))
	if _, err := p.Request(context.Background(), testRequest()); err == nil {
		t.Fatal("expected an error with MOCK_ERROR_RATE=1")
	}
}

func TestMockLatencyIsApplied(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{LatencyMS: 20}))
	defer srv.Close()

	p := openai.New("test-key", openai.WithBaseURL(srv.URL))
	start := time.Now()
	if _, err := p.Request(context.Background(), testRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected at least 20ms latency, got %s", elapsed)
	}
}
