package amlscore_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/amlscore"
)

func TestChatRequestSendsInputStringEnvelopeAndParsesOutput(t *testing.T) {
	var gotDeployment, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDeployment = r.Header.Get("azureml-model-deployment")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"output": "hello back"})
	}))
	defer srv.Close()

	p := amlscore.New("aml-chat", amlscore.KindChat, srv.URL, "dep-1", "secret")
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "amlscore-chat",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
	if gotDeployment != "dep-1" {
		t.Errorf("deployment header = %q", gotDeployment)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	inputData, ok := gotBody["input_data"].(map[string]any)
	if !ok {
		t.Fatalf("missing input_data in request body: %v", gotBody)
	}
	if _, ok := inputData["input_string"]; !ok {
		t.Errorf("missing input_string: %v", inputData)
	}
}

func TestPromptRequestJoinsMessageContent(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"output": "ok"})
	}))
	defer srv.Close()

	p := amlscore.New("aml-prompt", amlscore.KindPrompt, srv.URL, "", "secret")
	_, err := p.Request(context.Background(), &providers.ProxyRequest{
		Messages: []providers.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody["prompt"] != "a b" {
		t.Errorf("prompt = %v", gotBody["prompt"])
	}
}

func TestEmbeddingRequestReturnsVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{0.1, 0.2}, {0.3, 0.4}})
	}))
	defer srv.Close()

	p := amlscore.New("aml-embed", amlscore.KindEmbedding, srv.URL, "", "secret")
	resp, err := p.Embed(context.Background(), &providers.EmbeddingRequest{Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(resp.Data))
	}
	if resp.Data[1].Embedding[0] != 0.3 {
		t.Errorf("embedding[1][0] = %v", resp.Data[1].Embedding[0])
	}
}

func TestChatRequestRejectedByEmbeddingKind(t *testing.T) {
	p := amlscore.New("aml-embed", amlscore.KindEmbedding, "http://unused", "", "secret")
	_, err := p.Request(context.Background(), &providers.ProxyRequest{})
	if err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestNonOKStatusReturnsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "deployment unavailable"})
	}))
	defer srv.Close()

	p := amlscore.New("aml-chat", amlscore.KindChat, srv.URL, "", "secret")
	_, err := p.Request(context.Background(), &providers.ProxyRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}})

	var perr *amlscore.ProviderError
	if perr, _ = err.(*amlscore.ProviderError); perr == nil {
		t.Fatalf("expected *ProviderError, got %v (%T)", err, err)
	}
	if perr.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("status = %d", perr.HTTPStatus())
	}
}
