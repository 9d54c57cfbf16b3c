// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, Mistral, and others).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ─── removed static routing tables ─────────────────────────────────────────
//
// The teacher routed every request through a process-wide model-name →
// provider-name map (EmbeddingModelAliases / ModelAliases) and a fixed
// DefaultFallbackOrder. Under the multi-tenant model document store, which
// model names a request may use and in which failover order are per-API-key
// facts read from Mongo — internal/modelpool.Pool.Select resolves both from
// the caller's merged ProviderDoc/PoolDoc set, not from a package-level
// constant. Keeping the static tables here left 280+ lines of unreachable
// data; they are not reintroduced.

// ProviderTimeout bounds every outbound HTTP call a provider client makes.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by every error type that carries an HTTP status
// to report — ctxerr, policyerr, and each provider package's ProviderError.
type StatusCoder interface {
	HTTPStatus() int
}

// DetailedStatusCoder is the subset of provider ProviderError types that also
// expose the upstream API's own error type/code strings, instead of
// collapsing every provider failure to the generic provider_error code
// (see internal/httpapi/errors.go writeError).
type DetailedStatusCoder interface {
	StatusCoder
	ErrorType() string
	ErrorCode() string
}
