// Package amlscore implements three thin providers.Provider kinds — chat,
// prompt, and embedding — sharing one HTTP client that posts to an Azure ML
// managed-endpoint scoring URI, supplemented from
// original_source/aggregator/core/providers/amlscore.py and
// original_source/aggregator/server/azureml.py (dropped by the distilled
// spec's provider list but required by its own Azure-ML score surface).
// Grounded on providers/azure's raw net/http request/response conversion
// idiom rather than a generated SDK, since Azure ML scoring endpoints have no
// typed client in the example pack.
package amlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Kind selects which Azure-ML envelope a Provider speaks.
type Kind string

const (
	KindChat      Kind = "amlscore-chat"
	KindPrompt    Kind = "amlscore-prompt"
	KindEmbedding Kind = "amlscore-embedding"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type scoreParameters struct {
	Temperature  float64 `json:"temperature,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
}

type chatInputData struct {
	InputString []chatMessage   `json:"input_string"`
	Parameters  scoreParameters `json:"parameters,omitempty"`
}

type chatEnvelope struct {
	InputData chatInputData `json:"input_data"`
}

type promptEnvelope struct {
	Prompt string `json:"prompt"`
}

type embeddingEnvelope struct {
	Documents []string `json:"documents"`
}

// scoreResponse is the shared Azure-ML scoring response shape for chat and
// prompt kinds: {"output": "<text>"}, with "text" accepted as a fallback key
// some deployments use instead.
type scoreResponse struct {
	Output string `json:"output"`
	Text   string `json:"text"`
}

// Provider implements providers.Provider (and providers.EmbeddingProvider
// for KindEmbedding) against one Azure-ML scoring endpoint.
type Provider struct {
	name       string
	kind       Kind
	url        string
	deployment string
	apiKey     string
	client     *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the default providers.ProviderTimeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New builds a Provider for one scoring endpoint. deployment, when non-empty,
// is sent as the "azureml-model-deployment" header Azure ML multi-deployment
// endpoints require to pick a deployment.
func New(name string, kind Kind, url, deployment, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		kind:       kind,
		url:        url,
		deployment: deployment,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Features reports the generic feature set pool.FeaturesOnly filters on.
// Azure-ML scoring endpoints are synchronous request/response only — no
// streaming, no n, no tool calling.
func (p *Provider) Features() map[string]bool {
	return map[string]bool{"messages": true}
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.url == "" {
		return fmt.Errorf("%s: no scoring URL configured", p.name)
	}
	return nil
}

// Request implements providers.Provider for the chat and prompt kinds.
// Azure-ML scoring never streams, so req.Stream is ignored.
func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	var body any
	switch p.kind {
	case KindChat:
		body = chatEnvelope{InputData: chatInputData{
			InputString: toChatMessages(req.Messages),
			Parameters:  scoreParameters{Temperature: req.Temperature, MaxNewTokens: req.MaxTokens},
		}}
	case KindPrompt:
		body = promptEnvelope{Prompt: joinMessages(req.Messages)}
	default:
		return nil, fmt.Errorf("%s: kind %q does not support completion", p.name, p.kind)
	}

	var sr scoreResponse
	if err := p.post(ctx, body, &sr); err != nil {
		return nil, err
	}

	content := sr.Output
	if content == "" {
		content = sr.Text
	}
	return &providers.ProxyResponse{Model: req.Model, Content: content}, nil
}

// Embed implements providers.EmbeddingProvider for KindEmbedding.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if p.kind != KindEmbedding {
		return nil, fmt.Errorf("%s: kind %q does not support embedding", p.name, p.kind)
	}

	var vectors [][]float32
	if err := p.post(ctx, embeddingEnvelope{Documents: req.Input}, &vectors); err != nil {
		return nil, err
	}

	data := make([]providers.EmbeddingData, len(vectors))
	for i, v := range vectors {
		data[i] = providers.EmbeddingData{Index: i, Embedding: v}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

func (p *Provider) post(ctx context.Context, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.deployment != "" {
		httpReq.Header.Set("azureml-model-deployment", p.deployment)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Name: p.name, StatusCode: resp.StatusCode, Message: httpStatusText(resp)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return nil
}

func httpStatusText(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "" {
		return body.Error
	}
	return resp.Status
}

func toChatMessages(msgs []providers.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func joinMessages(msgs []providers.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

// ProviderError is a structured error returned by an Azure-ML scoring
// endpoint, satisfying providers.StatusCoder.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
