package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/authgate"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

type fakeProvider struct {
	name string
	resp *providers.ProxyResponse
	err  error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Request(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}
func (p *fakeProvider) HealthCheck(context.Context) error { return nil }

type fakeEmbedder struct {
	fakeProvider
	embResp *providers.EmbeddingResponse
}

func (p *fakeEmbedder) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return p.embResp, nil
}

type fakeStore struct {
	keys      map[string]*configstore.APIKeyDoc
	providers map[configstore.ObjectID]*configstore.ProviderDoc
	pools     map[configstore.ObjectID]*configstore.PoolDoc
	policies  map[configstore.ObjectID]*configstore.PolicyDoc
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:      make(map[string]*configstore.APIKeyDoc),
		providers: make(map[configstore.ObjectID]*configstore.ProviderDoc),
		pools:     make(map[configstore.ObjectID]*configstore.PoolDoc),
		policies:  make(map[configstore.ObjectID]*configstore.PolicyDoc),
	}
}

func (s *fakeStore) KeyByHash(_ context.Context, hash string) (*configstore.APIKeyDoc, error) {
	return s.keys[hash], nil
}
func (s *fakeStore) ProviderByID(_ context.Context, id configstore.ObjectID) (*configstore.ProviderDoc, error) {
	return s.providers[id], nil
}
func (s *fakeStore) PoolByID(_ context.Context, id configstore.ObjectID) (*configstore.PoolDoc, error) {
	return s.pools[id], nil
}
func (s *fakeStore) PolicyByID(_ context.Context, id configstore.ObjectID) (*configstore.PolicyDoc, error) {
	return s.policies[id], nil
}

type fakeRegistry struct{ client providers.Provider }

func (r *fakeRegistry) Get(_ context.Context, doc *configstore.ProviderDoc) (providers.Provider, bool, error) {
	if doc == nil || doc.Status == configstore.ProviderDisabled {
		return nil, false, nil
	}
	return r.client, true, nil
}

// newTestServer wires a Server around a single provider registered under
// alias with a key accepted for the bearer token "test-token".
func newTestServer(t *testing.T, alias string, client providers.Provider) (*Server, string) {
	t.Helper()
	store := newFakeStore()

	providerID := configstore.ObjectID{9}
	store.providers[providerID] = &configstore.ProviderDoc{
		ID:   providerID,
		Kind: "fake",
		Models: []configstore.ModelEntry{
			{Name: alias, Alias: alias, Enabled: true},
		},
	}

	token := "test-token"
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	store.keys[hash] = &configstore.APIKeyDoc{
		ID:          configstore.ObjectID{1},
		Hash:        hash,
		ProviderIDs: []configstore.ObjectID{providerID},
		Owner:       "tester",
	}

	gate := authgate.New(store, ratelimit.NewKeyLimiter())
	reg := &fakeRegistry{client: client}
	invoker := pipeline.New(nil, nil, nil)

	return New(gate, store, reg, invoker, nil), token
}

func newRequestCtx(method, body string, authHeader string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetBody([]byte(body))
	if authHeader != "" {
		ctx.Request.Header.Set("Authorization", authHeader)
	}
	ctx.SetUserValue("request_id", "test-req")
	return ctx
}

func TestHandleChatCompletionsHappyPath(t *testing.T) {
	prov := &fakeProvider{name: "fake", resp: &providers.ProxyResponse{Content: "hello", Usage: providers.Usage{InputTokens: 3, OutputTokens: 2}}}
	srv, token := newTestServer(t, "gpt-4o", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+token)
	srv.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out outboundChatResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("got %+v", out)
	}
}

func TestHandleChatCompletionsRejectsMissingAuth(t *testing.T) {
	prov := &fakeProvider{name: "fake", resp: &providers.ProxyResponse{Content: "unreachable"}}
	srv, _ := newTestServer(t, "gpt-4o", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	srv.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleChatCompletionsRejectsMissingModel(t *testing.T) {
	prov := &fakeProvider{name: "fake", resp: &providers.ProxyResponse{Content: "unreachable"}}
	srv, token := newTestServer(t, "gpt-4o", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"messages":[{"role":"user","content":"hi"}]}`, "Bearer "+token)
	srv.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleChatCompletionsUnlistedModelIs404(t *testing.T) {
	prov := &fakeProvider{name: "fake", resp: &providers.ProxyResponse{Content: "unreachable"}}
	srv, token := newTestServer(t, "gpt-4o", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+token)
	srv.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	body := string(ctx.Response.Body())
	if !jsonContains(body, "TC_ERROR:") {
		t.Errorf("expected TC_ERROR: prefix, got %s", body)
	}
}

func TestHandleEmbeddingsHappyPath(t *testing.T) {
	prov := &fakeEmbedder{
		fakeProvider: fakeProvider{name: "fake"},
		embResp: &providers.EmbeddingResponse{
			Model: "text-embedding-3-small",
			Data:  []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
			Usage: providers.Usage{InputTokens: 4},
		},
	}
	srv, token := newTestServer(t, "text-embedding-3-small", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"model":"text-embedding-3-small","input":"hi"}`, "Bearer "+token)
	srv.handleEmbeddings(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out outboundEmbeddingResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(out.Data) != 1 {
		t.Errorf("got %+v", out)
	}
}

func TestHandleChatScoreConvertsAzureMLEnvelope(t *testing.T) {
	prov := &fakeProvider{name: "fake", resp: &providers.ProxyResponse{Content: "scored"}}
	srv, token := newTestServer(t, "gpt-4o", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"input_data":{"input_string":[{"role":"user","content":"hi"}],"parameters":{"temperature":0.5,"max_new_tokens":64}}}`, "Bearer "+token)
	ctx.SetUserValue("model", "gpt-4o")
	srv.handleChatScore(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out scoreResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if out.Output != "scored" {
		t.Errorf("got %+v", out)
	}
}

func TestHandleEmbeddingScoreReturnsRawVectorList(t *testing.T) {
	prov := &fakeEmbedder{
		fakeProvider: fakeProvider{name: "fake"},
		embResp: &providers.EmbeddingResponse{
			Data: []providers.EmbeddingData{
				{Index: 1, Embedding: []float32{0.3, 0.4}},
				{Index: 0, Embedding: []float32{0.1, 0.2}},
			},
		},
	}
	srv, token := newTestServer(t, "text-embedding-3-small", prov)

	ctx := newRequestCtx(fasthttp.MethodPost, `{"documents":["a","b"]}`, "Bearer "+token)
	ctx.SetUserValue("model", "text-embedding-3-small")
	srv.handleEmbeddingScore(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var vectors [][]float32
	if err := json.Unmarshal(ctx.Response.Body(), &vectors); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 0.1 || vectors[1][0] != 0.3 {
		t.Errorf("expected vectors ordered by index, got %+v", vectors)
	}
}

func jsonContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
