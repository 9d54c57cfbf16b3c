package modelpool

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }

func TestSelectDirectAlias(t *testing.T) {
	p := New()
	doc := &configstore.ProviderDoc{
		Models: []configstore.ModelEntry{{Name: "gpt-x-native", Alias: "gpt-x", Enabled: true}},
	}
	p.AddProviderModels("openai", &stubProvider{"openai"}, doc)

	entries, err := p.Select("gpt-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Model.Name != "gpt-x-native" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSelectUnlisted(t *testing.T) {
	p := New()
	_, err := p.Select("missing")
	var unlisted *ctxerr.ErrUnlistedModel
	if !errors.As(err, &unlisted) {
		t.Fatalf("expected ErrUnlistedModel, got %v", err)
	}
}

func TestSelectProviderPrefixedUnknownProvider(t *testing.T) {
	p := New()
	doc := &configstore.ProviderDoc{
		Models: []configstore.ModelEntry{{Name: "gpt-x-native", Alias: "gpt-x", Enabled: true}},
	}
	p.AddProviderModels("openai", &stubProvider{"openai"}, doc)

	_, err := p.Select("anthropic/gpt-x")
	var unknown *ctxerr.ErrUnknownProvider
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSelectProviderPrefixedMatch(t *testing.T) {
	p := New()
	doc := &configstore.ProviderDoc{
		Models: []configstore.ModelEntry{{Name: "gpt-x-native", Alias: "gpt-x", Enabled: true}},
	}
	p.AddProviderModels("openai", &stubProvider{"openai"}, doc)

	entries, err := p.Select("openai/gpt-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestDisabledModelsExcluded(t *testing.T) {
	p := New()
	doc := &configstore.ProviderDoc{
		Models: []configstore.ModelEntry{{Name: "x", Alias: "gpt-x", Enabled: false}},
	}
	p.AddProviderModels("openai", &stubProvider{"openai"}, doc)

	_, err := p.Select("gpt-x")
	var unlisted *ctxerr.ErrUnlistedModel
	if !errors.As(err, &unlisted) {
		t.Fatalf("expected ErrUnlistedModel for disabled model, got %v", err)
	}
}
