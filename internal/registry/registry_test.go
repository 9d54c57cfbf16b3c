package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestGetReturnsNotFoundForNilDoc(t *testing.T) {
	r := registry.New()
	client, ok, err := r.Get(context.Background(), nil)
	if err != nil || ok || client != nil {
		t.Fatalf("got (%v, %v, %v), want (nil, false, nil)", client, ok, err)
	}
}

func TestGetReturnsNotFoundForDisabledProvider(t *testing.T) {
	r := registry.New()
	doc := &configstore.ProviderDoc{ID: configstore.ObjectID{1}, Kind: "stub", Status: configstore.ProviderDisabled}
	client, ok, err := r.Get(context.Background(), doc)
	if err != nil || ok || client != nil {
		t.Fatalf("got (%v, %v, %v), want (nil, false, nil)", client, ok, err)
	}
}

func TestGetBuildsOnceAndCaches(t *testing.T) {
	r := registry.New()
	builds := 0
	r.Register("stub", func(context.Context, configstore.ProviderDoc) (providers.Provider, error) {
		builds++
		return &stubProvider{name: "stub"}, nil
	})

	doc := &configstore.ProviderDoc{ID: configstore.ObjectID{1}, Kind: "stub", Status: configstore.ProviderConnected, UpdatedAt: time.Now()}

	c1, ok, err := r.Get(context.Background(), doc)
	if err != nil || !ok {
		t.Fatalf("first Get: ok=%v err=%v", ok, err)
	}
	c2, ok, err := r.Get(context.Background(), doc)
	if err != nil || !ok {
		t.Fatalf("second Get: ok=%v err=%v", ok, err)
	}
	if c1 != c2 {
		t.Errorf("expected cached client to be reused")
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestGetRebuildsWhenUpdatedAtChanges(t *testing.T) {
	r := registry.New()
	builds := 0
	r.Register("stub", func(context.Context, configstore.ProviderDoc) (providers.Provider, error) {
		builds++
		return &stubProvider{name: "stub"}, nil
	})

	doc := configstore.ProviderDoc{ID: configstore.ObjectID{1}, Kind: "stub", Status: configstore.ProviderConnected, UpdatedAt: time.Now()}
	if _, _, err := r.Get(context.Background(), &doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc.UpdatedAt = doc.UpdatedAt.Add(time.Second)
	if _, _, err := r.Get(context.Background(), &doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds != 2 {
		t.Errorf("builds = %d, want 2 after updated_at change", builds)
	}
}

func TestGetReturnsErrorForUnknownKind(t *testing.T) {
	r := registry.New()
	doc := &configstore.ProviderDoc{ID: configstore.ObjectID{1}, Kind: "nonexistent", Status: configstore.ProviderConnected}
	_, _, err := r.Get(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
