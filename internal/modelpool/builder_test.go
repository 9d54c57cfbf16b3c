package modelpool_test

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/modelpool"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

type fakeStore struct {
	providers map[configstore.ObjectID]*configstore.ProviderDoc
	pools     map[configstore.ObjectID]*configstore.PoolDoc
}

func (s *fakeStore) ProviderByID(_ context.Context, id configstore.ObjectID) (*configstore.ProviderDoc, error) {
	return s.providers[id], nil
}
func (s *fakeStore) PoolByID(_ context.Context, id configstore.ObjectID) (*configstore.PoolDoc, error) {
	return s.pools[id], nil
}

type fakeRegistry struct{}

func (fakeRegistry) Get(_ context.Context, doc *configstore.ProviderDoc) (providers.Provider, bool, error) {
	if doc == nil || doc.Status == configstore.ProviderDisabled {
		return nil, false, nil
	}
	return &fakeProvider{name: doc.Kind}, true, nil
}

func TestBuildMergesDirectProvidersAndPools(t *testing.T) {
	providerA := configstore.ObjectID{1}
	providerB := configstore.ObjectID{2}
	poolID := configstore.ObjectID{3}

	store := &fakeStore{
		providers: map[configstore.ObjectID]*configstore.ProviderDoc{
			providerA: {ID: providerA, Kind: "openai", Models: []configstore.ModelEntry{{Alias: "gpt-4o", Enabled: true}}},
			providerB: {ID: providerB, Kind: "anthropic", Models: []configstore.ModelEntry{{Alias: "claude", Enabled: true}}},
		},
		pools: map[configstore.ObjectID]*configstore.PoolDoc{
			poolID: {ID: poolID, Name: "fallback-pool", Models: map[string][]configstore.PoolModelRef{
				"smart": {{ProviderID: providerB, Alias: "claude"}},
			}},
		},
	}

	key := &configstore.APIKeyDoc{ProviderIDs: []configstore.ObjectID{providerA}, PoolIDs: []configstore.ObjectID{poolID}}

	pool, err := modelpool.Build(context.Background(), store, fakeRegistry{}, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := pool.Select("gpt-4o"); err != nil {
		t.Errorf("expected gpt-4o to resolve: %v", err)
	}
	if _, err := pool.Select("smart"); err != nil {
		t.Errorf("expected smart (from pool) to resolve: %v", err)
	}
	if _, err := pool.Select("claude"); err == nil {
		t.Errorf("claude alias should not be directly reachable (only via pool's virtual name)")
	}
}

func TestBuildSkipsDisabledAndMissingProviders(t *testing.T) {
	enabled := configstore.ObjectID{1}
	disabled := configstore.ObjectID{2}
	missing := configstore.ObjectID{3}

	store := &fakeStore{
		providers: map[configstore.ObjectID]*configstore.ProviderDoc{
			enabled:  {ID: enabled, Kind: "openai", Models: []configstore.ModelEntry{{Alias: "a", Enabled: true}}},
			disabled: {ID: disabled, Kind: "azure", Status: configstore.ProviderDisabled, Models: []configstore.ModelEntry{{Alias: "b", Enabled: true}}},
		},
	}

	key := &configstore.APIKeyDoc{ProviderIDs: []configstore.ObjectID{enabled, disabled, missing}}
	pool, err := modelpool.Build(context.Background(), store, fakeRegistry{}, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := pool.Select("a"); err != nil {
		t.Errorf("expected enabled provider's alias to resolve: %v", err)
	}
	if _, err := pool.Select("b"); err == nil {
		t.Error("disabled provider's alias should not resolve")
	}
}
