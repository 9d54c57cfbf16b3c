// Package registry caches provider-kind-tagged clients built from
// configstore.ProviderDoc, grounded on proxy.CircuitBreaker's per-entity
// mutex-map pattern (§4.2), generalized from per-provider-name breaker state
// to per-document-id client state with a TTL and an updated_at freshness
// check.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/amlscore"
	anthropicprov "github.com/nulpointcorp/llm-gateway/internal/providers/anthropic"
	azureprov "github.com/nulpointcorp/llm-gateway/internal/providers/azure"
	bedrockprov "github.com/nulpointcorp/llm-gateway/internal/providers/bedrock"
	geminiprov "github.com/nulpointcorp/llm-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/llm-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/llm-gateway/internal/providers/openai"
	"github.com/nulpointcorp/llm-gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/nulpointcorp/llm-gateway/internal/providers/vertexai"
)

// ttl bounds how long a cached client is served before its ProviderDoc is
// re-read, per §4.2 "A provider client built from (llm_id) is cached with a
// 60-second TTL".
const ttl = 60 * time.Second

// Factory builds a providers.Provider from a ProviderDoc's credentials map.
// Registered per ProviderDoc.Kind.
type Factory func(ctx context.Context, doc configstore.ProviderDoc) (providers.Provider, error)

// entry is one cached client plus the freshness markers that trigger a
// rebuild: TTL expiry or an observed change to the backing doc's UpdatedAt.
type entry struct {
	mu        sync.Mutex
	client    providers.Provider
	builtAt   time.Time
	updatedAt time.Time
}

// Registry is a process-shared, read-mostly cache of provider clients keyed
// by ProviderDoc id. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[configstore.ObjectID]*entry
	factories map[string]Factory
}

// New builds a Registry pre-populated with defaultFactories.
func New() *Registry {
	return &Registry{
		entries:   make(map[configstore.ObjectID]*entry),
		factories: defaultFactories(),
	}
}

// Register overrides or adds a Factory for kind — used to wire test doubles
// or provider kinds introduced after the registry was built.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Get returns the cached or freshly-built client for doc. A disabled or
// deleted provider — represented by the caller passing a nil doc (not
// found), or by Status == ProviderDisabled — returns (nil, false, nil).
func (r *Registry) Get(ctx context.Context, doc *configstore.ProviderDoc) (providers.Provider, bool, error) {
	if doc == nil || doc.Status == configstore.ProviderDisabled {
		return nil, false, nil
	}

	e := r.entryFor(doc.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := e.client != nil &&
		time.Since(e.builtAt) < ttl &&
		e.updatedAt.Equal(doc.UpdatedAt)
	if fresh {
		return e.client, true, nil
	}

	factory, ok := r.factory(doc.Kind)
	if !ok {
		return nil, false, fmt.Errorf("registry: no factory registered for provider kind %q", doc.Kind)
	}
	client, err := factory(ctx, *doc)
	if err != nil {
		return nil, false, fmt.Errorf("registry: build %s client: %w", doc.Kind, err)
	}

	e.client = client
	e.builtAt = time.Now()
	e.updatedAt = doc.UpdatedAt
	return client, true, nil
}

func (r *Registry) entryFor(id configstore.ObjectID) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e = &entry{}
	r.entries[id] = e
	return e
}

func (r *Registry) factory(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

func cred(doc configstore.ProviderDoc, key string) string { return doc.Credentials[key] }

func defaultFactories() map[string]Factory {
	return map[string]Factory{
		"openai": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			key := cred(doc, "api_key")
			if key == "" {
				return nil, fmt.Errorf("missing api_key credential")
			}
			var opts []openaiprov.Option
			if u := cred(doc, "base_url"); u != "" {
				opts = append(opts, openaiprov.WithBaseURL(u))
			}
			return openaiprov.New(key, opts...), nil
		},
		"anthropic": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			key := cred(doc, "api_key")
			if key == "" {
				return nil, fmt.Errorf("missing api_key credential")
			}
			var opts []anthropicprov.Option
			if u := cred(doc, "base_url"); u != "" {
				opts = append(opts, anthropicprov.WithBaseURL(u))
			}
			return anthropicprov.New(key, opts...), nil
		},
		"gemini": func(ctx context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			key := cred(doc, "api_key")
			if key == "" {
				return nil, fmt.Errorf("missing api_key credential")
			}
			var opts []geminiprov.Option
			if u := cred(doc, "base_url"); u != "" {
				opts = append(opts, geminiprov.WithBaseURL(u))
			}
			return geminiprov.New(ctx, key, opts...), nil
		},
		"mistral": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			key := cred(doc, "api_key")
			if key == "" {
				return nil, fmt.Errorf("missing api_key credential")
			}
			var opts []mistralprov.Option
			if u := cred(doc, "base_url"); u != "" {
				opts = append(opts, mistralprov.WithBaseURL(u))
			}
			return mistralprov.New(key, opts...), nil
		},
		"azure": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			endpoint, key, version := cred(doc, "endpoint"), cred(doc, "api_key"), cred(doc, "api_version")
			if endpoint == "" || key == "" {
				return nil, fmt.Errorf("missing endpoint/api_key credential")
			}
			return azureprov.New(endpoint, key, version), nil
		},
		"bedrock": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			access, secret, region := cred(doc, "access_key"), cred(doc, "secret_key"), cred(doc, "region")
			if access == "" || secret == "" || region == "" {
				return nil, fmt.Errorf("missing access_key/secret_key/region credential")
			}
			return bedrockprov.New(access, secret, region), nil
		},
		"vertexai": func(ctx context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			project := cred(doc, "project")
			if project == "" {
				return nil, fmt.Errorf("missing project credential")
			}
			var opts []vertexaiprov.Option
			if loc := cred(doc, "location"); loc != "" {
				opts = append(opts, vertexaiprov.WithLocation(loc))
			}
			return vertexaiprov.New(ctx, project, opts...)
		},
		"openaicompat": func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			key, url := cred(doc, "api_key"), cred(doc, "base_url")
			if key == "" || url == "" {
				return nil, fmt.Errorf("missing api_key/base_url credential")
			}
			return openaicompat.New(doc.ID.String(), key, url), nil
		},
		string(amlscore.KindChat): func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			return newAMLScore(doc, amlscore.KindChat)
		},
		string(amlscore.KindPrompt): func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			return newAMLScore(doc, amlscore.KindPrompt)
		},
		string(amlscore.KindEmbedding): func(_ context.Context, doc configstore.ProviderDoc) (providers.Provider, error) {
			return newAMLScore(doc, amlscore.KindEmbedding)
		},
	}
}

func newAMLScore(doc configstore.ProviderDoc, kind amlscore.Kind) (providers.Provider, error) {
	url, key := cred(doc, "scoring_url"), cred(doc, "api_key")
	if url == "" || key == "" {
		return nil, fmt.Errorf("missing scoring_url/api_key credential")
	}
	return amlscore.New(doc.ID.String(), kind, url, cred(doc, "deployment"), key), nil
}
