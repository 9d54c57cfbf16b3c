package modelpool

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// clientResolver is the narrow registry.Registry surface Build needs —
// resolving one already-loaded ProviderDoc into a live client.
type clientResolver interface {
	Get(ctx context.Context, doc *configstore.ProviderDoc) (providers.Provider, bool, error)
}

// docStore is the narrow configstore.Store surface Build needs.
type docStore interface {
	ProviderByID(ctx context.Context, id configstore.ObjectID) (*configstore.ProviderDoc, error)
	PoolByID(ctx context.Context, id configstore.ObjectID) (*configstore.PoolDoc, error)
}

// Build assembles a Pool for one API key, merging its directly permitted
// providers and its permitted pools per §4.3. A disabled or deleted provider
// is skipped for the directly-permitted merge and silently excluded from pool
// refs — a caller losing one upstream should not break every other alias the
// key can reach. A store lookup or registry build error fails the whole Build.
func Build(ctx context.Context, store docStore, reg clientResolver, key *configstore.APIKeyDoc) (*Pool, error) {
	pool := New()

	providerDocs := make(map[configstore.ObjectID]*configstore.ProviderDoc, len(key.ProviderIDs))
	for _, id := range key.ProviderIDs {
		doc, err := store.ProviderByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("modelpool: provider %s: %w", id, err)
		}
		if doc == nil {
			continue
		}
		providerDocs[id] = doc

		client, ok, err := reg.Get(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("modelpool: build client for provider %s: %w", id, err)
		}
		if !ok {
			continue
		}
		pool.AddProviderModels(doc.Kind, client, doc)
	}

	for _, poolID := range key.PoolIDs {
		poolDoc, err := store.PoolByID(ctx, poolID)
		if err != nil {
			return nil, fmt.Errorf("modelpool: pool %s: %w", poolID, err)
		}
		if poolDoc == nil {
			continue
		}

		kinds := make(map[configstore.ObjectID]string)
		clients := make(map[configstore.ObjectID]providers.Provider)
		models := make(map[configstore.ObjectID]map[string]configstore.ModelEntry)
		unbudgeted := make(map[configstore.ObjectID]*time.Time)

		resolveRef := func(providerID configstore.ObjectID) error {
			if _, ok := kinds[providerID]; ok {
				return nil
			}
			doc, ok := providerDocs[providerID]
			if !ok {
				var err error
				doc, err = store.ProviderByID(ctx, providerID)
				if err != nil {
					return fmt.Errorf("modelpool: pool provider %s: %w", providerID, err)
				}
				if doc == nil {
					return nil
				}
				providerDocs[providerID] = doc
			}

			client, ok, err := reg.Get(ctx, doc)
			if err != nil {
				return fmt.Errorf("modelpool: build client for provider %s: %w", providerID, err)
			}
			if !ok {
				return nil
			}

			kinds[providerID] = doc.Kind
			clients[providerID] = client
			unbudgeted[providerID] = doc.UnbudgetedUntil
			byAlias := make(map[string]configstore.ModelEntry, len(doc.Models))
			for _, m := range doc.Models {
				byAlias[m.Alias] = m
			}
			models[providerID] = byAlias
			return nil
		}

		// poolDoc.Models maps each virtual name the pool exposes to the
		// ordered list of (provider, alias) refs that can serve it.
		for virtualName, refs := range poolDoc.Models {
			for _, ref := range refs {
				if err := resolveRef(ref.ProviderID); err != nil {
					return nil, err
				}
			}
			pool.AddPoolModels(virtualName, refs, kinds, clients, models, unbudgeted)
		}
	}

	return pool, nil
}
