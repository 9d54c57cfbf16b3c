// Package modelpool builds the caller-visible alias → (model, provider)
// mapping described in SPEC_FULL.md §4.3: the merge of an API key's directly
// permitted providers and its permitted pools into one lookup table, with
// feature filtering and provider-prefixed resolution.
package modelpool

import (
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Entry pairs one offered model with the provider client that serves it.
type Entry struct {
	Model      configstore.ModelEntry
	Provider   providers.Provider
	Kind       string               // provider kind tag, e.g. "openai", "azure" — used for the provider-prefixed lookup.
	ProviderID configstore.ObjectID // the backing ProviderDoc's id, for budget-cache lookups (§4.5).

	// UnbudgetedUntil carries the backing ProviderDoc's suspension deadline
	// (nil if the provider is not suspended) so the invoke pipeline's
	// preflight check can reject a candidate without a second store lookup.
	UnbudgetedUntil *time.Time
}

// Pool is an ordered mapping from caller-visible model alias to the list of
// entries that can serve it, plus a tag set.
type Pool struct {
	entries map[string][]Entry
	tags    map[string]struct{}
}

// New builds an empty Pool.
func New() *Pool {
	return &Pool{entries: make(map[string][]Entry), tags: make(map[string]struct{})}
}

// AddProviderModels registers every enabled model of one provider document
// under its own alias, keyed directly (the "directly permitted providers"
// merge source).
func (p *Pool) AddProviderModels(kind string, client providers.Provider, doc *configstore.ProviderDoc) {
	for _, m := range doc.Models {
		if !m.Enabled {
			continue
		}
		p.entries[m.Alias] = append(p.entries[m.Alias], Entry{
			Model: m, Provider: client, Kind: kind, ProviderID: doc.ID,
			UnbudgetedUntil: doc.UnbudgetedUntil,
		})
	}
	for _, t := range doc.Tags {
		p.tags[t] = struct{}{}
	}
}

// AddPoolModels registers a named pool's references under the pool's own
// virtual model name (the "permitted pools" merge source). kinds, clients,
// models, and unbudgeted are keyed by ObjectID and must already be
// resolved by the caller (the registry, §4.2).
func (p *Pool) AddPoolModels(poolName string, refs []configstore.PoolModelRef, kinds map[configstore.ObjectID]string, clients map[configstore.ObjectID]providers.Provider, models map[configstore.ObjectID]map[string]configstore.ModelEntry, unbudgeted map[configstore.ObjectID]*time.Time) {
	for _, ref := range refs {
		client, ok := clients[ref.ProviderID]
		if !ok {
			continue
		}
		m, ok := models[ref.ProviderID][ref.Alias]
		if !ok {
			continue
		}
		p.entries[poolName] = append(p.entries[poolName], Entry{
			Model: m, Provider: client, Kind: kinds[ref.ProviderID], ProviderID: ref.ProviderID,
			UnbudgetedUntil: unbudgeted[ref.ProviderID],
		})
	}
}

// Select resolves a caller-supplied model name, honoring the
// "provider_name/alias" prefixed form, and returns the matching entries in
// insertion order. Satisfies SPEC_FULL.md §8 property 2: the result is
// always a non-empty list or exactly one of ErrUnlistedModel /
// ErrUnknownProvider.
func (p *Pool) Select(model string) ([]Entry, error) {
	if kind, alias, ok := strings.Cut(model, "/"); ok {
		entries, exists := p.entries[alias]
		if !exists {
			return nil, &ctxerr.ErrUnlistedModel{Alias: alias, KnownAlias: p.KnownAliases()}
		}
		var filtered []Entry
		for _, e := range entries {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			return nil, &ctxerr.ErrUnknownProvider{Provider: kind}
		}
		return filtered, nil
	}

	entries, ok := p.entries[model]
	if !ok || len(entries) == 0 {
		return nil, &ctxerr.ErrUnlistedModel{Alias: model, KnownAlias: p.KnownAliases()}
	}
	return entries, nil
}

// KnownAliases lists every registered alias, sorted, for error messages.
func (p *Pool) KnownAliases() []string {
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FeatureSet is satisfied by anything exposing its supported request
// features, kept distinct from providers.Provider so mock providers in tests
// don't have to implement it.
type FeatureSet interface {
	Features() map[string]bool
}

// FeaturesOnly returns a new Pool containing only entries whose provider
// supports every one of the requested features. Returns ErrUnsupportedFeatures
// if the result would be empty.
func (p *Pool) FeaturesOnly(features ...string) (*Pool, error) {
	out := New()
	for alias, entries := range p.entries {
		for _, e := range entries {
			fs, ok := e.Provider.(FeatureSet)
			if !ok {
				continue
			}
			supported := fs.Features()
			all := true
			for _, f := range features {
				if !supported[f] {
					all = false
					break
				}
			}
			if all {
				out.entries[alias] = append(out.entries[alias], e)
			}
		}
	}
	if len(out.entries) == 0 {
		return nil, &ctxerr.ErrUnsupportedFeatures{Features: features}
	}
	for t := range p.tags {
		out.tags[t] = struct{}{}
	}
	return out, nil
}

// Tags returns the merged tag set across every provider/pool folded in.
func (p *Pool) Tags() []string {
	out := make([]string, 0, len(p.tags))
	for t := range p.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
