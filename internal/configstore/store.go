package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/scope"
)

// hotPathTTL bounds how stale a memoized key/provider/pool/policy lookup may
// be; mutations via the control-panel CRUD are observed within one TTL
// window, per SPEC_FULL.md §3 "Lifecycles".
const hotPathTTL = 5 * time.Second

const (
	collAPIKeys   = "api_keys"
	collProviders = "providers"
	collPools     = "pools"
	collPolicies  = "policies"
	collBudgets   = "budgets"
	collAlerts    = "alerts"
)

// Store is the typed find-one/find-many/update-one/delete-one surface over
// the document collections of SPEC_FULL.md §3, backed by MongoDB.
// Hot-path single-document lookups (key by hash, provider/pool/policy by id)
// are memoized through an injected short-TTL cache, keyed by collection and
// id (or key hash). updated_at is not part of the key, so a mutation becomes
// visible once the cached entry's TTL lapses.
type Store struct {
	db    *mongo.Database
	cache npCache.Cache
	log   *slog.Logger
}

// New wraps an already-connected mongo.Database. cache may be nil, in which
// case lookups always hit Mongo.
func New(db *mongo.Database, cache npCache.Cache, log *slog.Logger) *Store {
	return &Store{db: db, cache: cache, log: log}
}

// Connect dials MongoDB and pings it, mirroring app.connectRedis's
// connect-then-verify idiom.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("configstore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("configstore: ping: %w", err)
	}
	return client, nil
}

// KeyByHash loads an APIKeyDoc by its hash. Memoized.
func (s *Store) KeyByHash(ctx context.Context, hash string) (*APIKeyDoc, error) {
	var doc APIKeyDoc
	ck := "apikey:" + hash
	if s.fromCache(ctx, ck, &doc) {
		return &doc, nil
	}
	err := s.db.Collection(collAPIKeys).FindOne(ctx, bson.M{"hash": hash}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: key by hash: %w", err)
	}
	s.toCache(ctx, ck, &doc)
	return &doc, nil
}

// ProviderByID loads a ProviderDoc by id. Memoized.
func (s *Store) ProviderByID(ctx context.Context, id ObjectID) (*ProviderDoc, error) {
	var doc ProviderDoc
	ck := "provider:" + id.String()
	if s.fromCache(ctx, ck, &doc) {
		return &doc, nil
	}
	err := s.db.Collection(collProviders).FindOne(ctx, bson.M{"_id": toBSON(id)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: provider by id: %w", err)
	}
	s.toCache(ctx, ck, &doc)
	return &doc, nil
}

// PoolByID loads a PoolDoc by id. Memoized.
func (s *Store) PoolByID(ctx context.Context, id ObjectID) (*PoolDoc, error) {
	var doc PoolDoc
	ck := "pool:" + id.String()
	if s.fromCache(ctx, ck, &doc) {
		return &doc, nil
	}
	err := s.db.Collection(collPools).FindOne(ctx, bson.M{"_id": toBSON(id)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: pool by id: %w", err)
	}
	s.toCache(ctx, ck, &doc)
	return &doc, nil
}

// PolicyByID loads a PolicyDoc by id. Memoized.
func (s *Store) PolicyByID(ctx context.Context, id ObjectID) (*PolicyDoc, error) {
	var doc PolicyDoc
	ck := "policy:" + id.String()
	if s.fromCache(ctx, ck, &doc) {
		return &doc, nil
	}
	err := s.db.Collection(collPolicies).FindOne(ctx, bson.M{"_id": toBSON(id)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: policy by id: %w", err)
	}
	s.toCache(ctx, ck, &doc)
	return &doc, nil
}

// FindBudgets returns every BudgetDoc, optionally filtered to limited-only
// (used by the budget maintainer loop, which runs unscoped — it is a
// system-level process, not a caller request).
func (s *Store) FindBudgets(ctx context.Context, limitedOnly bool) ([]BudgetDoc, error) {
	filter := bson.M{}
	if limitedOnly {
		filter["limited"] = true
	}
	cur, err := s.db.Collection(collBudgets).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("configstore: find budgets: %w", err)
	}
	defer cur.Close(ctx)

	var out []BudgetDoc
	for cur.Next(ctx) {
		var b BudgetDoc
		if err := cur.Decode(&b); err != nil {
			return nil, fmt.Errorf("configstore: decode budget: %w", err)
		}
		out = append(out, b)
	}
	return out, cur.Err()
}

// scopeFilter builds the Mongo filter fragment implementing §4.1's scoping
// rule: unscoped contexts filter nothing; scoped contexts match documents
// whose "scopes" array contains the wildcard or a path that is a prefix of
// (or prefixed by) one of the caller's allowed paths.
func scopeFilter(sc scope.Context) bson.M {
	if sc.IsUnscoped() {
		return bson.M{}
	}
	paths := sc.Paths()
	ors := make([]bson.M, 0, len(paths)+1)
	ors = append(ors, bson.M{"scopes": scope.Wildcard})
	for _, p := range paths {
		ors = append(ors, bson.M{"scopes": p})
		ors = append(ors, bson.M{"scopes": bson.M{"$regex": "^" + regexQuoteMeta(p)}})
		for i := 0; i < len(p)-1; i++ {
			if p[i] == '/' {
				ors = append(ors, bson.M{"scopes": p[:i+1]})
			}
		}
	}
	return bson.M{"$or": ors}
}

func regexQuoteMeta(s string) string {
	special := `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		for j := 0; j < len(special); j++ {
			if c == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, c)
	}
	return string(out)
}

// FindProviders returns every ProviderDoc visible under sc — the scoped
// find-many surface §4.1 describes.
func (s *Store) FindProviders(ctx context.Context, sc scope.Context) ([]ProviderDoc, error) {
	cur, err := s.db.Collection(collProviders).Find(ctx, scopeFilter(sc))
	if err != nil {
		return nil, fmt.Errorf("configstore: find providers: %w", err)
	}
	defer cur.Close(ctx)
	var out []ProviderDoc
	for cur.Next(ctx) {
		var p ProviderDoc
		if err := cur.Decode(&p); err != nil {
			return nil, fmt.Errorf("configstore: decode provider: %w", err)
		}
		out = append(out, p)
	}
	return out, cur.Err()
}

// FindAlerts returns every AlertDoc. Alerts have no scope list of their own
// (SPEC_FULL.md §3), and FindAlerts applies no scope filter.
func (s *Store) FindAlerts(ctx context.Context) ([]AlertDoc, error) {
	cur, err := s.db.Collection(collAlerts).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("configstore: find alerts: %w", err)
	}
	defer cur.Close(ctx)

	var out []AlertDoc
	for cur.Next(ctx) {
		var a AlertDoc
		if err := cur.Decode(&a); err != nil {
			return nil, fmt.Errorf("configstore: decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, cur.Err()
}

// ExistingBudgetFor enforces the "at most one budget per watched object"
// invariant (SPEC_FULL.md §8 property 1) by looking for an existing row
// before an insert.
func (s *Store) ExistingBudgetFor(ctx context.Context, owner string, watched ObjectID) (*BudgetDoc, error) {
	var doc BudgetDoc
	err := s.db.Collection(collBudgets).FindOne(ctx, bson.M{"owner": owner, "watched_id": toBSON(watched)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: existing budget: %w", err)
	}
	return &doc, nil
}

// BudgetForWatched finds any budget document watching id, owner-agnostic —
// used to resolve an AlertDoc's percentage threshold against its watched
// object's budget amount, since AlertDoc (unlike BudgetDoc) carries no owner
// of its own to narrow the lookup by.
func (s *Store) BudgetForWatched(ctx context.Context, watched ObjectID) (*BudgetDoc, error) {
	var doc BudgetDoc
	err := s.db.Collection(collBudgets).FindOne(ctx, bson.M{"watched_id": toBSON(watched)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: budget for watched: %w", err)
	}
	return &doc, nil
}

// UpdateAlert persists mutations made by the recycler/watchdog loops.
func (s *Store) UpdateAlert(ctx context.Context, a AlertDoc) error {
	_, err := s.db.Collection(collAlerts).ReplaceOne(ctx, bson.M{"_id": toBSON(a.ID)}, a)
	if err != nil {
		return fmt.Errorf("configstore: update alert: %w", err)
	}
	return nil
}

// Providers returns the ProviderDocs matching ids, in no particular order —
// used to resolve a key's ProviderIDs into full documents for modelpool
// assembly (§4.3).
func (s *Store) Providers(ctx context.Context, ids []ObjectID) ([]ProviderDoc, error) {
	bids := make([]bson.Binary, 0, len(ids))
	for _, id := range ids {
		bids = append(bids, toBSON(id))
	}
	cur, err := s.db.Collection(collProviders).Find(ctx, bson.M{"_id": bson.M{"$in": bids}})
	if err != nil {
		return nil, fmt.Errorf("configstore: providers: %w", err)
	}
	defer cur.Close(ctx)
	var out []ProviderDoc
	for cur.Next(ctx) {
		var p ProviderDoc
		if err := cur.Decode(&p); err != nil {
			return nil, fmt.Errorf("configstore: decode provider: %w", err)
		}
		out = append(out, p)
	}
	return out, cur.Err()
}

func toBSON(id ObjectID) bson.Binary {
	return bson.Binary{Subtype: 0x00, Data: id[:]}
}

func (s *Store) fromCache(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if s.log != nil {
			s.log.Warn("configstore: corrupt cache entry", slog.String("key", key), slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

func (s *Store) toCache(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, key, raw, hotPathTTL)
}
