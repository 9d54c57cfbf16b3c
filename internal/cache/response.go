package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CachedResponse is the serialized form of a non-streaming provider response
// stored by a ResponseCache entry.
type CachedResponse struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ResponseCache is the exact-match completion cache described by this
// package's key format: SHA-256(workspace_id + provider + model +
// temperature + messages_json). A request whose model Matches the
// ExclusionList is never read from or written to the cache.
type ResponseCache struct {
	backend    Cache
	exclusions *ExclusionList
	ttl        time.Duration
}

// NewResponseCache wraps backend (nil disables caching entirely) with
// exclusions and a default entry TTL.
func NewResponseCache(backend Cache, exclusions *ExclusionList, ttl time.Duration) *ResponseCache {
	return &ResponseCache{backend: backend, exclusions: exclusions, ttl: ttl}
}

// Key computes the exact-match cache key for one candidate attempt.
func Key(workspaceID, provider, model string, temperature float64, messagesJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(workspaceID))
	h.Write([]byte(provider))
	h.Write([]byte(model))
	fmt.Fprintf(h, "%g", temperature)
	h.Write(messagesJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// Eligible reports whether model may be served from or written to the cache.
// A nil ResponseCache or one with no backend configured is never eligible.
func (rc *ResponseCache) Eligible(model string) bool {
	if rc == nil || rc.backend == nil {
		return false
	}
	return !rc.exclusions.Matches(model)
}

// Get looks up key and returns the decoded response on a hit.
func (rc *ResponseCache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	if rc == nil || rc.backend == nil {
		return nil, false
	}
	raw, ok := rc.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var out CachedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// Set stores resp under key. Marshal/backend errors are swallowed — a cache
// write failure must never fail the request it's caching.
func (rc *ResponseCache) Set(ctx context.Context, key string, resp *CachedResponse) {
	if rc == nil || rc.backend == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = rc.backend.Set(ctx, key, raw, rc.ttl)
}
