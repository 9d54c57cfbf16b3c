// Package reqcontext implements the per-request object SPEC_FULL.md §4.6
// describes: the resolved API-key document, the caller's merged model pool,
// the active hook set, the running policy digest and event list, and the
// token map backing the PII hook's Tokenization action. It is the single
// mutable object one request's handling threads through, replacing the
// original's implicit per-request state carried on a server-side session —
// see SPEC_FULL.md §9 "global mutable state → explicit".
package reqcontext

import (
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/modelpool"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/policy/pii"
)

// Context is the per-request state the invoke pipeline reads and writes.
// Not safe for concurrent use — exactly one goroutine owns a request.
type Context struct {
	Key   *configstore.APIKeyDoc
	Pool  *modelpool.Pool
	Hooks policy.Set

	RequestID string
	startedAt time.Time

	// Current selects the (model_info, provider) pair presently being
	// attempted; the pipeline updates it once per failover candidate.
	Current modelpool.Entry

	Misc map[string]any

	PolicyResponses []PolicyResponse
	PolicyEvents    []policy.Event
	UsageKwargs     map[string]any

	hasher digestHasher
	tokens *pii.TokenMap
}

// PolicyResponse is one public-facing hook result attached to a successful
// response's trussed_controller_policy field.
type PolicyResponse struct {
	PolicyType string
	Result     any
}

// digestHasher is the minimal hash.Hash surface Context needs; kept as an
// interface so tests can substitute a fake without linking blake2s.
type digestHasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// FromAPIKey builds a Context for one request given the caller's resolved
// key and already-merged pool snapshot (internal/httpapi builds the snapshot
// per request with modelpool.Build before calling this, per §4.2/§4.3).
func FromAPIKey(key *configstore.APIKeyDoc, pool *modelpool.Pool, hooks policy.Set, requestID string) *Context {
	h, _ := blake2s.New256(nil)
	return &Context{
		Key:         key,
		Pool:        pool,
		Hooks:       hooks,
		RequestID:   requestID,
		startedAt:   time.Now(),
		Misc:        make(map[string]any),
		UsageKwargs: make(map[string]any),
		hasher:      h,
		tokens:      pii.NewTokenMap(),
	}
}

// Select performs the provider-prefixed model lookup described in §4.3,
// returning the candidate (model_info, provider) pairs in order.
func (c *Context) Select(model string) ([]modelpool.Entry, error) {
	return c.Pool.Select(model)
}

// Record implements policy.Recorder: it appends the event to the private
// PolicyEvents list and folds (sample, hook identity) into the running
// digest so repeated identical events across a request collapse into one
// fingerprint (§4.4, §8 property 4).
func (c *Context) Record(e policy.Event) {
	c.PolicyEvents = append(c.PolicyEvents, e)
	if c.hasher != nil {
		c.hasher.Write([]byte(e.Hook))
		c.hasher.Write([]byte{0})
		c.hasher.Write([]byte(e.Sample))
		c.hasher.Write([]byte{0})
	}
}

// Tokens implements policy.TokenStore, giving the PII hook's Tokenization
// action a place to remember the token→original mapping for this request.
func (c *Context) Tokens() *pii.TokenMap { return c.tokens }

// Digest returns the hex-encoded running blake2s digest of every policy
// event recorded so far — the usage record's policy_digest field.
func (c *Context) Digest() string {
	if c.hasher == nil {
		return ""
	}
	sum := c.hasher.Sum(nil)
	const hex = "0123456789abcdef"
	buf := make([]byte, len(sum)*2)
	for i, b := range sum {
		buf[i*2] = hex[b>>4]
		buf[i*2+1] = hex[b&0xf]
	}
	return string(buf)
}

// Elapsed returns the time since the context was constructed, for the
// usage record's response_time_ms field.
func (c *Context) Elapsed() time.Duration { return time.Since(c.startedAt) }

// AttachPolicyResponse records one public-facing hook result, in hook
// firing order, for the response's trussed_controller_policy field.
func (c *Context) AttachPolicyResponse(policyType string, result any) {
	c.PolicyResponses = append(c.PolicyResponses, PolicyResponse{PolicyType: policyType, Result: result})
}
