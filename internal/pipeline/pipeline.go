// Package pipeline implements the invoke pipeline of SPEC_FULL.md §4.7: hook
// entries run against the request, candidate providers are tried in order
// with failover, the response is folded through the collected hook tails,
// and a usage record is written exactly once per §8 property 3. It is the
// Go-idiom replacement for the original's exception-driven InstantApiResponse
// control flow (§9): a hook short-circuit surfaces as a *policyerr.Instant,
// which the caller recognizes with errors.As rather than treating as a
// processing failure.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/budgetcache"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/modelpool"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/reqcontext"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

// Invoker holds the shared dependencies every Invoke call reads from:
// the budget cache for cost annotation, the usage writer for the
// append-only record stream, an optional exact-match response cache, and a
// logger for per-attempt diagnostics.
type Invoker struct {
	Budget   *budgetcache.Store
	Usage    *usage.Writer
	Response *npCache.ResponseCache
	Metrics  *metrics.Registry
	Log      *slog.Logger
}

// New builds an Invoker. budget, usageWriter and respCache may be nil in
// tests that don't exercise those paths — all are nil-checked before use,
// matching the teacher's nil-safe optional-dependency convention in
// proxy.Gateway.
func New(budget *budgetcache.Store, usageWriter *usage.Writer, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{Budget: budget, Usage: usageWriter, Log: log}
}

// WithResponseCache attaches an exact-match completion cache to an already
// constructed Invoker, returning it for chaining.
func (p *Invoker) WithResponseCache(rc *npCache.ResponseCache) *Invoker {
	p.Response = rc
	return p
}

// WithMetrics attaches a Prometheus registry to an already constructed
// Invoker, returning it for chaining.
func (p *Invoker) WithMetrics(reg *metrics.Registry) *Invoker {
	p.Metrics = reg
	return p
}

// estimateTokens is the preflight token estimate §4.7 specifies: the word
// count of every user message divided by 0.75.
func estimateTokens(req *providers.ProxyRequest) int {
	words := 0
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		words += len(strings.Fields(m.Content))
	}
	return int(float64(words) / 0.75)
}

// preflight rejects a candidate before it is ever called, per §4.7
// "Preflight per provider". unbudgetedUntil is the candidate's backing
// ProviderDoc.UnbudgetedUntil (nil if the provider isn't suspended) —
// distinct from the key-level suspension authgate.Gate already checks.
func preflight(entry modelpool.Entry, unbudgetedUntil *time.Time, maxPromptTokens int, req *providers.ProxyRequest, now time.Time) error {
	if unbudgetedUntil != nil && unbudgetedUntil.After(now) {
		return &ctxerr.ErrUnbudgetedLLM{Delta: unbudgetedUntil.Sub(now).Seconds()}
	}
	if maxPromptTokens > 0 {
		if est := estimateTokens(req); est > maxPromptTokens {
			return &ctxerr.ErrPromptLimit{Limit: maxPromptTokens}
		}
	}
	return nil
}

// responseCacheKey builds the exact-match cache key for one candidate
// attempt, per internal/cache's documented key format: SHA-256(workspace_id +
// provider + model + temperature + messages_json). workspace_id is the
// caller key's Owner, the closest SPEC_FULL.md analogue to a workspace scope.
func (p *Invoker) responseCacheKey(rc *reqcontext.Context, cand modelpool.Entry, req *providers.ProxyRequest) string {
	owner := ""
	if rc.Key != nil {
		owner = rc.Key.Owner
	}
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		msgs = nil
	}
	return npCache.Key(owner, cand.Kind, cand.Model.Name, req.Temperature, msgs)
}

// recordFailover emits a failover-event metric when there is a next
// candidate to fall back to. A nil p.Metrics makes every call a no-op.
func (p *Invoker) recordFailover(primary, from string, candidates []modelpool.Entry, i int, reason string) {
	if p.Metrics == nil || i+1 >= len(candidates) {
		return
	}
	p.Metrics.RecordFailover(primary, from, candidates[i+1].Kind, reason)
}

// recordFailoverOutcome records a failover-success metric when a
// non-primary candidate (index i > 0) is the one that actually answered.
func (p *Invoker) recordFailoverOutcome(primary, to string, i int) {
	if p.Metrics == nil || i == 0 {
		return
	}
	p.Metrics.RecordFailoverSuccess(primary, to)
}

func (p *Invoker) recordUpstreamAttempt(provider, route string, err error, dur time.Duration) {
	if p.Metrics == nil {
		return
	}
	outcome := "success"
	status := 200
	if err != nil {
		outcome = "error"
		status = 500
		errType := "provider_error"
		if sc, ok := err.(providers.StatusCoder); ok {
			status = sc.HTTPStatus()
		}
		if dsc, ok := err.(providers.DetailedStatusCoder); ok && dsc.ErrorType() != "" {
			errType = dsc.ErrorType()
		}
		p.Metrics.RecordError(provider, errType)
	}
	p.Metrics.ObserveUpstreamAttempt(provider, route, outcome, dur)
	p.Metrics.RecordRequest(provider, status, dur.Milliseconds())
	p.Metrics.SetProviderHealth(provider, err == nil)
}

func (p *Invoker) recordTokens(provider, route string, u providers.Usage, cached bool) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.AddTokens(provider, route, u.InputTokens, u.OutputTokens, cached)
}

func (p *Invoker) recordCacheHit() {
	if p.Metrics != nil {
		p.Metrics.CacheGetHit()
	}
}

func (p *Invoker) recordCacheMiss() {
	if p.Metrics != nil {
		p.Metrics.CacheGetMiss()
	}
}

func (p *Invoker) recordCacheBypass() {
	if p.Metrics != nil {
		p.Metrics.CacheGetBypass()
	}
}

func (p *Invoker) recordGatewayRequest(provider, route, cache string, start time.Time) {
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest(provider, route, cache, time.Since(start))
	}
}

// Invoke runs the completion pipeline: resolve candidates, run hook
// entries, call providers in order with failover, fold tails over the
// response, and write exactly one usage record per attempt.
func (p *Invoker) Invoke(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	candidates, err := rc.Select(req.Model)
	if err != nil {
		return nil, err
	}

	tails, err := p.runCompletionEntries(ctx, rc, req)
	var instant *policyerr.Instant
	if errors.As(err, &instant) {
		p.writeEmptyUsage(ctx, rc, req)
		return &providers.ProxyResponse{Content: instantContentString(instant)}, err
	}
	if err != nil {
		return nil, err
	}

	primary := ""
	if len(candidates) > 0 {
		primary = candidates[0].Kind
	}
	invokeStart := time.Now()

	var lastErr error
	for i, cand := range candidates {
		rc.Current = cand
		native := req.Model
		req.Model = cand.Model.Name

		if perr := preflight(cand, cand.UnbudgetedUntil, rc.Key.MaxPromptTokens, req, time.Now()); perr != nil {
			req.Model = native
			lastErr = perr
			p.writeErrorUsage(ctx, rc, req, perr)
			p.recordFailover(primary, cand.Kind, candidates, i, "preflight")
			continue
		}

		cacheable := !req.Stream && p.Response.Eligible(cand.Model.Name)
		cacheKey := ""
		if cacheable {
			cacheKey = p.responseCacheKey(rc, cand, req)
			if cached, ok := p.Response.Get(ctx, cacheKey); ok {
				p.recordCacheHit()
				req.Model = native
				resp := &providers.ProxyResponse{
					ID:      cached.ID,
					Model:   cand.Model.Name,
					Content: cached.Content,
					Usage:   providers.Usage{InputTokens: cached.InputTokens, OutputTokens: cached.OutputTokens},
				}
				for _, tail := range tails {
					var cerr error
					resp, cerr = tail(resp)
					if cerr != nil {
						return nil, cerr
					}
				}
				p.attachBudget(rc, cand)
				p.writeSuccessUsage(ctx, rc, req, resp)
				p.recordTokens(cand.Kind, "chat", resp.Usage, true)
				p.recordFailoverOutcome(primary, cand.Kind, i)
				p.recordGatewayRequest(cand.Kind, "chat", "hit", invokeStart)
				return resp, nil
			}
			p.recordCacheMiss()
		} else {
			p.recordCacheBypass()
		}

		attemptStart := time.Now()
		resp, cerr := cand.Provider.Request(ctx, req)
		req.Model = native
		p.recordUpstreamAttempt(cand.Kind, "chat", cerr, time.Since(attemptStart))
		if cerr != nil {
			lastErr = cerr
			p.writeErrorUsage(ctx, rc, req, cerr)
			p.recordFailover(primary, cand.Kind, candidates, i, "error")
			continue
		}

		if resp.Stream != nil {
			resp = p.wrapTrackingStream(ctx, rc, req, resp, tails)
			return resp, nil
		}

		if cacheable {
			p.Response.Set(ctx, cacheKey, &npCache.CachedResponse{
				ID:           resp.ID,
				Content:      resp.Content,
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			})
			if p.Metrics != nil {
				p.Metrics.CacheSetOK()
			}
		}

		for _, tail := range tails {
			resp, cerr = tail(resp)
			if cerr != nil {
				return nil, cerr
			}
		}
		p.attachBudget(rc, cand)
		p.writeSuccessUsage(ctx, rc, req, resp)
		p.recordTokens(cand.Kind, "chat", resp.Usage, false)
		p.recordFailoverOutcome(primary, cand.Kind, i)
		cacheLabel := "miss"
		if !cacheable {
			cacheLabel = "bypass"
		}
		p.recordGatewayRequest(cand.Kind, "chat", cacheLabel, invokeStart)
		return resp, nil
	}

	if p.Metrics != nil && len(candidates) > 0 {
		p.Metrics.RecordFailoverExhausted(primary)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ctxerr.ErrUnlistedModel{Alias: req.Model, KnownAlias: rc.Pool.KnownAliases()}
}

// InvokeEmbedding runs the embedding-call analogue of Invoke: resolve
// candidates, run embedding hook entries, call providers in order with
// failover, fold the response through the collected tails, and write
// exactly one usage record per attempt. A candidate whose provider does not
// implement providers.EmbeddingProvider is treated as a preflight rejection
// and skipped, matching Invoke's preflight-then-failover shape.
func (p *Invoker) InvokeEmbedding(ctx context.Context, rc *reqcontext.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	candidates, err := rc.Select(req.Model)
	if err != nil {
		return nil, err
	}

	tails, err := p.runEmbeddingEntries(ctx, rc, req)
	var instant *policyerr.Instant
	if errors.As(err, &instant) {
		p.writeEmptyUsage(ctx, rc, &providers.ProxyRequest{Model: req.Model})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, cand := range candidates {
		rc.Current = cand
		embedder, ok := cand.Provider.(providers.EmbeddingProvider)
		if !ok {
			lastErr = &ctxerr.ErrUnsupportedFeatures{Features: []string{"embedding"}}
			continue
		}

		native := req.Model
		req.Model = cand.Model.Name

		attemptStart := time.Now()
		resp, cerr := embedder.Embed(ctx, req)
		req.Model = native
		p.recordUpstreamAttempt(cand.Kind, "embedding", cerr, time.Since(attemptStart))
		if cerr != nil {
			lastErr = cerr
			p.writeErrorEmbeddingUsage(ctx, rc, req, cerr)
			continue
		}

		for _, tail := range tails {
			resp, cerr = tail(resp)
			if cerr != nil {
				return nil, cerr
			}
		}
		p.recordTokens(cand.Kind, "embedding", resp.Usage, false)
		p.attachBudget(rc, cand)
		p.writeSuccessEmbeddingUsage(ctx, rc, req, resp)
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ctxerr.ErrUnlistedModel{Alias: req.Model, KnownAlias: rc.Pool.KnownAliases()}
}

func (p *Invoker) runEmbeddingEntries(ctx context.Context, rc *reqcontext.Context, req *providers.EmbeddingRequest) ([]policy.EmbeddingTail, error) {
	var tails []policy.EmbeddingTail
	for _, h := range rc.Hooks.EmbeddingHooks() {
		tail, err := h.OnEmbedding(ctx, rc, req)
		if err != nil {
			return nil, err
		}
		if tail != nil {
			tails = append(tails, tail)
		}
	}
	return tails, nil
}

func (p *Invoker) writeSuccessEmbeddingUsage(ctx context.Context, rc *reqcontext.Context, req *providers.EmbeddingRequest, resp *providers.EmbeddingResponse) {
	if p.Usage == nil {
		return
	}
	p.Usage.Write(usage.Record{
		Timestamp:      time.Now(),
		ResponseTimeMs: rc.Elapsed().Milliseconds(),
		PromptTokens:   resp.Usage.InputTokens,
		TotalTokens:    resp.Usage.InputTokens,
		Metadata:       usageMetadata(rc, &providers.ProxyRequest{Model: req.Model}),
		PolicyEvents:   policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:   rc.Digest(),
		PolicyCount:    len(rc.PolicyEvents),
	})
}

func (p *Invoker) writeErrorEmbeddingUsage(ctx context.Context, rc *reqcontext.Context, req *providers.EmbeddingRequest, err error) {
	if p.Usage == nil {
		return
	}
	httpCode := 500
	if sc, ok := err.(providers.StatusCoder); ok {
		httpCode = sc.HTTPStatus()
	}
	p.Usage.Write(usage.Record{
		Timestamp:      time.Now(),
		ResponseTimeMs: rc.Elapsed().Milliseconds(),
		IsError:        true,
		Error:          &usage.ErrorInfo{Message: err.Error(), HTTPCode: httpCode},
		Metadata:       usageMetadata(rc, &providers.ProxyRequest{Model: req.Model}),
		PolicyEvents:   policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:   rc.Digest(),
		PolicyCount:    len(rc.PolicyEvents),
	})
}

func (p *Invoker) runCompletionEntries(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest) ([]policy.CompletionTail, error) {
	var tails []policy.CompletionTail
	for _, h := range rc.Hooks.CompletionHooks() {
		tail, err := h.OnCompletion(ctx, rc, req)
		if err != nil {
			return nil, err
		}
		if tail != nil {
			tails = append(tails, tail)
		}
	}
	return tails, nil
}

func instantContentString(i *policyerr.Instant) string {
	if s, ok := i.Body.(string); ok {
		return s
	}
	return ""
}

// attachBudget reads the budget-cache entries for the caller's key and the
// selected provider, and keeps whichever has the smaller remaining balance
// (§4.5), storing its remaining and spent values on the context's
// UsageKwargs. No HTTP handler copies them into the response body.
func (p *Invoker) attachBudget(rc *reqcontext.Context, cand modelpool.Entry) {
	if p.Budget == nil {
		return
	}
	keyEntry, keyOK := p.Budget.Get(rc.Key.ID)
	provEntry, provOK := p.Budget.Get(cand.ProviderID)
	entry, ok := budgetcache.Smaller(keyEntry, keyOK, provEntry, provOK)
	if ok {
		rc.UsageKwargs["remaining"] = entry.Remaining
		rc.UsageKwargs["spent"] = entry.Usage
	}
}

func (p *Invoker) writeSuccessUsage(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest, resp *providers.ProxyResponse) {
	if p.Usage == nil {
		return
	}
	p.Usage.Write(usage.Record{
		Timestamp:        time.Now(),
		ResponseTimeMs:   rc.Elapsed().Milliseconds(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Metadata:         usageMetadata(rc, req),
		PolicyEvents:     policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:     rc.Digest(),
		PolicyCount:      len(rc.PolicyEvents),
	})
}

func (p *Invoker) writeErrorUsage(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest, err error) {
	if p.Usage == nil {
		return
	}
	httpCode := 500
	if sc, ok := err.(providers.StatusCoder); ok {
		httpCode = sc.HTTPStatus()
	}
	p.Usage.Write(usage.Record{
		Timestamp:      time.Now(),
		ResponseTimeMs: rc.Elapsed().Milliseconds(),
		IsError:        true,
		Error:          &usage.ErrorInfo{Message: err.Error(), HTTPCode: httpCode},
		Metadata:       usageMetadata(rc, req),
		PolicyEvents:   policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:   rc.Digest(),
		PolicyCount:    len(rc.PolicyEvents),
	})
}

func (p *Invoker) writeEmptyUsage(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest) {
	if p.Usage == nil {
		return
	}
	p.Usage.Write(usage.Record{
		Timestamp:      time.Now(),
		ResponseTimeMs: rc.Elapsed().Milliseconds(),
		Metadata:       usageMetadata(rc, req),
		PolicyEvents:   policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:   rc.Digest(),
		PolicyCount:    len(rc.PolicyEvents),
	})
}

func usageMetadata(rc *reqcontext.Context, req *providers.ProxyRequest) usage.Metadata {
	m := usage.Metadata{Model: req.Model}
	if rc.Key != nil {
		m.KeyID = rc.Key.ID
		m.Owner = rc.Key.Owner
		m.Tags = rc.Key.Tags
		m.Scopes = rc.Key.Scopes
	}
	if rc.Current.Provider != nil {
		m.Provider = rc.Current.Kind
		m.Alias = rc.Current.Model.Alias
	}
	return m
}

func policyEventsToUsage(events []policy.Event) []usage.PolicyEvent {
	out := make([]usage.PolicyEvent, 0, len(events))
	for _, e := range events {
		out = append(out, usage.PolicyEvent{Hook: e.Hook, Priority: e.Priority, Sample: e.Sample})
	}
	return out
}
