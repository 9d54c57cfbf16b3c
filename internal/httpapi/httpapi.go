// Package httpapi is the HTTP edge wiring the dynamic multi-tenant stack —
// internal/authgate, internal/configstore, internal/registry,
// internal/modelpool, internal/policy, and internal/pipeline — into fasthttp
// routes, per SPEC_FULL.md §6. It is the supplemented replacement for the
// teacher's internal/proxy.Gateway, which routed by a static env-configured
// provider map (internal/proxy/gateway.go, internal/proxy/router.go); the
// route registration, middleware chain, and SSE streaming idiom are kept
// from that package and generalized to resolve providers per-request from a
// caller's API key instead of from one process-wide static map.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/authgate"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/modelpool"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/reqcontext"
)

// Store is the narrow configstore.Store surface the edge needs: key
// resolution for auth, provider/pool lookup for the model pool, and policy
// lookup for the hook set. Satisfied by *configstore.Store; narrowed so
// tests can supply a fake without a Mongo-backed double, mirroring
// modelpool.Build's docStore/clientResolver split.
type Store interface {
	KeyByHash(ctx context.Context, hash string) (*configstore.APIKeyDoc, error)
	ProviderByID(ctx context.Context, id configstore.ObjectID) (*configstore.ProviderDoc, error)
	PoolByID(ctx context.Context, id configstore.ObjectID) (*configstore.PoolDoc, error)
	PolicyByID(ctx context.Context, id configstore.ObjectID) (*configstore.PolicyDoc, error)
}

// ClientResolver is the narrow registry.Registry surface the edge needs.
type ClientResolver interface {
	Get(ctx context.Context, doc *configstore.ProviderDoc) (providers.Provider, bool, error)
}

// Server holds the dependencies every handler reads from.
type Server struct {
	Auth        *authgate.Gate
	Store       Store
	Registry    ClientResolver
	Invoker     *pipeline.Invoker
	Log         *slog.Logger
	CORSOrigins []string

	// RPM is an optional aggregate requests-per-minute ceiling applied ahead
	// of per-key authentication. Nil disables it — see DESIGN.md Open
	// Question #1.
	RPM *ratelimit.RPMLimiter

	// Metrics is the Prometheus registry every request is recorded against.
	// Nil disables metrics middleware entirely.
	Metrics *metrics.Registry
}

// New builds a Server. log defaults to slog.Default() when nil.
func New(auth *authgate.Gate, store Store, reg ClientResolver, invoker *pipeline.Invoker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Auth: auth, Store: store, Registry: reg, Invoker: invoker, Log: log}
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	r := router.New()

	r.POST("/chat/completions", s.handleChatCompletions)
	r.POST("/embeddings", s.handleEmbeddings)
	r.POST("/chat/score/:model", s.handleChatScore)
	r.POST("/prompt/score/:model", s.handlePromptScore)
	r.POST("/embedding/score/:model", s.handleEmbeddingScore)
	if s.Metrics != nil {
		r.GET("/metrics", s.Metrics.Handler())
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery(s.Log),
		requestID,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	}
	if s.Metrics != nil {
		mws = append(mws, metricsMiddleware(s.Metrics))
	}
	if s.RPM != nil {
		mws = append(mws, globalRateLimit(s.RPM, s.Metrics))
	}
	handler := applyMiddleware(r.Handler, mws...)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// buildContext authenticates the request and assembles the per-request
// reqcontext.Context: the resolved key, its merged model pool (§4.3), and
// its merged policy hook set (§4.4, across every PolicyIDs entry).
func (s *Server) buildContext(ctx context.Context, authHeader, requestID string) (*reqcontext.Context, error) {
	key, err := s.Auth.Authenticate(ctx, authHeader)
	if err != nil {
		return nil, err
	}

	pool, err := modelpool.Build(ctx, s.Store, s.Registry, key)
	if err != nil {
		return nil, err
	}

	hooks, err := mergedPolicies(ctx, s.Store, key)
	if err != nil {
		return nil, err
	}

	return reqcontext.FromAPIKey(key, pool, hooks, requestID), nil
}

// mergedPolicies concatenates the hook sets of every policy a key names, in
// PolicyIDs order, preserving each policy's internal control order
// (SPEC_FULL.md §5 "Ordering"). A caller with no PolicyIDs runs no hooks.
func mergedPolicies(ctx context.Context, store Store, key *configstore.APIKeyDoc) (policy.Set, error) {
	var merged policy.Set
	for _, id := range key.PolicyIDs {
		doc, err := store.PolicyByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		merged = append(merged, policy.Build(*doc)...)
	}
	return merged, nil
}
