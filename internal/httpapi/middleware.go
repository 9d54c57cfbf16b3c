package httpapi

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process, grounded on proxy.recovery.
func recovery(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					ctx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
					ctx.SetBodyString(`{"error":{"message":"TC_ERROR: internal server error","type":"server_error","code":"internal_error","param":null}}`)
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every request has an X-Request-ID header, generating a
// UUID v4 when the client supplies none, grounded on proxy.requestID.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the handler duration in X-Response-Time, grounded on
// proxy.timing.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the same OWASP-recommended headers as proxy.securityHeaders.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler mirrors proxy.corsHandler: an open "*" default or a strict
// allowlist, with OPTIONS preflight answered directly.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// metricsMiddleware records in-flight count, request/response sizes, and
// end-to-end duration for every request against reg.
func metricsMiddleware(reg *metrics.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			reg.IncInFlight()
			defer reg.DecInFlight()

			start := time.Now()
			reqBytes := len(ctx.Request.Body())
			next(ctx)
			route := string(ctx.Path())
			status := ctx.Response.StatusCode()
			respBytes := len(ctx.Response.Body())
			reg.ObserveHTTP(route, status, time.Since(start), reqBytes, respBytes)
		}
	}
}

// globalRateLimit enforces rpm's aggregate requests-per-minute ceiling ahead
// of per-key authentication — an optional coarse backstop, not a substitute
// for authgate.Gate's per-key check (see DESIGN.md Open Question #1). A nil
// reg skips metrics recording.
func globalRateLimit(rpm *ratelimit.RPMLimiter, reg *metrics.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ok, err := rpm.Allow(ctx)
			if err == nil && !ok {
				if reg != nil {
					reg.RecordRateLimit("blocked")
				}
				apierr.WriteTC(ctx, fasthttp.StatusTooManyRequests, apierr.PrefixError, "rate limit exceeded", apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, "")
				return
			}
			if reg != nil {
				reg.RecordRateLimit("allowed")
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given chain; mws[0] becomes the
// outermost wrapper, matching proxy.applyMiddleware's left-to-right order.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
