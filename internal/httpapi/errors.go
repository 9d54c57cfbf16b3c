package httpapi

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// instantOf returns err's wrapped *policyerr.Instant, if any — a hook
// short-circuit is not a failure (see policyerr.Instant's doc comment), so
// callers use this to distinguish it from a genuine pipeline error.
func instantOf(err error) *policyerr.Instant {
	var instant *policyerr.Instant
	if errors.As(err, &instant) {
		return instant
	}
	return nil
}

// writeError maps one returned error to the wire envelope SPEC_FULL.md §7
// describes. Every concrete type in internal/ctxerr and internal/policyerr
// is our own taxonomy and gets the TC_ERROR: prefix; anything else reaching
// here (a provider package's own ProviderError, returned once every
// failover candidate has been exhausted, per pipeline.Invoke) gets
// TC_PROVIDER_ERROR: instead, classified by elimination rather than a type
// switch over every provider package; an error that matches none of these
// cases is answered with a 500 internal error. A
// ProviderError that also implements providers.DetailedStatusCoder surfaces
// the upstream API's own error type/code rather than the generic fallback.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error) {
	switch e := err.(type) {
	case *ctxerr.ValidationError:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), e.Field)
		return
	case *ctxerr.AuthError:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrTooManyRequests:
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(e.RetryAfter+0.999)))
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrUnbudgetedAPIKey:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrUnbudgetedLLM:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrPromptLimit:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrUnlistedModel:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "model")
		return
	case *ctxerr.ErrUnknownProvider:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "model")
		return
	case *ctxerr.ErrUnsupportedFeatures:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	case *ctxerr.ErrResourceNotReady:
		apierr.WriteTC(ctx, e.HTTPStatus(), apierr.PrefixError, e.Error(), e.Type(), e.Code(), "")
		return
	}

	if pe, ok := err.(policyerr.PolicyError); ok {
		apierr.WriteTC(ctx, pe.HTTPStatus(), apierr.PrefixError, pe.Error(), "policy_error", pe.PolicyType(), "")
		return
	}

	if dsc, ok := err.(providers.DetailedStatusCoder); ok {
		errType, code := dsc.ErrorType(), dsc.ErrorCode()
		if errType == "" {
			errType = apierr.TypeProviderError
		}
		if code == "" {
			code = apierr.CodeProviderError
		}
		apierr.WriteTC(ctx, dsc.HTTPStatus(), apierr.PrefixProviderError, err.Error(), errType, code, "")
		return
	}

	if sc, ok := err.(providers.StatusCoder); ok {
		apierr.WriteTC(ctx, sc.HTTPStatus(), apierr.PrefixProviderError, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError, "")
		return
	}

	s.Log.Error("internal_error", slog.Any("error", err))
	apierr.WriteTC(ctx, fasthttp.StatusInternalServerError, apierr.PrefixError, "internal server error", apierr.TypeServerError, apierr.CodeInternalError, "")
}
