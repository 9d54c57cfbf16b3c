package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /embeddings body; the
	// "input" field accepts a string or array of strings, normalized by
	// parseEmbeddingInput — kept from proxy.inboundEmbeddingRequest.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string,
// kept from proxy.parseEmbeddingInput.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if str == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{str}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// handleEmbeddings serves the generic OpenAI-compatible POST /embeddings
// surface described in SPEC_FULL.md §6.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "")
		return
	}
	if req.Model == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "model")
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "input")
		return
	}

	embReq := &providers.EmbeddingRequest{Input: inputs, Model: req.Model}
	s.invokeEmbedding(ctx, embReq)
}

func (s *Server) invokeEmbedding(ctx *fasthttp.RequestCtx, embReq *providers.EmbeddingRequest) {
	reqID, _ := ctx.UserValue("request_id").(string)
	authHeader := string(ctx.Request.Header.Peek("Authorization"))

	rc, err := s.buildContext(ctx, authHeader, reqID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	if rc.Key != nil {
		embReq.APIKeyID = rc.Key.ID.String()
		embReq.WorkspaceID = rc.Key.Owner
	}
	embReq.RequestID = reqID

	resp, err := s.Invoker.InvokeEmbedding(ctx, rc, embReq)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.writeEmbeddingResult(ctx, resp)
}

func (s *Server) writeEmbeddingResult(ctx *fasthttp.RequestCtx, resp *providers.EmbeddingResponse) {
	data := make([]outboundEmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		data[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  resp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.InputTokens,
			TotalTokens:  resp.Usage.InputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusInternalServerError, apierr.PrefixError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, "")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
