// Azure-ML score surface: the three routes SPEC_FULL.md §6 supplements
// beyond the generic OpenAI-compatible surface, converting the Azure-ML
// managed-endpoint wire shapes (input_data.input_string for chat, prompt
// for prompt, documents for embedding — the same envelope shapes
// internal/providers/amlscore speaks to an upstream scoring endpoint) into
// the gateway's own normalized request types and back. This is the
// httpapi-level conversion the spec calls for; internal/providers/amlscore
// does the analogous conversion one layer further out, when the selected
// provider itself happens to be an Azure-ML scoring endpoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type (
	scoreChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	scoreParameters struct {
		Temperature  float64 `json:"temperature"`
		MaxNewTokens int     `json:"max_new_tokens"`
	}
	scoreChatInputData struct {
		InputString []scoreChatMessage `json:"input_string"`
		Parameters  scoreParameters    `json:"parameters"`
	}
	scoreChatRequest struct {
		InputData scoreChatInputData `json:"input_data"`
	}

	scorePromptRequest struct {
		Prompt string `json:"prompt"`
	}

	scoreEmbeddingRequest struct {
		Documents []string `json:"documents"`
	}

	scoreResponse struct {
		Output string `json:"output"`
	}
)

func modelFromPath(ctx *fasthttp.RequestCtx) string {
	m, _ := ctx.UserValue("model").(string)
	return m
}

// handleChatScore serves POST /chat/score/{model}.
func (s *Server) handleChatScore(ctx *fasthttp.RequestCtx) {
	model := modelFromPath(ctx)
	if model == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "model path segment is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "model")
		return
	}
	var req scoreChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "")
		return
	}
	if len(req.InputData.InputString) == 0 {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "input_data.input_string must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "input_data")
		return
	}

	msgs := make([]providers.Message, len(req.InputData.InputString))
	for i, m := range req.InputData.InputString {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	s.invokeScoreChat(ctx, &providers.ProxyRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.InputData.Parameters.Temperature,
		MaxTokens:   req.InputData.Parameters.MaxNewTokens,
	})
}

// handlePromptScore serves POST /prompt/score/{model}.
func (s *Server) handlePromptScore(ctx *fasthttp.RequestCtx) {
	model := modelFromPath(ctx)
	if model == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "model path segment is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "model")
		return
	}
	var req scorePromptRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "")
		return
	}
	if req.Prompt == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "prompt must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "prompt")
		return
	}

	s.invokeScoreChat(ctx, &providers.ProxyRequest{
		Model:    model,
		Messages: []providers.Message{{Role: "user", Content: req.Prompt}},
	})
}

// invokeScoreChat runs the completion pipeline and writes back the
// {"output": "<text>"} envelope AML score callers expect — streaming is not
// offered on this surface, matching the original scoring-endpoint contract.
func (s *Server) invokeScoreChat(ctx *fasthttp.RequestCtx, proxyReq *providers.ProxyRequest) {
	reqID, _ := ctx.UserValue("request_id").(string)
	authHeader := string(ctx.Request.Header.Peek("Authorization"))

	rc, err := s.buildContext(ctx, authHeader, reqID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	if rc.Key != nil {
		proxyReq.APIKeyID = rc.Key.ID.String()
		proxyReq.WorkspaceID = rc.Key.Owner
	}
	proxyReq.RequestID = reqID

	resp, ierr := s.Invoker.Invoke(ctx, rc, proxyReq)
	if ierr != nil && instantOf(ierr) == nil {
		s.writeError(ctx, ierr)
		return
	}

	body, err := json.Marshal(scoreResponse{Output: resp.Content})
	if err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusInternalServerError, apierr.PrefixError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, "")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleEmbeddingScore serves POST /embedding/score/{model}, returning the
// raw ordered vector list the AML embedding scoring contract expects.
func (s *Server) handleEmbeddingScore(ctx *fasthttp.RequestCtx) {
	model := modelFromPath(ctx)
	if model == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "model path segment is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "model")
		return
	}
	var req scoreEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "")
		return
	}
	if len(req.Documents) == 0 {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "documents must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "documents")
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	authHeader := string(ctx.Request.Header.Peek("Authorization"))

	rc, err := s.buildContext(ctx, authHeader, reqID)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	embReq := &providers.EmbeddingRequest{Input: req.Documents, Model: model, RequestID: reqID}
	if rc.Key != nil {
		embReq.APIKeyID = rc.Key.ID.String()
		embReq.WorkspaceID = rc.Key.Owner
	}

	resp, ierr := s.Invoker.InvokeEmbedding(ctx, rc, embReq)
	if ierr != nil {
		s.writeError(ctx, ierr)
		return
	}

	sorted := append([]providers.EmbeddingData(nil), resp.Data...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	vectors := make([][]float32, len(sorted))
	for i, d := range sorted {
		vectors[i] = d.Embedding
	}

	body, err := json.Marshal(vectors)
	if err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusInternalServerError, apierr.PrefixError, "failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError, "")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
