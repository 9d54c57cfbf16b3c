package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/reqcontext"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	policyResult struct {
		PolicyType string `json:"policy_type"`
		Result     any    `json:"result"`
	}
	outboundChatResponse struct {
		ID       string         `json:"id"`
		Object   string         `json:"object"`
		Created  int64          `json:"created"`
		Model    string         `json:"model"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage  `json:"usage"`
		Policy   []policyResult `json:"trussed_controller_policy,omitempty"`
	}
)

// handleChatCompletions serves the generic OpenAI-compatible
// POST /chat/completions surface described in SPEC_FULL.md §6.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, fmt.Sprintf("invalid JSON: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "")
		return
	}
	if req.Model == "" {
		apierr.WriteTC(ctx, fasthttp.StatusBadRequest, apierr.PrefixError, "field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest, "model")
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	s.invokeChat(ctx, proxyReq)
}

// invokeChat authenticates, builds the request context, and runs the
// completion pipeline, writing a streaming or buffered response.
func (s *Server) invokeChat(ctx *fasthttp.RequestCtx, proxyReq *providers.ProxyRequest) {
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
	if ierr != nil {
		if instantOf(ierr) == nil {
			s.writeError(ctx, ierr)
			return
		}
		s.writeChatResult(ctx, proxyReq.Model, resp, rc)
		return
	}

	if resp.Stream != nil {
		s.writeChatStream(ctx, resp)
		return
	}
	s.writeChatResult(ctx, proxyReq.Model, resp, rc)
}

func (s *Server) writeChatResult(ctx *fasthttp.RequestCtx, model string, resp *providers.ProxyResponse, rc *reqcontext.Context) {
	out := outboundChatResponse{
		ID:      "chatcmpl-" + rc.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, pr := range rc.PolicyResponses {
		out.Policy = append(out.Policy, policyResult{PolicyType: pr.PolicyType, Result: pr.Result})
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

// writeChatStream streams response chunks as Server-Sent Events, grounded
// on proxy.writeSSE.
func (s *Server) writeChatStream(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)
			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]string{"content": chunk.Content},
					"finish_reason": func() any {
						if chunk.FinishReason != "" {
							return chunk.FinishReason
						}
						return nil
					}(),
				}},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}
