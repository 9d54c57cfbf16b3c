package policy

import (
	"context"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// InjectionHook implements control kind "prompt_injection".
type InjectionHook struct {
	action     configstore.Action
	threshold  float64
	classifier classify.Classifier
	stub       string
	cache      *lru.Cache[float64]
}

// NewInjectionHook builds the hook from its control document.
func NewInjectionHook(c configstore.ControlDoc) *InjectionHook {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &InjectionHook{
		action:     c.Action,
		threshold:  threshold,
		classifier: classify.NewKeywordClassifier(nil),
		stub:       c.CustomMessage,
		cache:      lru.New[float64](256),
	}
}

func (h *InjectionHook) ID() string { return "prompt_injection" }

func (h *InjectionHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	if h.action == configstore.ActionDisabled {
		return nil, nil
	}
	for i, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if h.action == configstore.ActionSanitization {
			cleaned, hit := h.sanitizeOverlappingPairs(m.Content)
			if hit {
				rec.Record(Event{Hook: h.ID(), Priority: 3, Sample: Truncate(m.Content)})
				req.Messages[i].Content = cleaned
			}
			continue
		}
		score := h.operate(m.Content)
		if score < h.threshold {
			continue
		}
		rec.Record(Event{Hook: h.ID(), Priority: 3, Sample: Truncate(m.Content)})
		switch h.action {
		case configstore.ActionBan:
			return nil, &policyerr.PromptInjectionError{Score: score}
		case configstore.ActionCustomResponse:
			return nil, &policyerr.Instant{Body: h.stub}
		}
	}
	return nil, nil
}

func (h *InjectionHook) OnEmbedding(ctx context.Context, rec Recorder, req *providers.EmbeddingRequest) (EmbeddingTail, error) {
	if h.action == configstore.ActionDisabled || h.action == configstore.ActionSanitization {
		return nil, nil
	}
	for _, text := range req.Input {
		score := h.operate(text)
		if score < h.threshold {
			continue
		}
		rec.Record(Event{Hook: h.ID(), Priority: 3, Sample: Truncate(text)})
		switch h.action {
		case configstore.ActionBan:
			return nil, &policyerr.PromptInjectionError{Score: score}
		case configstore.ActionCustomResponse:
			return nil, &policyerr.Instant{Body: h.stub}
		}
	}
	return nil, nil
}

// operate scores text as INJECTION, memoizing per-text.
func (h *InjectionHook) operate(text string) float64 {
	if v, ok := h.cache.Get(text); ok {
		return v
	}
	score := classify.InjectionScore(h.classifier, text)
	h.cache.Put(text, score)
	return score
}

// sanitizeOverlappingPairs scores every overlapping pair of adjacent
// sentences; any pair scoring above threshold has both sentences removed
// (SPEC_FULL.md §4.4 item 3: "score is computed over overlapping sentence
// pairs; any pair scoring above threshold causes both sentences to be
// removed").
func (h *InjectionHook) sanitizeOverlappingPairs(text string) (string, bool) {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		score := h.operate(text)
		if score >= h.threshold {
			return "", true
		}
		return text, false
	}
	drop := make([]bool, len(sentences))
	hit := false
	for i := 0; i < len(sentences)-1; i++ {
		pair := sentences[i] + " " + sentences[i+1]
		if h.operate(pair) >= h.threshold {
			drop[i] = true
			drop[i+1] = true
			hit = true
		}
	}
	if !hit {
		return text, false
	}
	var kept []string
	for i, s := range sentences {
		if !drop[i] {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " "), true
}
