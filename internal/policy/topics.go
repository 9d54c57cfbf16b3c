package policy

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// TopicsHook implements control kind "topics".
type TopicsHook struct {
	action     configstore.Action
	topics     []string
	threshold  float64
	classifier classify.Classifier
	stub       string
	cache      *lru.Cache[map[string]float64]
}

// NewTopicsHook builds the hook from its control document.
func NewTopicsHook(c configstore.ControlDoc) *TopicsHook {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &TopicsHook{
		action:     c.Action,
		topics:     c.Topics,
		threshold:  threshold,
		classifier: classify.NewKeywordClassifier(nil),
		stub:       c.CustomMessage,
		cache:      lru.New[map[string]float64](256),
	}
}

func (h *TopicsHook) ID() string { return "topics" }

func (h *TopicsHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	if h.action == configstore.ActionDisabled || len(h.topics) == 0 {
		return nil, nil
	}
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		scores := h.operate(m.Content)
		for _, topic := range h.topics {
			score := scores[topic]
			if score < h.threshold {
				continue
			}
			rec.Record(Event{Hook: h.ID(), Priority: 2, Sample: Truncate(m.Content)})
			switch h.action {
			case configstore.ActionBan:
				return nil, &policyerr.ForbiddenTopicError{Topic: topic, Score: score}
			case configstore.ActionCustomResponse:
				return nil, &policyerr.Instant{Body: h.stub}
			}
		}
	}
	return nil, nil
}

// operate scores text against the configured topic list, memoizing per
// text since the topic list is fixed for the hook's lifetime.
func (h *TopicsHook) operate(text string) map[string]float64 {
	if v, ok := h.cache.Get(text); ok {
		return v
	}
	scores := h.classifier.Classify(text, h.topics)
	h.cache.Put(text, scores)
	return scores
}
