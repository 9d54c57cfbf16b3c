package policy

import (
	"context"
	"regexp"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// invisibleTextPattern matches Unicode format (Cf), private-use (Co), and
// unassigned (Cn) code points — the categories a user message should never
// legitimately contain a run of.
var invisibleTextPattern = regexp.MustCompile(`[\p{Cf}\p{Co}\p{Cn}]+`)

// InvisibleTextHook implements control kind "invisible_text".
type InvisibleTextHook struct {
	action configstore.Action
	cache  *lru.Cache[string]
}

// NewInvisibleTextHook builds the hook from its control document.
func NewInvisibleTextHook(c configstore.ControlDoc) *InvisibleTextHook {
	return &InvisibleTextHook{action: c.Action, cache: lru.New[string](256)}
}

func (h *InvisibleTextHook) ID() string { return "invisible_text" }

func (h *InvisibleTextHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	if h.action == configstore.ActionDisabled {
		return nil, nil
	}
	for i, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		cleaned, hit := h.operate(m.Content)
		if !hit {
			continue
		}
		rec.Record(Event{Hook: h.ID(), Priority: 2, Sample: Truncate(m.Content)})
		switch h.action {
		case configstore.ActionBan:
			return nil, &policyerr.InvisibleTextError{Count: len(invisibleTextPattern.FindAllString(m.Content, -1))}
		case configstore.ActionSanitization:
			req.Messages[i].Content = cleaned
		}
	}
	return nil, nil
}

// operate strips invisible runs from text, memoizing the result per
// SPEC_FULL.md §4.4's per-hook LRU requirement.
func (h *InvisibleTextHook) operate(text string) (cleaned string, hit bool) {
	if v, ok := h.cache.Get(text); ok {
		return v, v != text
	}
	out := invisibleTextPattern.ReplaceAllString(text, "")
	h.cache.Put(text, out)
	return out, out != text
}
