package policy

import (
	"context"
	"regexp"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/langid"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	"github.com/nulpointcorp/llm-gateway/internal/policyerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// sentenceSplit matches the teacher's general tendency toward simple
// regex-based text processing rather than a full sentence tokenizer; it
// splits on sentence-final punctuation followed by whitespace.
var sentenceSplit = regexp.MustCompile(`(?:[.!?]+\s+|\n+)`)

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LanguagesHook implements control kind "languages".
type LanguagesHook struct {
	action   configstore.Action
	detector langid.Detector
	allow    map[string]struct{}
	stub     string
	cache    *lru.Cache[string]
}

// NewLanguagesHook builds the hook from its control document. allowed is
// the control's configured language allow-list; the detector is seeded
// with allowed ∪ langid.SuggestedWorkingSet so common languages are always
// at least recognizable even if not permitted.
func NewLanguagesHook(c configstore.ControlDoc) *LanguagesHook {
	allow := make(map[string]struct{}, len(c.Languages))
	for _, l := range c.Languages {
		allow[l] = struct{}{}
	}
	return &LanguagesHook{
		action:   c.Action,
		detector: langid.New(c.Languages, langid.SuggestedWorkingSet),
		allow:    allow,
		stub:     c.CustomMessage,
		cache:    lru.New[string](256),
	}
}

func (h *LanguagesHook) ID() string { return "languages" }

func (h *LanguagesHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	if h.action == configstore.ActionDisabled {
		return nil, nil
	}
	for i, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		kept, offenders := h.operate(m.Content)
		if len(offenders) == 0 {
			continue
		}
		for _, s := range offenders {
			if len(s) > 6 {
				rec.Record(Event{Hook: h.ID(), Priority: 2, Sample: Truncate(s)})
			}
		}
		switch h.action {
		case configstore.ActionBan:
			lang, _ := h.detector.DetectLanguageOf(offenders[0])
			return nil, &policyerr.UnallowedLanguageError{Language: lang}
		case configstore.ActionCustomResponse:
			return nil, &policyerr.Instant{Body: h.stub}
		case configstore.ActionSanitization:
			req.Messages[i].Content = kept
		}
	}
	return nil, nil
}

// operate sentence-splits text, classifies each sentence's language, and
// returns the text with disallowed sentences removed alongside the list of
// disallowed sentences found. Results are memoized per full message.
func (h *LanguagesHook) operate(text string) (kept string, offenders []string) {
	sentences := splitSentences(text)
	if v, ok := h.cache.Get(text); ok && v == strings.Join(sentences, " ") {
		// The cache stores only the kept text, so a hit is answered directly
		// only when nothing was removed; a message that had offenders is
		// classified again so the caller still sees them.
		return v, nil
	}
	var keepers []string
	for _, s := range sentences {
		lang, ok := h.detector.DetectLanguageOf(s)
		if !ok {
			keepers = append(keepers, s)
			continue
		}
		if _, allowed := h.allow[lang]; allowed || len(h.allow) == 0 {
			keepers = append(keepers, s)
			continue
		}
		offenders = append(offenders, s)
	}
	kept = strings.Join(keepers, " ")
	h.cache.Put(text, kept)
	return kept, offenders
}
