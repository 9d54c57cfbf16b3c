package policy

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	piipkg "github.com/nulpointcorp/llm-gateway/internal/policy/pii"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// TokenStore is the optional capability a Recorder exposes when the pipeline
// wants the PII hook's Tokenization action available; internal/reqcontext.Context
// implements it. A Recorder that doesn't (e.g. a test double) simply can't
// use Tokenization — the hook falls back to Redaction for that request.
type TokenStore interface {
	Tokens() *piipkg.TokenMap
}

// PIIHook implements control kind "pii".
type PIIHook struct {
	action     configstore.Action
	entities   []piipkg.Entity
	recognizer *piipkg.Recognizer
	cache      *lru.Cache[[]piipkg.Match]
}

// NewPIIHook builds the hook from its control document.
func NewPIIHook(c configstore.ControlDoc) *PIIHook {
	entities := make([]piipkg.Entity, 0, len(c.Entities))
	for _, e := range c.Entities {
		entities = append(entities, piipkg.Entity(e))
	}
	return &PIIHook{
		action:     c.Action,
		entities:   entities,
		recognizer: piipkg.NewRecognizer(nil),
		cache:      lru.New[[]piipkg.Match](256),
	}
}

func (h *PIIHook) ID() string { return "pii" }

func (h *PIIHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	if h.action == configstore.ActionDisabled {
		return nil, nil
	}
	var tm *piipkg.TokenMap
	if ts, ok := rec.(TokenStore); ok {
		tm = ts.Tokens()
	}
	rewrote := false
	for i, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		matches := h.operate(m.Content)
		if len(matches) == 0 {
			continue
		}
		for _, match := range matches {
			rec.Record(Event{Hook: h.ID(), Priority: 1, Sample: Truncate(string(match.Entity))})
		}
		switch h.action {
		case configstore.ActionRedaction:
			req.Messages[i].Content = piipkg.Redact(m.Content, matches)
			rewrote = true
		case configstore.ActionAnonymization:
			req.Messages[i].Content = piipkg.Anonymize(m.Content, matches)
			rewrote = true
		case configstore.ActionTokenization:
			if tm == nil {
				req.Messages[i].Content = piipkg.Redact(m.Content, matches)
				rewrote = true
				continue
			}
			req.Messages[i].Content = piipkg.Tokenize(m.Content, matches, tm)
			rewrote = true
		}
	}
	if h.action != configstore.ActionTokenization || tm == nil || !rewrote {
		return nil, nil
	}
	// register the detokenizing tail: non-stream responses are unwound
	// in place here; streaming responses are handled by
	// internal/pipeline.DetokenizeChannel, installed by the pipeline
	// itself once it knows the response is a stream (SPEC_FULL.md §4.7).
	tail := func(resp *providers.ProxyResponse) (*providers.ProxyResponse, error) {
		if resp == nil || resp.Stream != nil {
			return resp, nil
		}
		resp.Content = piipkg.AppendDetokenizedMarker(piipkg.Detokenize(resp.Content, tm))
		return resp, nil
	}
	return tail, nil
}

// operate finds PII entity spans in text, memoizing per-text.
func (h *PIIHook) operate(text string) []piipkg.Match {
	if v, ok := h.cache.Get(text); ok {
		return v
	}
	matches := h.recognizer.Find(text, h.entities)
	h.cache.Put(text, matches)
	return matches
}
