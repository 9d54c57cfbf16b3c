// Package policy implements the loadable, composable hook set SPEC_FULL.md
// §4.4 describes: invisible-text, languages, prompt-injection, topics, PII,
// and code-provenance. Each hook may run on the way in (an entry, mutating
// the request body) and on the way out (a tail, transforming the final
// response); either side may short-circuit the pipeline with policyerr.Instant
// or abort it with one of the policyerr types.
package policy

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Event is what a hook records about one thing it noticed, before the
// caller (internal/reqcontext) folds it into the request's running
// blake2s digest and decides whether to keep it for the usage record.
type Event struct {
	Hook     string
	Priority int // 1 low … 3 high
	Sample   string
}

const maxSampleLen = 50

// Truncate clips s to the 50-character sample limit every hook event obeys.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxSampleLen {
		return s
	}
	return string(r[:maxSampleLen])
}

// Recorder accepts policy events as a hook observes them. internal/reqcontext
// implements Recorder; tests can use a simple slice-backed fake.
type Recorder interface {
	Record(Event)
}

// CompletionTail is invoked with the pipeline's final completion response
// and may replace it (e.g. to wrap a stream in a detokenizing reader).
type CompletionTail func(*providers.ProxyResponse) (*providers.ProxyResponse, error)

// EmbeddingTail is the embedding-call analogue of CompletionTail.
type EmbeddingTail func(*providers.EmbeddingResponse) (*providers.EmbeddingResponse, error)

// Hook is the identity every policy hook shares. A Hook additionally
// implements CompletionHook, EmbeddingHook, or both, depending on which
// call shapes it applies to — checked with a type assertion by the
// pipeline, matching the teacher's "optional interface" idiom already used
// for providers.EmbeddingProvider.
type Hook interface {
	ID() string
}

// CompletionHook runs on POST /v1/chat/completions-shaped calls.
type CompletionHook interface {
	Hook
	OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error)
}

// EmbeddingHook runs on POST /v1/embeddings-shaped calls.
type EmbeddingHook interface {
	Hook
	OnEmbedding(ctx context.Context, rec Recorder, req *providers.EmbeddingRequest) (EmbeddingTail, error)
}

// Set is an ordered, immutable hook list. Entries run in order on the way
// in; tails run in the same order on the way out (SPEC_FULL.md §4.4
// "Ordering").
type Set []Hook

// Completion hooks returns the subset of s implementing CompletionHook, in
// order.
func (s Set) CompletionHooks() []CompletionHook {
	out := make([]CompletionHook, 0, len(s))
	for _, h := range s {
		if ch, ok := h.(CompletionHook); ok {
			out = append(out, ch)
		}
	}
	return out
}

// EmbeddingHooks returns the subset of s implementing EmbeddingHook, in
// order.
func (s Set) EmbeddingHooks() []EmbeddingHook {
	out := make([]EmbeddingHook, 0, len(s))
	for _, h := range s {
		if eh, ok := h.(EmbeddingHook); ok {
			out = append(out, eh)
		}
	}
	return out
}
