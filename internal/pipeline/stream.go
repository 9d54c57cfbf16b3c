package pipeline

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/policy/pii"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/reqcontext"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

// Chunk is the value the tracking stream forwards: an alias of
// providers.StreamChunk, carried over the same channel-based plumbing the
// providers use (SPEC_FULL.md §4.8).
type Chunk = providers.StreamChunk

// wrapTrackingStream consumes cand's stream on a background goroutine,
// forwarding every chunk to the client verbatim while accumulating content
// for the end-of-stream usage record. If any tail came from a tokenizing
// PII hook, its detokenizing transform (already composed from policy's
// tail when the TokenStore path was taken) runs in front of the forwarded
// channel, per §4.4 item 5.
func (p *Invoker) wrapTrackingStream(ctx context.Context, rc *reqcontext.Context, req *providers.ProxyRequest, resp *providers.ProxyResponse, tails []policy.CompletionTail) *providers.ProxyResponse {
	src := resp.Stream
	if tm := rc.Tokens(); tm != nil && tm.Len() > 0 {
		src = DetokenizeChannel(src, tm)
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		var content string
		for chunk := range src {
			content += chunk.Content
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		built := &providers.ProxyResponse{ID: resp.ID, Model: resp.Model, Content: content}
		for _, tail := range tails {
			var err error
			built, err = tail(built)
			if err != nil {
				p.Log.Error("stream tail error", "error", err)
				return
			}
		}
		p.attachBudget(rc, rc.Current)
		p.writeStreamUsage(rc, req, built)
	}()
	resp.Stream = out
	return resp
}

// writeStreamUsage writes the end-of-stream usage record with IsStream=true,
// per §8 property 3 ("exactly two [records] when streaming succeeds").
func (p *Invoker) writeStreamUsage(rc *reqcontext.Context, req *providers.ProxyRequest, built *providers.ProxyResponse) {
	if p.Usage == nil {
		return
	}
	p.Usage.Write(usage.Record{
		Timestamp:        time.Now(),
		ResponseTimeMs:   rc.Elapsed().Milliseconds(),
		PromptTokens:     built.Usage.InputTokens,
		CompletionTokens: built.Usage.OutputTokens,
		TotalTokens:      built.Usage.InputTokens + built.Usage.OutputTokens,
		Metadata:         usageMetadata(rc, req),
		PolicyEvents:     policyEventsToUsage(rc.PolicyEvents),
		PolicyDigest:     rc.Digest(),
		PolicyCount:      len(rc.PolicyEvents),
		IsStream:         true,
	})
}

// DetokenizeChannel wraps src, substituting any minted PII token it finds
// in the streamed text with its original value, implementing the
// buffering state machine of §4.8:
//   - scan for the tag rune;
//   - on finding it, buffer until at least tagLen+12 runes are available;
//   - if the captured span is a known token, emit the original, else emit
//     the raw span;
//   - if another tag appears before the first completes, flush the
//     partial buffer unchanged and restart from the new tag;
//   - at end-of-stream, flush any trailing buffer unchanged.
func DetokenizeChannel(src <-chan providers.StreamChunk, tm *pii.TokenMap) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		st := newDetokenizeState(tm)
		for chunk := range src {
			if emit := st.feed(chunk.Content); emit != "" {
				out <- providers.StreamChunk{Content: emit, FinishReason: chunk.FinishReason}
			} else if chunk.FinishReason != "" {
				out <- providers.StreamChunk{FinishReason: chunk.FinishReason}
			}
		}
		if tail := st.flush(); tail != "" {
			out <- providers.StreamChunk{Content: tail}
		}
	}()
	return out
}

const tokenRuneLen = 13 // tagRune + 12 hex characters

type detokenizeState struct {
	tm  *pii.TokenMap
	buf []rune
}

func newDetokenizeState(tm *pii.TokenMap) *detokenizeState {
	return &detokenizeState{tm: tm}
}

// feed appends text to the pending buffer and returns whatever can be
// safely emitted now, holding back only a partially-seen token.
func (s *detokenizeState) feed(text string) string {
	s.buf = append(s.buf, []rune(text)...)
	var out []rune
	for {
		idx := indexOfTagRune(s.buf)
		if idx < 0 {
			out = append(out, s.buf...)
			s.buf = nil
			break
		}
		// Emit everything before the tag unchanged.
		out = append(out, s.buf[:idx]...)
		rest := s.buf[idx:]
		if len(rest) < tokenRuneLen {
			// Not enough to decide yet — hold the tag and what follows.
			s.buf = rest
			break
		}
		// Another tag before the token completes: flush the partial span
		// unchanged and restart from the new tag.
		if j := indexOfTagRune(rest[1:tokenRuneLen]); j >= 0 {
			out = append(out, rest[:j+1]...)
			s.buf = rest[j+1:]
			continue
		}
		candidate := string(rest[:tokenRuneLen])
		if orig, ok := s.tm.Original(candidate); ok {
			out = append(out, []rune(orig)...)
		} else {
			out = append(out, rest[:tokenRuneLen]...)
		}
		s.buf = rest[tokenRuneLen:]
	}
	return string(out)
}

// flush returns any trailing buffered content unchanged, at end-of-stream.
func (s *detokenizeState) flush() string {
	out := string(s.buf)
	s.buf = nil
	return out
}

func indexOfTagRune(buf []rune) int {
	for i, r := range buf {
		if r == tagRune {
			return i
		}
	}
	return -1
}

const tagRune = 'Δ'
