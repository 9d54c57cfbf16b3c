package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/policy/lru"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// fencedCodeBlock captures a fenced code block's language tag and body.
var fencedCodeBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

// Attribution is one (url, licenses) provenance hit for a scanned snippet.
type Attribution struct {
	Language string
	URL      string
	Licenses []string
}

// snippetFingerprint is a single recognizable signature a language scanner
// checks for. Real deployments would call out to a code-search/license
// attribution service; this stands in with literal substring fingerprints,
// the same shape the example pack's PII detector uses for regex-based
// recognition (see internal/policy/pii's grounding note).
type snippetFingerprint struct {
	pattern  *regexp.Regexp
	url      string
	licenses []string
}

// builtinFingerprints seeds a small, clearly-labeled set of widely known
// snippets so the hook has something concrete to exercise in tests without
// pretending to offer real code-search coverage.
var builtinFingerprints = map[string][]snippetFingerprint{
	"go": {
		{
			pattern:  regexp.MustCompile(`(?i)Copyright \d{4} The Go Authors`),
			url:      "https://go.googlesource.com/go",
			licenses: []string{"BSD-3-Clause"},
		},
	},
	"python": {
		{
			pattern:  regexp.MustCompile(`(?i)Copyright \(c\) Python Software Foundation`),
			url:      "https://github.com/python/cpython",
			licenses: []string{"PSF-2.0"},
		},
	},
}

func scanSnippet(language, body string) []Attribution {
	language = strings.ToLower(strings.TrimSpace(language))
	var attrs []Attribution
	for lang, fps := range builtinFingerprints {
		if language != "" && language != lang {
			continue
		}
		for _, fp := range fps {
			if fp.pattern.MatchString(body) {
				attrs = append(attrs, Attribution{Language: lang, URL: fp.url, Licenses: fp.licenses})
			}
		}
	}
	return attrs
}

// CodeProvenanceHook implements control kind "code_provenance".
type CodeProvenanceHook struct {
	fullScan bool
	footnote bool
	cache    *lru.Cache[[]Attribution]
}

// NewCodeProvenanceHook builds the hook from its control document.
func NewCodeProvenanceHook(c configstore.ControlDoc) *CodeProvenanceHook {
	return &CodeProvenanceHook{fullScan: c.FullScan, footnote: c.Footnote, cache: lru.New[[]Attribution](128)}
}

func (h *CodeProvenanceHook) ID() string { return "code_provenance" }

// OnCompletion registers only a tail: code provenance has nothing to
// inspect until the assistant's response exists.
func (h *CodeProvenanceHook) OnCompletion(ctx context.Context, rec Recorder, req *providers.ProxyRequest) (CompletionTail, error) {
	return func(resp *providers.ProxyResponse) (*providers.ProxyResponse, error) {
		if resp == nil || resp.Stream != nil {
			return resp, nil
		}
		attrs := h.operate(resp.Content)
		for _, a := range attrs {
			rec.Record(Event{Hook: h.ID(), Priority: 1, Sample: Truncate(a.URL)})
		}
		if h.footnote && len(attrs) > 0 {
			resp.Content += "\n\n" + footnoteFor(attrs)
		}
		return resp, nil
	}, nil
}

func footnoteFor(attrs []Attribution) string {
	var b strings.Builder
	b.WriteString("---\nAttributions:\n")
	for _, a := range attrs {
		fmt.Fprintf(&b, "- %s (%s)\n", a.URL, strings.Join(a.Licenses, ", "))
	}
	return b.String()
}

// operate scans either a full response body or a single fenced block for
// known snippet fingerprints, memoizing per scanned text.
func (h *CodeProvenanceHook) operate(text string) []Attribution {
	if v, ok := h.cache.Get(text); ok {
		return v
	}
	var attrs []Attribution
	if h.fullScan {
		// fullscan mode checks every known fingerprint against the whole
		// response, not just fenced code — a snippet pasted without a
		// fence still carries the same attribution obligations.
		attrs = append(attrs, scanSnippet("", text)...)
	}
	for _, m := range fencedCodeBlock.FindAllStringSubmatch(text, -1) {
		attrs = append(attrs, scanSnippet(m[1], m[2])...)
	}
	h.cache.Put(text, attrs)
	return attrs
}
