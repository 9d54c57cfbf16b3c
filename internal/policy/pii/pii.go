// Package pii implements the entity recognizer, anonymizer, and tokenizer
// the PII control (SPEC_FULL.md §4.4 item 5) is built around. No NER/NLP
// library in the example pack does entity recognition beyond regex pattern
// matching (see internal/langid for the equivalent justification on
// language detection); this package follows the same regex-per-entity-type
// shape as the guardrails PII detector in the example pack, generalized
// from its fixed four entity types to the configurable entity list a
// Policy's PII control carries.
package pii

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Entity names a recognizable span type. Custom entity lists supplied by a
// Policy's PII control are matched against this set; unknown names are
// simply never recognized and the policy authoring layer is responsible for
// pointing out the mistake, not this package.
type Entity string

const (
	EntityEmail      Entity = "EMAIL_ADDRESS"
	EntityPhone      Entity = "PHONE_NUMBER"
	EntityCreditCard Entity = "CREDIT_CARD"
	EntitySSN        Entity = "US_SSN"
	EntityIPAddress  Entity = "IP_ADDRESS"
)

var defaultPatterns = map[Entity]*regexp.Regexp{
	EntityEmail:      regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	EntityPhone:      regexp.MustCompile(`\+?\d{1,2}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}`),
	EntityCreditCard: regexp.MustCompile(`\b(?:\d[ \-]*?){13,16}\b`),
	EntitySSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	EntityIPAddress:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// Match is one recognized span.
type Match struct {
	Entity Entity
	Value  string
	Start  int
	End    int
}

// Recognizer finds entity spans in text, restricted to a requested entity
// list (a Policy's PII control names which entities it cares about; an
// empty list means "all known entities").
type Recognizer struct {
	patterns map[Entity]*regexp.Regexp
}

// NewRecognizer builds a Recognizer. extra lets a deployment register
// additional entity/pattern pairs beyond the defaults.
func NewRecognizer(extra map[Entity]*regexp.Regexp) *Recognizer {
	patterns := make(map[Entity]*regexp.Regexp, len(defaultPatterns)+len(extra))
	for k, v := range defaultPatterns {
		patterns[k] = v
	}
	for k, v := range extra {
		patterns[k] = v
	}
	return &Recognizer{patterns: patterns}
}

// Find returns every match for the requested entities, sorted by start
// offset. An empty entities list searches every registered entity type.
func (r *Recognizer) Find(text string, entities []Entity) []Match {
	if len(entities) == 0 {
		entities = make([]Entity, 0, len(r.patterns))
		for e := range r.patterns {
			entities = append(entities, e)
		}
	}
	var matches []Match
	for _, e := range entities {
		pat, ok := r.patterns[e]
		if !ok {
			continue
		}
		for _, loc := range pat.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Entity: e, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sortMatches(matches)
	return matches
}

func sortMatches(m []Match) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && m[j].Start < m[j-1].Start; j-- {
			m[j], m[j-1] = m[j-1], m[j]
		}
	}
}

// redactRune is the fill character the Redaction sub-action uses.
const redactRune = '*'

// Redact replaces every matched span with asterisks of the same length.
func Redact(text string, matches []Match) string {
	return rewrite(text, matches, func(m Match) string {
		return strings.Repeat(string(redactRune), m.End-m.Start)
	})
}

// Anonymize replaces every matched span with a "<ENTITY_NAME>" tag.
func Anonymize(text string, matches []Match) string {
	return rewrite(text, matches, func(m Match) string {
		return "<" + string(m.Entity) + ">"
	})
}

// invisibleMarker is appended to any message that has been detokenized, so
// a later turn echoing it back is recognized and re-anonymized rather than
// treated as fresh, unseen user text.
const invisibleMarker = '‎'

// WasDetokenized reports whether text carries the invisible marker left by
// a previous detokenization pass.
func WasDetokenized(text string) bool {
	return strings.ContainsRune(text, invisibleMarker)
}

// AppendDetokenizedMarker appends the invisible marker, if not already
// present, signaling that text has had tokens substituted back in.
func AppendDetokenizedMarker(text string) string {
	if WasDetokenized(text) {
		return text
	}
	return text + string(invisibleMarker)
}

// tokenPrefix is the single-character tag the tokenization sub-action and
// the stream detokenizer scan for (SPEC_FULL.md §9 open question 2: "the
// tokenization stream wrapper depends on a single-character tag").
const tokenPrefix = 'Δ'

// TokenMap is the per-request token→original mapping a Tokenization control
// populates as it rewrites a prompt, and that the detokenizing stream
// consults when unwinding a response.
type TokenMap struct {
	byToken map[string]string
}

// NewTokenMap returns an empty mapping.
func NewTokenMap() *TokenMap {
	return &TokenMap{byToken: make(map[string]string)}
}

// NewToken mints a fresh placeholder token of the form Δ followed by a
// 12-character suffix derived from a UUID, records its original value, and
// returns the token text to substitute into the prompt.
func (t *TokenMap) NewToken(original string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	token := string(tokenPrefix) + suffix
	t.byToken[token] = original
	return token
}

// Original looks up the original value for a previously minted token.
func (t *TokenMap) Original(token string) (string, bool) {
	v, ok := t.byToken[token]
	return v, ok
}

// Len reports how many tokens have been minted so far.
func (t *TokenMap) Len() int { return len(t.byToken) }

// Tokenize replaces every matched span with a fresh token, recording the
// mapping in m.
func Tokenize(text string, matches []Match, m *TokenMap) string {
	return rewrite(text, matches, func(mt Match) string {
		return m.NewToken(mt.Value)
	})
}

// tokenPattern matches a minted token's textual form so a detokenizing
// stream can find one even when it straddles a chunk boundary once
// reassembled.
var tokenPattern = regexp.MustCompile(string(tokenPrefix) + `[0-9a-f]{12}`)

// FindTokens locates every substring of text that looks like a minted
// token, regardless of whether it's actually present in m — the caller
// decides what to do with an unrecognized one.
func FindTokens(text string) []Match {
	var matches []Match
	for _, loc := range tokenPattern.FindAllStringIndex(text, -1) {
		matches = append(matches, Match{Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	return matches
}

// Detokenize replaces every minted token found in text with its original
// value, leaving unrecognized token-shaped substrings untouched.
func Detokenize(text string, m *TokenMap) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if orig, ok := m.Original(tok); ok {
			return orig
		}
		return tok
	})
}

func rewrite(text string, matches []Match, replace func(Match) string) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue // overlapping match, already covered
		}
		b.WriteString(text[last:m.Start])
		b.WriteString(replace(m))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}
