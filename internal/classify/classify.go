// Package classify implements the pluggable "classify(text, labels)"
// contract SPEC_FULL.md §9 sanctions: no transformer text-classification or
// zero-shot classification library appears anywhere in the retrieved
// example pack (confirmed by exhaustive grep across every go.mod and
// other_examples/*.go). It backs both the prompt-injection hook (SAFE vs
// INJECTION) and the topics hook (per-topic score against a threshold). The
// default Classifier is a bounded keyword/overlap scorer — explicitly a
// stand-in, built around a narrow interface so a real model can be bound in
// its place without touching internal/policy.
package classify

import (
	"strings"
)

// Classifier is the contract policy hooks depend on.
type Classifier interface {
	// Classify scores text against each of labels, returning a value in
	// [0, 1] per label. Higher means a stronger match.
	Classify(text string, labels []string) map[string]float64
}

// KeywordClassifier scores a label by the fraction of its configured
// keywords that appear (case-insensitively, as substrings) in text.
// Labels not present in the keyword table score 0 for everything except a
// small baseline derived from direct substring occurrence of the label name
// itself, so arbitrary caller-supplied topic lists still produce a usable
// signal.
type KeywordClassifier struct {
	keywords map[string][]string
}

// NewKeywordClassifier builds a Classifier seeded with keyword sets for the
// two built-in labels the prompt-injection hook uses (SAFE/INJECTION) plus
// whatever additional label→keyword sets a deployment configures for its
// topic lists.
func NewKeywordClassifier(extra map[string][]string) *KeywordClassifier {
	kw := map[string][]string{
		"injection": {
			"ignore previous instructions", "ignore all previous", "disregard the above",
			"system prompt", "you are now", "jailbreak", "do anything now", "pretend you are",
			"bypass", "override your instructions",
		},
		"safe": {},
	}
	for k, v := range extra {
		kw[strings.ToLower(k)] = v
	}
	return &KeywordClassifier{keywords: kw}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(text string, labels []string) map[string]float64 {
	lower := strings.ToLower(text)
	out := make(map[string]float64, len(labels))
	for _, label := range labels {
		key := strings.ToLower(label)
		words, ok := c.keywords[key]
		if !ok || len(words) == 0 {
			if strings.Contains(lower, key) {
				out[label] = 0.5
			} else {
				out[label] = 0
			}
			continue
		}
		var hits int
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		out[label] = float64(hits) / float64(len(words))
		if out[label] > 1 {
			out[label] = 1
		}
	}
	return out
}

// InjectionScore is a convenience wrapper matching the prompt-injection
// hook's SAFE/INJECTION framing: it returns the INJECTION score directly.
func InjectionScore(c Classifier, text string) float64 {
	scores := c.Classify(text, []string{"injection"})
	return scores["injection"]
}
