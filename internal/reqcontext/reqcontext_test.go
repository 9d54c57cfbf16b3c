package reqcontext

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/modelpool"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
)

func TestDigestDeterministicForIdenticalEvents(t *testing.T) {
	key := &configstore.APIKeyDoc{}
	pool := modelpool.New()

	c1 := FromAPIKey(key, pool, nil, "req-1")
	c1.Record(policy.Event{Hook: "pii", Priority: 1, Sample: "EMAIL_ADDRESS"})

	c2 := FromAPIKey(key, pool, nil, "req-2")
	c2.Record(policy.Event{Hook: "pii", Priority: 1, Sample: "EMAIL_ADDRESS"})

	if c1.Digest() != c2.Digest() {
		t.Fatalf("digests differ: %s vs %s", c1.Digest(), c2.Digest())
	}
}

func TestDigestDiffersForDifferentEvents(t *testing.T) {
	key := &configstore.APIKeyDoc{}
	pool := modelpool.New()

	c1 := FromAPIKey(key, pool, nil, "req-1")
	c1.Record(policy.Event{Hook: "pii", Sample: "a"})

	c2 := FromAPIKey(key, pool, nil, "req-2")
	c2.Record(policy.Event{Hook: "pii", Sample: "b"})

	if c1.Digest() == c2.Digest() {
		t.Fatal("expected digests to differ")
	}
}

func TestTokensPersistAcrossCalls(t *testing.T) {
	c := FromAPIKey(&configstore.APIKeyDoc{}, modelpool.New(), nil, "req-1")
	tok := c.Tokens().NewToken("secret")
	if orig, ok := c.Tokens().Original(tok); !ok || orig != "secret" {
		t.Fatalf("Original(%q) = %v, %v", tok, orig, ok)
	}
}

func TestAttachPolicyResponsePreservesOrder(t *testing.T) {
	c := FromAPIKey(&configstore.APIKeyDoc{}, modelpool.New(), nil, "req-1")
	c.AttachPolicyResponse("languages", "sanitized")
	c.AttachPolicyResponse("pii", "tokenized")
	if len(c.PolicyResponses) != 2 || c.PolicyResponses[0].PolicyType != "languages" {
		t.Fatalf("got %+v", c.PolicyResponses)
	}
}

func TestSelectDelegatesToPool(t *testing.T) {
	pool := modelpool.New()
	pool.AddProviderModels("openai", nil, &configstore.ProviderDoc{
		Models: []configstore.ModelEntry{{Alias: "gpt-4", Enabled: true}},
	})
	c := FromAPIKey(&configstore.APIKeyDoc{}, pool, nil, "req-1")
	entries, err := c.Select("gpt-4")
	if err != nil || len(entries) != 1 {
		t.Fatalf("Select() = %v, %v", entries, err)
	}
}
