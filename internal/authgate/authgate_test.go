package authgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/authgate"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/ctxerr"
)

type stubStore struct {
	byHash map[string]*configstore.APIKeyDoc
}

func (s *stubStore) KeyByHash(_ context.Context, hash string) (*configstore.APIKeyDoc, error) {
	return s.byHash[hash], nil
}

func newGate(key *configstore.APIKeyDoc, token string) *authgate.Gate {
	store := &stubStore{byHash: map[string]*configstore.APIKeyDoc{authgate.HashToken(token): key}}
	return authgate.New(store, nil)
}

func TestAuthenticateHappyPath(t *testing.T) {
	key := &configstore.APIKeyDoc{ID: configstore.ObjectID{1}}
	g := newGate(key, "sk-good")

	got, err := g.Authenticate(context.Background(), "Bearer sk-good")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != key {
		t.Errorf("got different key back")
	}
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	g := newGate(nil, "")
	_, err := g.Authenticate(context.Background(), "")
	var authErr *ctxerr.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	g := newGate(nil, "sk-known")
	_, err := g.Authenticate(context.Background(), "Bearer sk-other")
	var authErr *ctxerr.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestAuthenticateRejectsExpiredKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	key := &configstore.APIKeyDoc{ID: configstore.ObjectID{1}, ExpiresAt: &past}
	g := newGate(key, "sk-expired")

	_, err := g.Authenticate(context.Background(), "Bearer sk-expired")
	var authErr *ctxerr.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestAuthenticateRejectsSuspendedKey(t *testing.T) {
	future := time.Now().Add(time.Hour)
	key := &configstore.APIKeyDoc{ID: configstore.ObjectID{1}, UnbudgetedUntil: &future}
	g := newGate(key, "sk-suspended")

	_, err := g.Authenticate(context.Background(), "Bearer sk-suspended")
	var unbudgeted *ctxerr.ErrUnbudgetedAPIKey
	if !errors.As(err, &unbudgeted) {
		t.Fatalf("expected ErrUnbudgetedAPIKey, got %v", err)
	}
	if unbudgeted.Delta <= 0 || unbudgeted.Delta > 3600 {
		t.Errorf("delta = %v, want in (0, 3600]", unbudgeted.Delta)
	}
}

func TestAuthenticateEnforcesRateLimit(t *testing.T) {
	key := &configstore.APIKeyDoc{ID: configstore.ObjectID{1}, RateRequests: 1, RatePeriod: configstore.RateHour}
	g := newGate(key, "sk-ratelimited")

	if _, err := g.Authenticate(context.Background(), "Bearer sk-ratelimited"); err != nil {
		t.Fatalf("first request: unexpected error: %v", err)
	}

	_, err := g.Authenticate(context.Background(), "Bearer sk-ratelimited")
	var tooMany *ctxerr.ErrTooManyRequests
	if !errors.As(err, &tooMany) {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
}

func TestParseBearerRejectsWrongScheme(t *testing.T) {
	if got := authgate.ParseBearer("Basic dXNlcjpwYXNz"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
