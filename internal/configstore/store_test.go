package configstore

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/scope"
)

func TestObjectIDString(t *testing.T) {
	var id ObjectID
	for i := range id {
		id[i] = byte(i)
	}
	got := id.String()
	want := "000102030405060708090a0b"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestScopeFilterUnscopedIsEmpty(t *testing.T) {
	f := scopeFilter(scope.Unscoped())
	if len(f) != 0 {
		t.Errorf("expected empty filter for unscoped context, got %v", f)
	}
}

func TestScopeFilterScopedHasWildcardAndPaths(t *testing.T) {
	f := scopeFilter(scope.New("/a/b/"))
	if _, ok := f["$or"]; !ok {
		t.Fatal("expected scoped filter to contain an $or clause")
	}
}

func TestRegexQuoteMeta(t *testing.T) {
	got := regexQuoteMeta("/a.b/")
	want := `/a\.b/`
	if got != want {
		t.Errorf("regexQuoteMeta = %q, want %q", got, want)
	}
}
