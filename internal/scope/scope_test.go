package scope

import "testing"

func TestContextAllows(t *testing.T) {
	cases := []struct {
		name string
		ctx  Context
		cand []string
		want bool
	}{
		{"unscoped allows anything", Unscoped(), []string{"/x/"}, true},
		{"wildcard candidate", New("/a/"), []string{Wildcard}, true},
		{"exact match", New("/a/b/"), []string{"/a/b/"}, true},
		{"caller broader than row", New("/a/"), []string{"/a/b/"}, true},
		{"row broader than caller", New("/a/b/"), []string{"/a/"}, true},
		{"disjoint", New("/a/"), []string{"/b/"}, false},
		{"empty allow-list denies", New(), []string{"/a/"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ctx.Allows(tc.cand); got != tc.want {
				t.Errorf("Allows(%v) = %v, want %v", tc.cand, got, tc.want)
			}
		})
	}
}

func TestWithUnscopedRestoresParent(t *testing.T) {
	base := New("/a/")
	nested := base.WithUnscoped()
	if !nested.IsUnscoped() {
		t.Fatal("nested context should be unscoped")
	}
	if nested.parent == nil || nested.parent.IsUnscoped() {
		t.Fatal("parent frame should be preserved and still scoped")
	}
}
