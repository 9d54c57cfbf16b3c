// Package scope implements the caller-visibility filter described for scoped
// entities: every long-lived document carries a list of "/a/b/"-style scope
// paths, and ordinary reads are restricted to rows whose scopes intersect the
// caller's granted paths (or the wildcard "/ALL/").
//
// The source process threads this as an implicit, thread-local context value.
// Here it is an explicit, immutable value passed by callers — never stored in
// a package-level variable — so that two goroutines handling two requests can
// never observe each other's scoping state.
package scope

import "strings"

// Wildcard matches any scope path.
const Wildcard = "/ALL/"

// Context carries the set of scope paths a caller is allowed to see, or
// records that scoping has been explicitly lifted for the current call.
//
// The zero value denies everything — callers must build one via New or
// Unscoped. This fails closed: a forgotten scope.Context is the safe default.
type Context struct {
	unscoped bool
	paths    []string
	parent   *Context
}

// New returns a Context restricted to the given scope paths.
func New(paths ...string) Context {
	return Context{paths: append([]string(nil), paths...)}
}

// Unscoped returns a Context with scoping filtering disabled entirely. Use
// for administrative operations; prefer WithUnscoped to retain a restore
// point for nested scoped calls.
func Unscoped() Context {
	return Context{unscoped: true}
}

// WithUnscoped returns a new frame that disables filtering while keeping c
// reachable via Parent, mirroring the stack-structured override blocks of the
// source's ContextVar-based implementation.
func (c Context) WithUnscoped() Context {
	parent := c
	return Context{unscoped: true, parent: &parent}
}

// WithScopes returns a new frame narrowed to paths, keeping c as the parent.
func (c Context) WithScopes(paths ...string) Context {
	parent := c
	return Context{paths: append([]string(nil), paths...), parent: &parent}
}

// Unscoped reports whether filtering is currently disabled.
func (c Context) IsUnscoped() bool { return c.unscoped }

// Paths returns the currently active allow-list. Empty when unscoped.
func (c Context) Paths() []string { return c.paths }

// Allows reports whether any of candidateScopes is visible under c: either c
// is unscoped, one candidate equals Wildcard, or one candidate is a prefix of
// one of c's allowed paths (or vice versa — a caller granted "/a/" sees rows
// scoped to "/a/b/").
func (c Context) Allows(candidateScopes []string) bool {
	if c.unscoped {
		return true
	}
	for _, cand := range candidateScopes {
		if cand == Wildcard {
			return true
		}
		for _, allowed := range c.paths {
			if allowed == Wildcard || hasPrefixPath(cand, allowed) || hasPrefixPath(allowed, cand) {
				return true
			}
		}
	}
	return false
}

// hasPrefixPath reports whether prefix is a "/"-segment prefix of full, e.g.
// hasPrefixPath("/a/b/c/", "/a/b/") is true.
func hasPrefixPath(full, prefix string) bool {
	return strings.HasPrefix(full, prefix)
}
