package auth

import "sort"

// Scopes granted to API credentials.
const (
	ScopeRead  = "neptu:read"
	ScopeWrite = "neptu:write"
	ScopeAI    = "neptu:ai"
	ScopeAdmin = "neptu:admin" // implies every other scope
)

var knownScopes = map[string]string{
	ScopeRead:  "Read calendar and reading data",
	ScopeWrite: "Create and modify resources",
	ScopeAI:    "Use AI interpretation endpoints",
	ScopeAdmin: "Full access",
}

// IsKnownScope reports whether s is part of the scope vocabulary.
func IsKnownScope(s string) bool {
	_, ok := knownScopes[s]
	return ok
}

// ScopeSet is an immutable set of scope tokens.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from a list, dropping duplicates.
func NewScopeSet(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// Has reports whether scope is granted directly or through admin.
func (s ScopeSet) Has(scope string) bool {
	if _, ok := s[ScopeAdmin]; ok {
		return true
	}
	_, ok := s[scope]
	return ok
}

// HasAny reports whether any of required is granted. An empty list is satisfied.
func (s ScopeSet) HasAny(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// List returns the scopes sorted.
func (s ScopeSet) List() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
