// Package query implements the backend query interface (C2), the built-in
// backends (C3), and the global composite grammar with recursive alias
// resolution (C4).
package query

import (
	"context"
	"unicode/utf8"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
)

// AliasPrefix is reserved for alias references and may never be claimed by
// a backend at registration.
const AliasPrefix = "A"

// Backend resolves a backend-local payload string into a NodeSet. It
// defines its own grammar over payload and must be deterministic given
// its inputs, aside from whatever network calls it makes.
type Backend interface {
	// Prefix is this backend's single-character registry key.
	Prefix() string
	// Resolve parses and resolves payload into a NodeSet.
	Resolve(ctx context.Context, payload string) (nodeset.NodeSet, error)
}

// Registry is an explicit, per-construction backend table — never a
// process-wide mutable global — so tests never leak registrations into
// one another.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its own Prefix(). It rejects a prefix
// that is not exactly one character (§3 "single identifier"/§4.2
// "single-character prefix"), the reserved alias prefix "A", and any
// duplicate prefix.
func (r *Registry) Register(b Backend) error {
	prefix := b.Prefix()
	if utf8.RuneCountInString(prefix) != 1 {
		return cuminerrors.New(cuminerrors.ConfigError, "backend prefix %q must be a single character", prefix)
	}
	if prefix == AliasPrefix {
		return cuminerrors.New(cuminerrors.ConfigError, "backend prefix %q is reserved for aliases", prefix)
	}
	if _, exists := r.backends[prefix]; exists {
		return cuminerrors.New(cuminerrors.ConfigError, "duplicate backend prefix %q", prefix)
	}
	r.backends[prefix] = b
	return nil
}

// Get returns the backend registered under prefix, if any.
func (r *Registry) Get(prefix string) (Backend, bool) {
	b, ok := r.backends[prefix]
	return b, ok
}
