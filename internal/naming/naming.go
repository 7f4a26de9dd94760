// Package naming namespaces collection and index names by tenant scope.
package naming

import (
	"fmt"
	"sync"
)

// Collection returns the physical collection name for base under scope.
func Collection(scope, base string) string {
	return fmt.Sprintf("%s_%s", scope, base)
}

// Index returns the physical index name for base under scope.
func Index(scope, base string) string {
	return fmt.Sprintf("%s_%s", scope, base)
}

// Resolver memoizes names for one scope. Safe for concurrent use.
type Resolver struct {
	scope       string
	collections sync.Map // base -> physical
	indexes     sync.Map
}

// NewResolver creates a Resolver bound to scope.
func NewResolver(scope string) *Resolver {
	return &Resolver{scope: scope}
}

// Scope returns the scope names are prefixed with.
func (r *Resolver) Scope() string { return r.scope }

// Collection resolves a base collection name.
func (r *Resolver) Collection(base string) string {
	if v, ok := r.collections.Load(base); ok {
		return v.(string)
	}
	v, _ := r.collections.LoadOrStore(base, Collection(r.scope, base))
	return v.(string)
}

// Index resolves a base index name.
func (r *Resolver) Index(base string) string {
	if v, ok := r.indexes.Load(base); ok {
		return v.(string)
	}
	v, _ := r.indexes.LoadOrStore(base, Index(r.scope, base))
	return v.(string)
}
