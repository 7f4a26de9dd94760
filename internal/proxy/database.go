package proxy

import (
	"sync"

	"github.com/kailas-cloud/scopedb/internal/domain/scope"
	"github.com/kailas-cloud/scopedb/internal/naming"
)

// DatabaseProxy is one tenant's view of the shared database.
type DatabaseProxy struct {
	engine *Engine
	scope  scope.Scope
	reads  []string
	names  *naming.Resolver

	mu          sync.Mutex
	collections map[string]*CollectionProxy
}

func newDatabaseProxy(e *Engine, s scope.Scope) *DatabaseProxy {
	return &DatabaseProxy{
		engine:      e,
		scope:       s,
		reads:       s.Reads(),
		names:       naming.NewResolver(s.Write()),
		collections: make(map[string]*CollectionProxy),
	}
}

// Scope returns the tenant scope every call is bound to.
func (d *DatabaseProxy) Scope() scope.Scope { return d.scope }

// Collection returns the scoped handle for base, creating and caching it on first use.
func (d *DatabaseProxy) Collection(base string) *CollectionProxy {
	name := d.names.Collection(base)

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return c
	}
	c := newCollectionProxy(d, base, name)
	d.collections[name] = c
	return c
}
