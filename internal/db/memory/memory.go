// Package memory is an in-process implementation of the db contracts.
// It backs the memory database driver and every engine test that needs a real round trip.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/db"
)

// Options tune the simulated control plane.
type Options struct {
	// SearchReadyAfter is the number of listSearchIndexes polls before a managed
	// build turns READY. Zero means ready on the first poll; negative never finishes.
	SearchReadyAfter int
	// DisableSearch makes every managed index call fail with db.ErrSearchNotSupported.
	DisableSearch bool
	// DisableSearchUpdate reports no in-place update support for managed indexes.
	DisableSearchUpdate bool
}

// Call is one recorded driver invocation.
type Call struct {
	Collection string
	Op         string
}

var mutatingOps = map[string]bool{
	db.OpCreateIndex:       true,
	db.OpDropIndex:         true,
	db.OpCreateSearchIndex: true,
	db.OpUpdateSearchIndex: true,
	db.OpDropSearchIndex:   true,
}

// Database holds every collection behind one mutex.
type Database struct {
	mu          sync.Mutex
	opts        Options
	collections map[string]*collectionState
	calls       []Call
	faults      map[string][]error
	closed      bool
}

var errClosed = errors.New("database is closed")

// New creates an empty database.
func New(opts Options) *Database {
	return &Database{
		opts:        opts,
		collections: make(map[string]*collectionState),
		faults:      make(map[string][]error),
	}
}

// Collection returns a handle; the collection materializes on first write.
func (d *Database) Collection(name string) db.Collection {
	return &Collection{db: d, name: name}
}

// Ping implements db.Pinger.
func (d *Database) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	return nil
}

// WaitForReady returns immediately; the memory database is always ready unless closed.
func (d *Database) WaitForReady(ctx context.Context, _ time.Duration) error {
	return d.Ping(ctx)
}

// Close marks the database closed. Further calls fail.
func (d *Database) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// FailNext queues err to be returned by the next call of op (any collection).
func (d *Database) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], err)
}

// SetSearchIndexStatus forces the status of a managed index, e.g. to simulate a failed build.
func (d *Database) SetSearchIndexStatus(collection, name string, status db.SearchIndexStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.collections[collection]
	if !ok {
		return
	}
	if si, ok := st.searchIndexes[name]; ok {
		si.status = status
		si.forced = true
		si.queryable = status == db.SearchIndexReady
	}
}

// CollectionNames lists materialized collections.
func (d *Database) CollectionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	return names
}

// RawDocuments returns a copy of every stored document, bypassing any filter.
func (d *Database) RawDocuments(collection string) []bson.M {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.collections[collection]
	if !ok {
		return nil
	}
	return cloneDocs(st.docs)
}

// Calls returns the recorded invocations in order.
func (d *Database) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CountCalls counts recorded invocations of the given ops.
func (d *Database) CountCalls(ops ...string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		for _, op := range ops {
			if c.Op == op {
				n++
			}
		}
	}
	return n
}

// MutatingIndexCalls counts index create/update/drop invocations.
func (d *Database) MutatingIndexCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if mutatingOps[c.Op] {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (d *Database) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// begin records the call and returns any injected fault. Caller holds d.mu.
func (d *Database) begin(ctx context.Context, collection, op string) error {
	d.calls = append(d.calls, Call{Collection: collection, Op: op})
	if err := ctx.Err(); err != nil {
		return &db.Error{Op: op, Err: err}
	}
	if d.closed {
		return &db.Error{Op: op, Err: errClosed}
	}
	if queued := d.faults[op]; len(queued) > 0 {
		d.faults[op] = queued[1:]
		return &db.Error{Op: op, Err: queued[0]}
	}
	return nil
}

// state returns the collection state, creating it when create is set. Caller holds d.mu.
func (d *Database) state(name string, create bool) *collectionState {
	st, ok := d.collections[name]
	if !ok && create {
		st = newCollectionState()
		d.collections[name] = st
	}
	return st
}

func cloneDocs(docs []bson.M) []bson.M {
	out := make([]bson.M, len(docs))
	for i, doc := range docs {
		out[i] = cloneDoc(doc)
	}
	return out
}
