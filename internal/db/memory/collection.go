package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/db"
)

const idIndexName = "_id_"

type simpleIndex struct {
	name    string
	keys    bson.D
	options bson.M
}

type searchIndex struct {
	name      string
	typ       string
	def       bson.M
	status    db.SearchIndexStatus
	queryable bool
	polls     int
	forced    bool
}

type collectionState struct {
	docs          []bson.M
	indexes       []*simpleIndex
	searchIndexes map[string]*searchIndex
}

func newCollectionState() *collectionState {
	return &collectionState{
		indexes:       []*simpleIndex{{name: idIndexName, keys: bson.D{{Key: "_id", Value: 1}}, options: bson.M{}}},
		searchIndexes: make(map[string]*searchIndex),
	}
}

// Collection is a handle onto one named collection.
type Collection struct {
	db   *Database
	name string
}

// Name returns the physical collection name.
func (c *Collection) Name() string { return c.name }

func cloneDoc(doc bson.M) bson.M {
	out, _ := bsonx.DeepClone(doc).(bson.M)
	return out
}

// --- reads ---

// Find returns matching documents in insertion order unless sorted.
func (c *Collection) Find(ctx context.Context, filter bson.M, opts db.FindOptions) ([]bson.M, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpFind); err != nil {
		return nil, err
	}
	docs, err := c.find(filter, opts)
	if err != nil {
		return nil, &db.Error{Op: db.OpFind, Err: err}
	}
	return docs, nil
}

// FindOne returns the first match or db.ErrNoDocuments.
func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts db.FindOptions) (bson.M, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpFindOne); err != nil {
		return nil, err
	}
	opts.Limit = 1
	docs, err := c.find(filter, opts)
	if err != nil {
		return nil, &db.Error{Op: db.OpFindOne, Err: err}
	}
	if len(docs) == 0 {
		return nil, &db.Error{Op: db.OpFindOne, Err: db.ErrNoDocuments}
	}
	return docs[0], nil
}

// CountDocuments counts matches.
func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpCount); err != nil {
		return 0, err
	}
	docs, err := c.matching(filter)
	if err != nil {
		return 0, &db.Error{Op: db.OpCount, Err: err}
	}
	return int64(len(docs)), nil
}

// Aggregate runs a pipeline against the collection.
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpAggregate); err != nil {
		return nil, err
	}
	st := c.db.state(c.name, false)
	var docs []bson.M
	if st != nil {
		docs = st.docs
	}
	out, err := c.db.runPipeline(c.name, cloneDocs(docs), pipeline)
	if err != nil {
		return nil, &db.Error{Op: db.OpAggregate, Err: err}
	}
	return out, nil
}

func (c *Collection) find(filter bson.M, opts db.FindOptions) ([]bson.M, error) {
	docs, err := c.matching(filter)
	if err != nil {
		return nil, err
	}
	docs = cloneDocs(docs)
	if len(opts.Sort) > 0 {
		sortDocs(docs, opts.Sort)
	}
	docs = skipLimit(docs, opts.Skip, opts.Limit)
	if len(opts.Projection) > 0 {
		if docs, err = project(docs, opts.Projection); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// matching returns the stored (uncloned) documents that satisfy filter.
func (c *Collection) matching(filter bson.M) ([]bson.M, error) {
	st := c.db.state(c.name, false)
	if st == nil {
		return nil, nil
	}
	return filterDocs(st.docs, filter)
}

func filterDocs(docs []bson.M, filter bson.M) ([]bson.M, error) {
	var out []bson.M
	for _, doc := range docs {
		ok, err := MatchesFilter(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// --- writes ---

// InsertOne stores a copy of doc, assigning an ObjectID when _id is absent.
func (c *Collection) InsertOne(ctx context.Context, doc bson.M) (any, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpInsertOne); err != nil {
		return nil, err
	}
	id, err := c.insert(doc)
	if err != nil {
		return nil, &db.Error{Op: db.OpInsertOne, Err: err}
	}
	return id, nil
}

// InsertMany stores documents in order and stops at the first failure.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M) ([]any, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpInsertMany); err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		id, err := c.insert(doc)
		if err != nil {
			return ids, &db.Error{Op: db.OpInsertMany, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Collection) insert(doc bson.M) (any, error) {
	st := c.db.state(c.name, true)
	stored := cloneDoc(doc)
	if stored == nil {
		stored = bson.M{}
	}
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = primitive.NewObjectID()
	}
	if err := st.checkUnique(stored, -1); err != nil {
		return nil, err
	}
	st.docs = append(st.docs, stored)
	return stored["_id"], nil
}

// UpdateOne applies update to the first match.
func (c *Collection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	return c.update(ctx, db.OpUpdateOne, filter, update, upsert, false)
}

// UpdateMany applies update to every match.
func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	return c.update(ctx, db.OpUpdateMany, filter, update, upsert, true)
}

func (c *Collection) update(ctx context.Context, op string, filter, update bson.M, upsert, many bool) (db.UpdateResult, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, op); err != nil {
		return db.UpdateResult{}, err
	}
	if err := validateUpdate(update); err != nil {
		return db.UpdateResult{}, &db.Error{Op: op, Err: err}
	}

	st := c.db.state(c.name, upsert)
	var res db.UpdateResult
	if st != nil {
		for i, doc := range st.docs {
			ok, err := MatchesFilter(doc, filter)
			if err != nil {
				return res, &db.Error{Op: op, Err: err}
			}
			if !ok {
				continue
			}
			res.Matched++
			next := cloneDoc(doc)
			changed, err := applyUpdate(next, update, false)
			if err != nil {
				return res, &db.Error{Op: op, Err: err}
			}
			if changed {
				if err := st.checkUnique(next, i); err != nil {
					return res, &db.Error{Op: op, Err: err}
				}
				st.docs[i] = next
				res.Modified++
			}
			if !many {
				break
			}
		}
	}
	if res.Matched > 0 || !upsert {
		return res, nil
	}

	doc := seedFromFilter(filter)
	if _, err := applyUpdate(doc, update, true); err != nil {
		return res, &db.Error{Op: op, Err: err}
	}
	id, err := c.insert(doc)
	if err != nil {
		return res, &db.Error{Op: op, Err: err}
	}
	res.UpsertedID = id
	return res, nil
}

// DeleteOne removes the first match.
func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, db.OpDeleteOne, filter, false)
}

// DeleteMany removes every match.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, db.OpDeleteMany, filter, true)
}

func (c *Collection) delete(ctx context.Context, op string, filter bson.M, many bool) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, op); err != nil {
		return 0, err
	}
	st := c.db.state(c.name, false)
	if st == nil {
		return 0, nil
	}
	kept := st.docs[:0:0]
	var deleted int64
	for _, doc := range st.docs {
		ok, err := MatchesFilter(doc, filter)
		if err != nil {
			return 0, &db.Error{Op: op, Err: err}
		}
		if ok && (many || deleted == 0) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	st.docs = kept
	return deleted, nil
}

// --- simple indexes ---

// CreateIndex mirrors createIndexes: an identical index is a no-op, a clash is an error.
func (c *Collection) CreateIndex(ctx context.Context, model db.IndexModel) (string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpCreateIndex); err != nil {
		return "", err
	}
	if len(model.Keys) == 0 {
		return "", &db.Error{Op: db.OpCreateIndex, Err: fmt.Errorf("index keys are empty")}
	}
	name := model.Name
	if name == "" {
		name = defaultIndexName(model.Keys)
	}
	st := c.db.state(c.name, true)
	want := &simpleIndex{name: name, keys: model.Keys, options: bsonx.Clone(model.Options)}
	for _, existing := range st.indexes {
		sameKeys := bsonx.Equal(keysToA(existing.keys), keysToA(want.keys))
		sameOpts := bsonx.Equal(existing.options, want.options)
		switch {
		case existing.name == name && sameKeys && sameOpts:
			return name, nil
		case existing.name == name:
			return "", &db.Error{Op: db.OpCreateIndex, Err: fmt.Errorf("%w: %s", db.ErrIndexOptionsClash, name)}
		case sameKeys:
			return "", &db.Error{Op: db.OpCreateIndex, Err: fmt.Errorf("%w: keys already indexed as %s", db.ErrIndexOptionsClash, existing.name)}
		}
	}
	st.indexes = append(st.indexes, want)
	return name, nil
}

// ListIndexes returns every simple index; a missing collection has none.
func (c *Collection) ListIndexes(ctx context.Context) ([]db.IndexInfo, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpListIndexes); err != nil {
		return nil, err
	}
	st := c.db.state(c.name, false)
	if st == nil {
		return nil, nil
	}
	out := make([]db.IndexInfo, 0, len(st.indexes))
	for _, idx := range st.indexes {
		keys, _ := bsonx.DeepClone(idx.keys).(bson.D)
		out = append(out, db.IndexInfo{Name: idx.name, Keys: keys, Options: bsonx.Clone(idx.options)})
	}
	return out, nil
}

// DropIndex removes a simple index by name.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpDropIndex); err != nil {
		return err
	}
	if name == idIndexName {
		return &db.Error{Op: db.OpDropIndex, Err: fmt.Errorf("cannot drop %s", idIndexName)}
	}
	st := c.db.state(c.name, false)
	if st != nil {
		for i, idx := range st.indexes {
			if idx.name == name {
				st.indexes = append(st.indexes[:i], st.indexes[i+1:]...)
				return nil
			}
		}
	}
	return &db.Error{Op: db.OpDropIndex, Err: fmt.Errorf("%w: %s", db.ErrIndexNotFound, name)}
}

func defaultIndexName(keys bson.D) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

func keysToA(keys bson.D) bson.A {
	out := make(bson.A, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.A{k.Key, k.Value})
	}
	return out
}

// checkUnique rejects doc when a unique index already holds its key tuple. skip is the
// position of the document being replaced, or -1.
func (st *collectionState) checkUnique(doc bson.M, skip int) error {
	for _, idx := range st.indexes {
		unique, _ := idx.options["unique"].(bool)
		if idx.name == idIndexName {
			unique = true
		}
		if !unique || !coveredByPartial(idx, doc) {
			continue
		}
		want := keyTuple(idx.keys, doc)
		for i, other := range st.docs {
			if i == skip || !coveredByPartial(idx, other) {
				continue
			}
			if bsonx.Equal(keyTuple(idx.keys, other), want) {
				return fmt.Errorf("%w: index %s", db.ErrDuplicateKey, idx.name)
			}
		}
	}
	return nil
}

func coveredByPartial(idx *simpleIndex, doc bson.M) bool {
	pfe, ok := bsonx.AsMap(idx.options["partialFilterExpression"])
	if !ok {
		return true
	}
	matched, err := MatchesFilter(doc, pfe)
	return err == nil && matched
}

func keyTuple(keys bson.D, doc bson.M) bson.A {
	out := make(bson.A, 0, len(keys))
	for _, k := range keys {
		v, _ := lookupPath(doc, k.Key)
		out = append(out, v)
	}
	return out
}

// --- managed indexes ---

// CreateSearchIndex registers a managed index; it becomes queryable after polling.
func (c *Collection) CreateSearchIndex(ctx context.Context, model db.SearchIndexModel) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpCreateSearchIndex); err != nil {
		return err
	}
	if c.db.opts.DisableSearch {
		return &db.Error{Op: db.OpCreateSearchIndex, Err: db.ErrSearchNotSupported}
	}
	st := c.db.state(c.name, true)
	if _, ok := st.searchIndexes[model.Name]; ok {
		return &db.Error{Op: db.OpCreateSearchIndex, Err: fmt.Errorf("%w: %s", db.ErrIndexExists, model.Name)}
	}
	typ := model.Type
	if typ == "" {
		typ = "search"
	}
	def, _ := bsonx.DeepClone(model.Definition).(bson.M)
	st.searchIndexes[model.Name] = &searchIndex{
		name:   model.Name,
		typ:    typ,
		def:    def,
		status: db.SearchIndexPending,
	}
	return nil
}

// UpdateSearchIndex replaces a managed definition; the index stays queryable while rebuilding.
func (c *Collection) UpdateSearchIndex(ctx context.Context, name string, definition bson.M) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpUpdateSearchIndex); err != nil {
		return err
	}
	if c.db.opts.DisableSearch || c.db.opts.DisableSearchUpdate {
		return &db.Error{Op: db.OpUpdateSearchIndex, Err: db.ErrSearchNotSupported}
	}
	si := c.searchIndex(name)
	if si == nil {
		return &db.Error{Op: db.OpUpdateSearchIndex, Err: fmt.Errorf("%w: %s", db.ErrIndexNotFound, name)}
	}
	si.def, _ = bsonx.DeepClone(definition).(bson.M)
	si.status = db.SearchIndexPending
	si.polls = 0
	si.forced = false
	return nil
}

// DropSearchIndex removes a managed index.
func (c *Collection) DropSearchIndex(ctx context.Context, name string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpDropSearchIndex); err != nil {
		return err
	}
	if c.db.opts.DisableSearch {
		return &db.Error{Op: db.OpDropSearchIndex, Err: db.ErrSearchNotSupported}
	}
	if c.searchIndex(name) == nil {
		return &db.Error{Op: db.OpDropSearchIndex, Err: fmt.Errorf("%w: %s", db.ErrIndexNotFound, name)}
	}
	delete(c.db.collections[c.name].searchIndexes, name)
	return nil
}

// ListSearchIndexes lists managed indexes (all when name is empty). Each call counts as
// one control-plane poll and advances pending builds.
func (c *Collection) ListSearchIndexes(ctx context.Context, name string) ([]db.SearchIndexInfo, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if err := c.db.begin(ctx, c.name, db.OpListSearchIndexes); err != nil {
		return nil, err
	}
	if c.db.opts.DisableSearch {
		return nil, &db.Error{Op: db.OpListSearchIndexes, Err: db.ErrSearchNotSupported}
	}
	st := c.db.state(c.name, false)
	if st == nil {
		return nil, nil
	}
	names := bsonx.SortedKeys(st.searchIndexes)
	out := make([]db.SearchIndexInfo, 0, len(names))
	for _, n := range names {
		if name != "" && n != name {
			continue
		}
		si := st.searchIndexes[n]
		c.db.advance(si)
		def, _ := bsonx.DeepClone(si.def).(bson.M)
		out = append(out, db.SearchIndexInfo{
			Name:             si.name,
			Type:             si.typ,
			Status:           si.status,
			Queryable:        si.queryable,
			LatestDefinition: def,
		})
	}
	return out, nil
}

// SupportsSearchIndexUpdate reports in-place managed updates.
func (c *Collection) SupportsSearchIndexUpdate() bool {
	return !c.db.opts.DisableSearch && !c.db.opts.DisableSearchUpdate
}

func (c *Collection) searchIndex(name string) *searchIndex {
	st := c.db.state(c.name, false)
	if st == nil {
		return nil
	}
	return st.searchIndexes[name]
}

// advance moves a build one poll forward. Caller holds d.mu.
func (d *Database) advance(si *searchIndex) {
	if si.forced {
		return
	}
	si.polls++
	ready := d.opts.SearchReadyAfter >= 0 && si.polls > d.opts.SearchReadyAfter
	if ready {
		si.status = db.SearchIndexReady
		si.queryable = true
		return
	}
	si.status = db.SearchIndexBuilding
}

// --- ordering helpers ---

func skipLimit(docs []bson.M, skip, limit int64) []bson.M {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

func sortDocs(docs []bson.M, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range spec {
			a, _ := lookupPath(docs[i], k.Key)
			b, _ := lookupPath(docs[j], k.Key)
			c := compareAny(a, b)
			if c == 0 {
				continue
			}
			if dir, _ := bsonx.ToFloat64(k.Value); dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareAny is a total order: null < numbers < strings < documents < arrays < booleans < other.
func compareAny(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	if ab, ok := a.(bool); ok {
		bb, _ := b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := bsonx.ToFloat64(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 5
	}
	if _, ok := bsonx.AsMap(v); ok {
		return 3
	}
	if _, ok := bsonx.AsSlice(v); ok {
		return 4
	}
	return 6
}

// project applies an inclusion or exclusion projection to top-level fields.
func project(docs []bson.M, projection bson.M) ([]bson.M, error) {
	include := -1
	for field, v := range projection {
		if field == "_id" {
			continue
		}
		on := isTruthy(v)
		mode := 0
		if on {
			mode = 1
		}
		if include >= 0 && include != mode {
			return nil, fmt.Errorf("projection cannot mix inclusion and exclusion")
		}
		include = mode
	}
	idOn := true
	if v, ok := projection["_id"]; ok {
		idOn = isTruthy(v)
	}
	out := make([]bson.M, len(docs))
	for i, doc := range docs {
		var next bson.M
		if include == 1 {
			next = bson.M{}
			for field := range projection {
				if v, ok := lookupPath(doc, field); ok && field != "_id" {
					setPath(next, field, v)
				}
			}
			if idOn {
				if id, ok := doc["_id"]; ok {
					next["_id"] = id
				}
			}
		} else {
			next = bsonx.Clone(doc)
			for field := range projection {
				if field != "_id" {
					unsetPath(next, field)
				}
			}
			if !idOn {
				delete(next, "_id")
			}
		}
		out[i] = next
	}
	return out, nil
}

func isTruthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	f, ok := bsonx.ToFloat64(v)
	return ok && f != 0
}
