package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain"
	"github.com/kailas-cloud/scopedb/internal/metrics"
	"github.com/kailas-cloud/scopedb/internal/pattern"
	"github.com/kailas-cloud/scopedb/internal/scopefilter"
)

// CollectionProxy is the scoped handle of one tenant collection. Reads only see
// documents stamped with a readable scope; writes are stamped with the write scope.
type CollectionProxy struct {
	db      *DatabaseProxy
	base    string
	name    string
	coll    db.Collection
	indexes *IndexManager
}

func newCollectionProxy(d *DatabaseProxy, base, name string) *CollectionProxy {
	c := &CollectionProxy{
		db:   d,
		base: base,
		name: name,
		coll: d.engine.db.Collection(name),
	}
	c.indexes = &IndexManager{c: c}
	return c
}

// Name returns the physical, scope-prefixed collection name.
func (c *CollectionProxy) Name() string { return c.name }

// Base returns the collection name the caller asked for.
func (c *CollectionProxy) Base() string { return c.base }

// Indexes returns the index manager of this collection.
func (c *CollectionProxy) Indexes() *IndexManager { return c.indexes }

func (c *CollectionProxy) filter() *scopefilter.Engine { return c.db.engine.filter }

// Find returns every readable document matching filter.
func (c *CollectionProxy) Find(ctx context.Context, filter bson.M, opts db.FindOptions) ([]bson.M, error) {
	scoped, err := c.filter().ReadFilter(filter, c.db.reads)
	if err != nil {
		return nil, c.done(db.OpFind, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	docs, err := c.coll.Find(ctx, scoped, opts)
	if err != nil {
		return nil, c.done(db.OpFind, err)
	}
	c.observe(filter, opts.Sort)
	return docs, c.done(db.OpFind, nil)
}

// FindOne returns the first readable document matching filter, or domain.ErrDocumentNotFound.
func (c *CollectionProxy) FindOne(ctx context.Context, filter bson.M, opts db.FindOptions) (bson.M, error) {
	scoped, err := c.filter().ReadFilter(filter, c.db.reads)
	if err != nil {
		return nil, c.done(db.OpFindOne, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	doc, err := c.coll.FindOne(ctx, scoped, opts)
	if errors.Is(err, db.ErrNoDocuments) {
		c.observe(filter, opts.Sort)
		return nil, c.done(db.OpFindOne, fmt.Errorf("%w in %s", domain.ErrDocumentNotFound, c.base))
	}
	if err != nil {
		return nil, c.done(db.OpFindOne, err)
	}
	c.observe(filter, opts.Sort)
	return doc, c.done(db.OpFindOne, nil)
}

// CountDocuments counts readable documents matching filter.
func (c *CollectionProxy) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	scoped, err := c.filter().ReadFilter(filter, c.db.reads)
	if err != nil {
		return 0, c.done(db.OpCount, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	n, err := c.coll.CountDocuments(ctx, scoped)
	if err != nil {
		return 0, c.done(db.OpCount, err)
	}
	c.observe(filter, nil)
	return n, c.done(db.OpCount, nil)
}

// Aggregate runs pipeline over readable documents. Foreign collections named by
// $lookup, $unionWith and $graphLookup resolve to this tenant's collections, and
// the index of a leading search stage resolves to this tenant's index.
func (c *CollectionProxy) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	scoped, err := c.filter().InjectPipeline(resolveSearchIndexes(pipeline, c.db.names.Index), c.db.reads, c.db.names.Collection)
	if err != nil {
		return nil, c.done(db.OpAggregate, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	docs, err := c.coll.Aggregate(ctx, scoped)
	if err != nil {
		return nil, c.done(db.OpAggregate, err)
	}
	if match, sortSpec, ok := matchLed(pipeline); ok {
		c.observe(match, sortSpec)
	}
	return docs, c.done(db.OpAggregate, nil)
}

// matchLed returns the leading $match of a conventional pipeline and the $sort right
// after it. Search-led pipelines do not qualify.
func matchLed(pipeline []bson.M) (bson.M, bson.D, bool) {
	if len(pipeline) == 0 || scopefilter.IsSearchLed(pipeline) {
		return nil, nil, false
	}
	name, arg, ok := bsonx.SingleKey(pipeline[0])
	if !ok || name != "$match" {
		return nil, nil, false
	}
	match, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, nil, false
	}

	var sortSpec bson.D
	if len(pipeline) > 1 {
		if name, arg, ok := bsonx.SingleKey(pipeline[1]); ok && name == "$sort" {
			switch s := arg.(type) {
			case bson.D:
				sortSpec = s
			default:
				// Unordered sort documents only carry a usable order with one key.
				if m, ok := bsonx.AsMap(arg); ok && len(m) == 1 {
					for k, v := range m {
						sortSpec = bson.D{{Key: k, Value: v}}
					}
				}
			}
		}
	}
	return match, sortSpec, true
}

// defaultSearchIndex is the index a $search or $searchMeta stage without one targets.
const defaultSearchIndex = "default"

// resolveSearchIndexes returns pipeline with search index names mapped through resolve:
// a leading $vectorSearch, $search or $searchMeta stage, the pipelines of a leading
// $rankFusion, and the same at the head of every $lookup, $unionWith and $facet
// sub-pipeline. A search stage without an index gets the tenant's default index.
// pipeline itself is not modified.
func resolveSearchIndexes(pipeline []bson.M, resolve func(string) string) []bson.M {
	var out []bson.M
	for i, stage := range pipeline {
		next, changed := resolveStage(stage, i == 0, resolve)
		if !changed {
			continue
		}
		if out == nil {
			out = slices.Clone(pipeline)
		}
		out[i] = next
	}
	if out == nil {
		return pipeline
	}
	return out
}

func resolveStage(stage bson.M, lead bool, resolve func(string) string) (bson.M, bool) {
	name, arg, ok := bsonx.SingleKey(stage)
	if !ok {
		return nil, false
	}
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, false
	}

	switch name {
	case "$vectorSearch", "$search", "$searchMeta":
		if !lead {
			return nil, false
		}
		idx, _ := bsonx.AsString(spec["index"])
		if idx == "" {
			if name == "$vectorSearch" {
				// Required by the server; let it reject the stage.
				return nil, false
			}
			idx = defaultSearchIndex
		}
		next := bsonx.Clone(spec)
		next["index"] = resolve(idx)
		return bson.M{name: next}, true
	case "$rankFusion":
		if !lead {
			return nil, false
		}
		input, _ := bsonx.AsMap(spec["input"])
		pipelines, ok := bsonx.AsMap(input["pipelines"])
		if !ok {
			return nil, false
		}
		nextInput := bsonx.Clone(input)
		nextInput["pipelines"] = resolveEach(pipelines, resolve)
		next := bsonx.Clone(spec)
		next["input"] = nextInput
		return bson.M{name: next}, true
	case "$lookup", "$unionWith":
		sub, ok := asStages(spec["pipeline"])
		if !ok {
			return nil, false
		}
		next := bsonx.Clone(spec)
		next["pipeline"] = resolveSearchIndexes(sub, resolve)
		return bson.M{name: next}, true
	case "$facet":
		return bson.M{name: resolveEach(spec, resolve)}, true
	}
	return nil, false
}

// resolveEach resolves every value of named that is a pipeline; other values are kept.
func resolveEach(named bson.M, resolve func(string) string) bson.M {
	out := make(bson.M, len(named))
	for key, raw := range named {
		sub, ok := asStages(raw)
		if !ok {
			out[key] = raw
			continue
		}
		out[key] = resolveSearchIndexes(sub, resolve)
	}
	return out
}

func asStages(raw any) ([]bson.M, bool) {
	items, ok := bsonx.AsSlice(raw)
	if !ok {
		return nil, false
	}
	stages := make([]bson.M, 0, len(items))
	for _, item := range items {
		stage, ok := bsonx.AsMap(item)
		if !ok {
			return nil, false
		}
		stages = append(stages, stage)
	}
	return stages, true
}

// InsertOne stamps doc with the write scope and inserts it.
func (c *CollectionProxy) InsertOne(ctx context.Context, doc bson.M) (any, error) {
	stamped := c.filter().WriteStamp(doc, c.db.scope.Write())
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	id, err := c.coll.InsertOne(ctx, stamped)
	return id, c.done(db.OpInsertOne, err)
}

// InsertMany stamps every document with the write scope and inserts them.
func (c *CollectionProxy) InsertMany(ctx context.Context, docs []bson.M) ([]any, error) {
	stamped := c.filter().StampMany(docs, c.db.scope.Write())
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	ids, err := c.coll.InsertMany(ctx, stamped)
	return ids, c.done(db.OpInsertMany, err)
}

// UpdateOne updates the first readable document matching filter. update must use
// operators and may not move the document to another scope.
func (c *CollectionProxy) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	return c.update(ctx, db.OpUpdateOne, filter, update, upsert)
}

// UpdateMany updates every readable document matching filter.
func (c *CollectionProxy) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	return c.update(ctx, db.OpUpdateMany, filter, update, upsert)
}

func (c *CollectionProxy) update(ctx context.Context, op string, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	scoped, err := c.filter().ReadFilter(filter, c.db.reads)
	if err != nil {
		return db.UpdateResult{}, c.done(op, err)
	}
	scopedUpdate, err := c.filter().ScopeUpdate(update, c.db.scope.Write(), upsert)
	if err != nil {
		return db.UpdateResult{}, c.done(op, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	var res db.UpdateResult
	if op == db.OpUpdateOne {
		res, err = c.coll.UpdateOne(ctx, scoped, scopedUpdate, upsert)
	} else {
		res, err = c.coll.UpdateMany(ctx, scoped, scopedUpdate, upsert)
	}
	return res, c.done(op, err)
}

// DeleteOne deletes the first readable document matching filter.
func (c *CollectionProxy) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, db.OpDeleteOne, filter)
}

// DeleteMany deletes every readable document matching filter.
func (c *CollectionProxy) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, db.OpDeleteMany, filter)
}

func (c *CollectionProxy) delete(ctx context.Context, op string, filter bson.M) (int64, error) {
	scoped, err := c.filter().ReadFilter(filter, c.db.reads)
	if err != nil {
		return 0, c.done(op, err)
	}
	ctx, cancel := c.db.engine.withTimeout(ctx)
	defer cancel()

	var n int64
	if op == db.OpDeleteOne {
		n, err = c.coll.DeleteOne(ctx, scoped)
	} else {
		n, err = c.coll.DeleteMany(ctx, scoped)
	}
	return n, c.done(op, err)
}

// done records the outcome of op and returns err unchanged.
func (c *CollectionProxy) done(op string, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrScopeViolation), errors.Is(err, domain.ErrUnsupportedPipelineShape):
		result = "rejected"
		c.db.engine.logger.Warn("scoped operation rejected",
			zap.String("op", op), zap.String("collection", c.name), zap.Error(err))
	case errors.Is(err, domain.ErrDocumentNotFound):
	default:
		result = "error"
	}
	metrics.ScopedOpsTotal.WithLabelValues(op, result).Inc()
	return err
}

// observe feeds a read shape to the pattern tracker. The index request, if any, runs
// in the background.
func (c *CollectionProxy) observe(filter bson.M, sortSpec bson.D) {
	tracker := c.db.engine.tracker
	if tracker == nil {
		return
	}
	shape, ok := pattern.ShapeOf(filter, sortSpec, c.filter().StampField())
	if !ok || !tracker.Observe(c.name, shape) {
		return
	}
	c.db.engine.background(func(ctx context.Context) {
		c.requestAutoIndex(ctx, shape)
	})
}
