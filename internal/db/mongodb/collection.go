package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kailas-cloud/scopedb/internal/db"
)

// Collection adapts *mongo.Collection to db.Collection.
type Collection struct {
	db   *mongo.Database
	coll *mongo.Collection
}

// Name returns the physical collection name.
func (c *Collection) Name() string { return c.coll.Name() }

// Find runs a find command and drains the cursor.
func (c *Collection) Find(ctx context.Context, filter bson.M, fo db.FindOptions) ([]bson.M, error) {
	opts := options.Find()
	if len(fo.Sort) > 0 {
		opts.SetSort(fo.Sort)
	}
	if len(fo.Projection) > 0 {
		opts.SetProjection(fo.Projection)
	}
	if fo.Skip > 0 {
		opts.SetSkip(fo.Skip)
	}
	if fo.Limit > 0 {
		opts.SetLimit(fo.Limit)
	}
	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(db.OpFind, err)
	}
	var out []bson.M
	if err := cursor.All(ctx, &out); err != nil {
		return nil, wrapErr(db.OpFind, err)
	}
	return out, nil
}

// FindOne returns the first match or db.ErrNoDocuments.
func (c *Collection) FindOne(ctx context.Context, filter bson.M, fo db.FindOptions) (bson.M, error) {
	opts := options.FindOne()
	if len(fo.Sort) > 0 {
		opts.SetSort(fo.Sort)
	}
	if len(fo.Projection) > 0 {
		opts.SetProjection(fo.Projection)
	}
	if fo.Skip > 0 {
		opts.SetSkip(fo.Skip)
	}
	var out bson.M
	if err := c.coll.FindOne(ctx, filter, opts).Decode(&out); err != nil {
		return nil, wrapErr(db.OpFindOne, err)
	}
	return out, nil
}

// CountDocuments counts matches.
func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, wrapErr(db.OpCount, err)
	}
	return n, nil
}

// Aggregate runs a pipeline and drains the cursor.
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapErr(db.OpAggregate, err)
	}
	var out []bson.M
	if err := cursor.All(ctx, &out); err != nil {
		return nil, wrapErr(db.OpAggregate, err)
	}
	return out, nil
}

// InsertOne inserts a document and returns its _id.
func (c *Collection) InsertOne(ctx context.Context, doc bson.M) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, wrapErr(db.OpInsertOne, err)
	}
	return res.InsertedID, nil
}

// InsertMany inserts documents in order.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M) ([]any, error) {
	batch := make([]any, len(docs))
	for i := range docs {
		batch[i] = docs[i]
	}
	res, err := c.coll.InsertMany(ctx, batch)
	if err != nil {
		var ids []any
		if res != nil {
			ids = res.InsertedIDs
		}
		return ids, wrapErr(db.OpInsertMany, err)
	}
	return res.InsertedIDs, nil
}

// UpdateOne applies an operator update to the first match.
func (c *Collection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return db.UpdateResult{}, wrapErr(db.OpUpdateOne, err)
	}
	return toUpdateResult(res), nil
}

// UpdateMany applies an operator update to every match.
func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (db.UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return db.UpdateResult{}, wrapErr(db.OpUpdateMany, err)
	}
	return toUpdateResult(res), nil
}

func toUpdateResult(res *mongo.UpdateResult) db.UpdateResult {
	return db.UpdateResult{
		Matched:    res.MatchedCount,
		Modified:   res.ModifiedCount,
		UpsertedID: res.UpsertedID,
	}
}

// DeleteOne removes the first match.
func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, wrapErr(db.OpDeleteOne, err)
	}
	return res.DeletedCount, nil
}

// DeleteMany removes every match.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr(db.OpDeleteMany, err)
	}
	return res.DeletedCount, nil
}

// --- simple indexes ---

// CreateIndex issues createIndexes for one model and returns the server-side name.
func (c *Collection) CreateIndex(ctx context.Context, model db.IndexModel) (string, error) {
	opts, err := indexOptions(model.Name, model.Options)
	if err != nil {
		return "", wrapErr(db.OpCreateIndex, err)
	}
	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: model.Keys, Options: opts})
	if err != nil {
		return "", wrapErr(db.OpCreateIndex, err)
	}
	return name, nil
}

type listedIndex struct {
	Name string `bson:"name"`
	Key  bson.D `bson:"key"`
}

// ListIndexes returns every index; key order is preserved.
func (c *Collection) ListIndexes(ctx context.Context) ([]db.IndexInfo, error) {
	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, wrapErr(db.OpListIndexes, err)
	}
	defer cursor.Close(ctx)

	var out []db.IndexInfo
	for cursor.Next(ctx) {
		var head listedIndex
		if err := bson.Unmarshal(cursor.Current, &head); err != nil {
			return nil, wrapErr(db.OpListIndexes, fmt.Errorf("decode index: %w", err))
		}
		var all bson.M
		if err := bson.Unmarshal(cursor.Current, &all); err != nil {
			return nil, wrapErr(db.OpListIndexes, fmt.Errorf("decode index: %w", err))
		}
		delete(all, "name")
		delete(all, "key")
		delete(all, "v")
		delete(all, "ns")
		out = append(out, db.IndexInfo{Name: head.Name, Keys: head.Key, Options: all})
	}
	if err := cursor.Err(); err != nil {
		return nil, wrapErr(db.OpListIndexes, err)
	}
	return out, nil
}

// DropIndex drops a simple index by name.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if _, err := c.coll.Indexes().DropOne(ctx, name); err != nil {
		return wrapErr(db.OpDropIndex, err)
	}
	return nil
}

// --- managed indexes ---

// CreateSearchIndex submits a managed index. The collection must exist first,
// so it is created on demand and an existing namespace is not an error.
func (c *Collection) CreateSearchIndex(ctx context.Context, model db.SearchIndexModel) error {
	if err := c.db.CreateCollection(ctx, c.coll.Name()); err != nil && !isNamespaceExists(err) {
		return wrapErr(db.OpCreateCollection, err)
	}
	opts := options.SearchIndexes().SetName(model.Name)
	if model.Type != "" {
		opts.SetType(model.Type)
	}
	_, err := c.coll.SearchIndexes().CreateOne(ctx, mongo.SearchIndexModel{
		Definition: model.Definition,
		Options:    opts,
	})
	return wrapErr(db.OpCreateSearchIndex, err)
}

// UpdateSearchIndex replaces a managed definition in place.
func (c *Collection) UpdateSearchIndex(ctx context.Context, name string, definition bson.M) error {
	return wrapErr(db.OpUpdateSearchIndex, c.coll.SearchIndexes().UpdateOne(ctx, name, definition))
}

// DropSearchIndex removes a managed index.
func (c *Collection) DropSearchIndex(ctx context.Context, name string) error {
	return wrapErr(db.OpDropSearchIndex, c.coll.SearchIndexes().DropOne(ctx, name))
}

type listedSearchIndex struct {
	Name             string `bson:"name"`
	Type             string `bson:"type"`
	Status           string `bson:"status"`
	Queryable        bool   `bson:"queryable"`
	LatestDefinition bson.M `bson:"latestDefinition"`
}

// ListSearchIndexes lists managed indexes, narrowed to name when non-empty.
func (c *Collection) ListSearchIndexes(ctx context.Context, name string) ([]db.SearchIndexInfo, error) {
	var opts *options.SearchIndexesOptions
	if name != "" {
		opts = options.SearchIndexes().SetName(name)
	}
	cursor, err := c.coll.SearchIndexes().List(ctx, opts)
	if err != nil {
		return nil, wrapErr(db.OpListSearchIndexes, err)
	}
	var listed []listedSearchIndex
	if err := cursor.All(ctx, &listed); err != nil {
		return nil, wrapErr(db.OpListSearchIndexes, err)
	}
	out := make([]db.SearchIndexInfo, len(listed))
	for i, l := range listed {
		out[i] = db.SearchIndexInfo{
			Name:             l.Name,
			Type:             l.Type,
			Status:           db.SearchIndexStatus(l.Status),
			Queryable:        l.Queryable,
			LatestDefinition: l.LatestDefinition,
		}
	}
	return out, nil
}

// SupportsSearchIndexUpdate reports in-place updates; Atlas and Atlas Local both support them.
func (c *Collection) SupportsSearchIndexUpdate() bool { return true }
