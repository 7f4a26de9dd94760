package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Database is the shared driver handle the engine wraps.
type Database interface {
	Pinger
	Collection(name string) Collection
	Close(ctx context.Context) error
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collection is the facade combining all per-collection sub-interfaces.
//
//nolint:interfacebloat // facade by design -- consumers use narrow sub-interfaces (ISP)
type Collection interface {
	Reader
	Writer
	IndexManager
	SearchIndexManager
	Name() string
}

// FindOptions narrows a find call.
type FindOptions struct {
	Sort       bson.D
	Projection bson.M
	Skip       int64
	Limit      int64
}

// Reader provides read operations.
type Reader interface {
	Find(ctx context.Context, filter bson.M, opts FindOptions) ([]bson.M, error)
	FindOne(ctx context.Context, filter bson.M, opts FindOptions) (bson.M, error)
	CountDocuments(ctx context.Context, filter bson.M) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error)
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
}

// Writer provides write operations.
type Writer interface {
	InsertOne(ctx context.Context, doc bson.M) (any, error)
	InsertMany(ctx context.Context, docs []bson.M) ([]any, error)
	UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (UpdateResult, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
}

// IndexManager provides simple (B-tree family) index lifecycle operations.
type IndexManager interface {
	CreateIndex(ctx context.Context, model IndexModel) (string, error)
	ListIndexes(ctx context.Context) ([]IndexInfo, error)
	DropIndex(ctx context.Context, name string) error
}

// SearchIndexManager provides managed search/vector index operations.
type SearchIndexManager interface {
	CreateSearchIndex(ctx context.Context, model SearchIndexModel) error
	UpdateSearchIndex(ctx context.Context, name string, definition bson.M) error
	DropSearchIndex(ctx context.Context, name string) error
	ListSearchIndexes(ctx context.Context, name string) ([]SearchIndexInfo, error)
	SupportsSearchIndexUpdate() bool
}
