package scopedb

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func openMemory(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithMemory(), WithBuildPollInterval(2 * time.Millisecond)}, opts...)
	c, err := Open(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func TestOpen_NoDatabase(t *testing.T) {
	if _, err := Open(context.Background()); err == nil {
		t.Fatal("expected error when no database is configured")
	}
}

func TestCreateDatabase_UnknownDriver(t *testing.T) {
	if _, err := createDatabase(context.Background(), &clientConfig{driver: "unknown"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestCreateDatabase_MongoRequiresURI(t *testing.T) {
	if _, err := createDatabase(context.Background(), &clientConfig{driver: driverMongo, database: "app"}); err == nil {
		t.Fatal("expected error for missing uri")
	}
}

func TestOpen_InvalidStampField(t *testing.T) {
	if _, err := Open(context.Background(), WithMemory(), WithStampField("a.b")); err == nil {
		t.Fatal("expected error for dotted stamp field")
	}
}

func TestClient_ScopedRoundTrip(t *testing.T) {
	c := openMemory(t, WithoutAutoIndex())
	ctx := context.Background()

	alphaScope, err := NewScope("alpha", "alpha", "shared")
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	alpha, err := c.ForScope(alphaScope)
	if err != nil {
		t.Fatalf("ForScope: %v", err)
	}
	sharedScope, _ := NewScope("shared", "shared")
	shared, err := c.ForScope(sharedScope)
	if err != nil {
		t.Fatalf("ForScope: %v", err)
	}

	if _, err := shared.Collection("items").InsertOne(ctx, bson.M{"_id": 1, "kind": "common"}); err != nil {
		t.Fatalf("insert shared: %v", err)
	}
	if _, err := alpha.Collection("items").InsertOne(ctx, bson.M{"_id": 2, "kind": "own", "tenant_id": "beta"}); err != nil {
		t.Fatalf("insert alpha: %v", err)
	}

	// Collections are physically per write scope; alpha reads only its own physical collection.
	docs, err := alpha.Collection("items").Find(ctx, bson.M{}, FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 1 || docs[0]["tenant_id"] != "alpha" {
		t.Fatalf("expected the stamped alpha document, got %v", docs)
	}

	_, err = alpha.Collection("items").Find(ctx, bson.M{"tenant_id": "beta"}, FindOptions{})
	if !errors.Is(err, ErrScopeViolation) {
		t.Errorf("expected ErrScopeViolation, got %v", err)
	}
	_, err = alpha.Collection("items").FindOne(ctx, bson.M{"_id": 99}, FindOptions{})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestClient_EnsureIndexesAndBuilds(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	s, _ := NewScope("alpha", "alpha")
	d, err := c.ForScope(s)
	if err != nil {
		t.Fatalf("ForScope: %v", err)
	}
	items := d.Collection("items")

	vector := NewIndexSpec("embedding").VectorSearch(bson.M{"fields": bson.A{
		bson.M{"type": "vector", "path": "embedding", "numDimensions": 3, "similarity": "cosine"},
	}}).MustBuild()
	report, err := items.Indexes().EnsureIndexes(ctx, []IndexSpec{
		NewIndexSpec("by_status").Asc("status").MustBuild(),
		vector,
	})
	if err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", report.Results)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := items.Indexes().WaitReady(waitCtx, "embedding"); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	builds := c.Builds()
	if len(builds) != 1 || builds[0].Index != "alpha_embedding" || builds[0].Status != BuildQueryable {
		t.Errorf("unexpected builds: %+v", builds)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestClient_ForScopeZero(t *testing.T) {
	c := openMemory(t)
	if _, err := c.ForScope(Scope{}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope, got %v", err)
	}
}
