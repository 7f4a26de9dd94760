package memory

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/db"
)

func vectorIndex(t *testing.T, c db.Collection, withFilter bool) {
	t.Helper()
	fields := bson.A{bson.M{"type": "vector", "path": "emb", "numDimensions": 2, "similarity": "cosine"}}
	if withFilter {
		fields = append(fields, bson.M{"type": "filter", "path": "tenant_id"})
	}
	err := c.CreateSearchIndex(context.Background(), db.SearchIndexModel{
		Name: "emb", Type: "vectorSearch", Definition: bson.M{"fields": fields},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListSearchIndexes(context.Background(), "emb"); err != nil {
		t.Fatal(err)
	}
}

func vectorDocs() []bson.M {
	return []bson.M{
		{"_id": 1, "tenant_id": "alpha", "emb": bson.A{1.0, 0.0}},
		{"_id": 2, "tenant_id": "beta", "emb": bson.A{1.0, 0.1}},
		{"_id": 3, "tenant_id": "alpha", "emb": bson.A{0.0, 1.0}},
	}
}

func vectorStage(filter bson.M) bson.M {
	stage := bson.M{"index": "emb", "path": "emb", "queryVector": bson.A{1.0, 0.0}, "numCandidates": 10, "limit": 2}
	if filter != nil {
		stage["filter"] = filter
	}
	return bson.M{"$vectorSearch": stage}
}

func TestVectorSearch_RanksAndFilters(t *testing.T) {
	ctx := context.Background()
	c := New(Options{}).Collection("items")
	seed(t, c, vectorDocs()...)
	vectorIndex(t, c, true)

	docs, err := c.Aggregate(ctx, []bson.M{vectorStage(bson.M{"tenant_id": bson.M{"$in": bson.A{"alpha"}}})})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 2 || docs[0]["_id"] != 1 || docs[1]["_id"] != 3 {
		t.Errorf("unexpected results: %v", docs)
	}
}

func TestVectorSearch_FilterPathMustBeIndexed(t *testing.T) {
	c := New(Options{}).Collection("items")
	seed(t, c, vectorDocs()...)
	vectorIndex(t, c, false)
	_, err := c.Aggregate(context.Background(), []bson.M{vectorStage(bson.M{"tenant_id": "alpha"})})
	if err == nil {
		t.Fatal("expected error for filter on a path not indexed as filter")
	}
}

func TestVectorSearch_NotReadyReturnsNothing(t *testing.T) {
	c := New(Options{SearchReadyAfter: -1}).Collection("items")
	seed(t, c, vectorDocs()...)
	vectorIndex(t, c, true)
	docs, err := c.Aggregate(context.Background(), []bson.M{vectorStage(nil)})
	if err != nil || len(docs) != 0 {
		t.Errorf("expected no results from a building index, got %v err=%v", docs, err)
	}
}

func TestSourceStage_MustBeFirst(t *testing.T) {
	c := New(Options{}).Collection("items")
	seed(t, c, vectorDocs()...)
	vectorIndex(t, c, true)
	_, err := c.Aggregate(context.Background(), []bson.M{{"$match": bson.M{}}, vectorStage(nil)})
	if err == nil {
		t.Fatal("expected error for $vectorSearch after another stage")
	}
}

func TestSearch_CompoundFilter(t *testing.T) {
	ctx := context.Background()
	c := New(Options{}).Collection("articles")
	seed(t, c,
		bson.M{"_id": 1, "tenant_id": "alpha", "title": "Go concurrency patterns"},
		bson.M{"_id": 2, "tenant_id": "beta", "title": "Go generics"},
		bson.M{"_id": 3, "tenant_id": "alpha", "title": "Rust ownership"},
	)
	if err := c.CreateSearchIndex(ctx, db.SearchIndexModel{Name: "default", Type: "search", Definition: bson.M{"mappings": bson.M{"dynamic": true}}}); err != nil {
		t.Fatal(err)
	}
	_, _ = c.ListSearchIndexes(ctx, "")

	docs, err := c.Aggregate(ctx, []bson.M{{"$search": bson.M{
		"compound": bson.M{
			"must":   bson.A{bson.M{"text": bson.M{"query": "go", "path": "title"}}},
			"filter": bson.A{bson.M{"in": bson.M{"path": "tenant_id", "value": bson.A{"alpha"}}}},
		},
	}}})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 1 || docs[0]["_id"] != 1 {
		t.Errorf("unexpected results: %v", docs)
	}

	meta, err := c.Aggregate(ctx, []bson.M{{"$searchMeta": bson.M{"text": bson.M{"query": "go", "path": "title"}}}})
	if err != nil || len(meta) != 1 {
		t.Fatalf("searchMeta: %v err=%v", meta, err)
	}
	if count, _ := meta[0]["count"].(bson.M); count["lowerBound"] != int64(2) {
		t.Errorf("unexpected count: %v", meta[0])
	}
}

func TestLookupUnionWithFacet(t *testing.T) {
	ctx := context.Background()
	d := New(Options{})
	orders := d.Collection("orders")
	users := d.Collection("users")
	seed(t, users, bson.M{"_id": "u1", "name": "ann"}, bson.M{"_id": "u2", "name": "bob"})
	seed(t, orders, bson.M{"_id": 1, "user": "u1"}, bson.M{"_id": 2, "user": "u2"})

	docs, err := orders.Aggregate(ctx, []bson.M{
		{"$lookup": bson.M{"from": "users", "localField": "user", "foreignField": "_id", "as": "u",
			"pipeline": bson.A{bson.M{"$match": bson.M{"name": "ann"}}}}},
		{"$unionWith": bson.M{"coll": "users", "pipeline": bson.A{bson.M{"$match": bson.M{"name": "bob"}}}}},
		{"$facet": bson.M{"total": bson.A{bson.M{"$count": "n"}}}},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	total, _ := docs[0]["total"].(bson.A)
	if len(total) != 1 || total[0].(bson.M)["n"] != int64(3) {
		t.Errorf("unexpected facet: %v", docs)
	}

	joined, err := orders.Aggregate(ctx, []bson.M{
		{"$lookup": bson.M{"from": "users", "localField": "user", "foreignField": "_id", "as": "u"}},
		{"$sort": bson.M{"_id": 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if u, _ := joined[0]["u"].(bson.A); len(u) != 1 {
		t.Errorf("expected one joined user, got %v", joined[0])
	}
}

func TestGraphLookup(t *testing.T) {
	ctx := context.Background()
	d := New(Options{})
	emp := d.Collection("emp")
	seed(t, emp,
		bson.M{"_id": "a", "boss": nil},
		bson.M{"_id": "b", "boss": "a"},
		bson.M{"_id": "c", "boss": "b"},
	)
	docs, err := emp.Aggregate(ctx, []bson.M{
		{"$match": bson.M{"_id": "c"}},
		{"$graphLookup": bson.M{"from": "emp", "startWith": "$boss", "connectFromField": "boss", "connectToField": "_id", "as": "chain"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if chain, _ := docs[0]["chain"].(bson.A); len(chain) != 2 {
		t.Errorf("expected two ancestors, got %v", docs[0]["chain"])
	}
}

func TestGeoNear(t *testing.T) {
	ctx := context.Background()
	c := New(Options{}).Collection("places")
	if _, err := c.CreateIndex(ctx, db.IndexModel{Name: "loc", Keys: bson.D{{Key: "loc", Value: "2dsphere"}}}); err != nil {
		t.Fatal(err)
	}
	seed(t, c,
		bson.M{"_id": "far", "loc": bson.M{"type": "Point", "coordinates": bson.A{10.0, 10.0}}},
		bson.M{"_id": "near", "loc": bson.M{"type": "Point", "coordinates": bson.A{0.001, 0.0}}},
	)
	docs, err := c.Aggregate(ctx, []bson.M{{"$geoNear": bson.M{
		"near":          bson.M{"type": "Point", "coordinates": bson.A{0.0, 0.0}},
		"distanceField": "dist",
		"maxDistance":   1000,
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["_id"] != "near" {
		t.Errorf("unexpected results: %v", docs)
	}
}

func TestRankFusion(t *testing.T) {
	ctx := context.Background()
	c := New(Options{}).Collection("items")
	seed(t, c, vectorDocs()...)
	vectorIndex(t, c, true)
	docs, err := c.Aggregate(ctx, []bson.M{{"$rankFusion": bson.M{
		"input": bson.M{"pipelines": bson.M{
			"vec":   bson.A{vectorStage(nil)},
			"match": bson.A{bson.M{"$match": bson.M{"_id": 3}}},
		}},
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Errorf("expected union of both pipelines, got %v", docs)
	}
}

func TestGroup(t *testing.T) {
	c := New(Options{}).Collection("items")
	seed(t, c, bson.M{"k": "a", "n": 1}, bson.M{"k": "a", "n": 3}, bson.M{"k": "b", "n": 5})
	docs, err := c.Aggregate(context.Background(), []bson.M{
		{"$group": bson.M{"_id": "$k", "total": bson.M{"$sum": "$n"}, "avg": bson.M{"$avg": "$n"}}},
		{"$sort": bson.M{"_id": 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0]["total"] != int64(4) || docs[0]["avg"] != 2.0 {
		t.Errorf("unexpected groups: %v", docs)
	}
}
