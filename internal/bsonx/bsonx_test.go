package bsonx

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestNormalize_MapAndDocumentForms(t *testing.T) {
	a := bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: bson.D{{Key: "c", Value: int64(2)}}}}
	b := map[string]any{"b": map[string]any{"c": 2}, "a": 1.0}
	if !Equal(a, b) {
		t.Errorf("expected %v and %v to be equal after normalization", a, b)
	}
}

func TestEqual_Differs(t *testing.T) {
	if Equal(bson.M{"a": 1}, bson.M{"a": 2}) {
		t.Error("different values must not be equal")
	}
	if Equal(bson.A{1, 2}, []any{2, 1}) {
		t.Error("array order matters")
	}
}

func TestSubset(t *testing.T) {
	got := bson.M{
		"mappings": bson.M{"dynamic": false, "fields": bson.M{"title": bson.M{"type": "string"}}},
		"analyzer": "lucene.standard",
	}
	tests := []struct {
		name string
		want any
		ok   bool
	}{
		{"declared subset", bson.M{"mappings": bson.M{"dynamic": false}}, true},
		{"nested subset", bson.M{"mappings": bson.M{"fields": bson.M{"title": bson.M{"type": "string"}}}}, true},
		{"differing value", bson.M{"mappings": bson.M{"dynamic": true}}, false},
		{"missing field", bson.M{"storedSource": true}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if Subset(tc.want, got) != tc.ok {
				t.Errorf("Subset(%v) = %v, want %v", tc.want, !tc.ok, tc.ok)
			}
		})
	}
}

func TestSubset_ArraysElementWise(t *testing.T) {
	got := bson.A{bson.M{"type": "vector", "path": "e", "numDimensions": int32(3), "quantization": "none"}}
	want := []any{map[string]any{"type": "vector", "path": "e", "numDimensions": 3}}
	if !Subset(want, got) {
		t.Error("expected element-wise subset to match")
	}
	if Subset([]any{}, got) {
		t.Error("array length must match")
	}
}

func TestDeepClone_Independent(t *testing.T) {
	orig := bson.M{"a": bson.M{"b": bson.A{1, 2}}}
	cp, _ := DeepClone(orig).(bson.M)
	inner, _ := cp["a"].(bson.M)
	inner["b"] = "changed"
	if _, ok := orig["a"].(bson.M)["b"].(bson.A); !ok {
		t.Error("original must not change")
	}
}

func TestSingleKey(t *testing.T) {
	k, v, ok := SingleKey(bson.M{"$match": bson.M{}})
	if !ok || k != "$match" || v == nil {
		t.Errorf("unexpected result %q %v %v", k, v, ok)
	}
	if _, _, ok := SingleKey(bson.M{"a": 1, "b": 2}); ok {
		t.Error("two keys must not be single")
	}
	if k, _, ok := SingleKey(bson.D{{Key: "$limit", Value: 1}}); !ok || k != "$limit" {
		t.Error("bson.D stage must be supported")
	}
}

func TestToInt(t *testing.T) {
	if v, ok := ToInt(int32(7)); !ok || v != 7 {
		t.Errorf("expected 7, got %d %v", v, ok)
	}
	if _, ok := ToInt(1.5); ok {
		t.Error("fractional must not convert")
	}
	if _, ok := ToInt("7"); ok {
		t.Error("string must not convert")
	}
}
