package indexdiff

import (
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain/index"
)

func TestDiffSimple(t *testing.T) {
	statusKeys := bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}

	tests := []struct {
		name        string
		desired     db.IndexModel
		existing    []db.IndexInfo
		replaceable func(string) bool
		want        Action
		wantDrop    string
	}{
		{
			name:    "missing index is created",
			desired: db.IndexModel{Name: "alpha_by_status", Keys: statusKeys},
			existing: []db.IndexInfo{
				{Name: "_id_", Keys: bson.D{{Key: "_id", Value: 1}}},
			},
			want: ActionCreate,
		},
		{
			name:    "identical index is a noop across numeric types",
			desired: db.IndexModel{Name: "alpha_by_status", Keys: statusKeys},
			existing: []db.IndexInfo{{
				Name: "alpha_by_status",
				Keys: bson.D{{Key: "status", Value: int32(1)}, {Key: "created_at", Value: float64(-1)}},
			}},
			want: ActionNoop,
		},
		{
			name:    "key order matters",
			desired: db.IndexModel{Name: "alpha_by_status", Keys: statusKeys},
			existing: []db.IndexInfo{{
				Name: "alpha_by_status",
				Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "status", Value: 1}},
			}},
			want:     ActionRecreate,
			wantDrop: "alpha_by_status",
		},
		{
			name:    "ttl change recreates",
			desired: db.IndexModel{Name: "alpha_exp", Keys: bson.D{{Key: "at", Value: 1}}, Options: bson.M{"expireAfterSeconds": 60}},
			existing: []db.IndexInfo{{
				Name: "alpha_exp", Keys: bson.D{{Key: "at", Value: 1}}, Options: bson.M{"expireAfterSeconds": int32(30)},
			}},
			want:     ActionRecreate,
			wantDrop: "alpha_exp",
		},
		{
			name:    "false flags equal absent flags",
			desired: db.IndexModel{Name: "alpha_x", Keys: bson.D{{Key: "x", Value: 1}}, Options: bson.M{"unique": false}},
			existing: []db.IndexInfo{{
				Name: "alpha_x", Keys: bson.D{{Key: "x", Value: 1}}, Options: bson.M{"v": 2, "2dsphereIndexVersion": 3},
			}},
			want: ActionNoop,
		},
		{
			name:    "same keys under another name with equal options",
			desired: db.IndexModel{Name: "alpha_auto_x_1", Keys: bson.D{{Key: "x", Value: 1}}},
			existing: []db.IndexInfo{{
				Name: "alpha_by_x", Keys: bson.D{{Key: "x", Value: 1}},
			}},
			want: ActionNoop,
		},
		{
			name:    "same keys under a replaceable name",
			desired: db.IndexModel{Name: "alpha_by_x", Keys: bson.D{{Key: "x", Value: 1}}, Options: bson.M{"unique": true}},
			existing: []db.IndexInfo{{
				Name: "alpha_auto_x_1", Keys: bson.D{{Key: "x", Value: 1}},
			}},
			replaceable: func(name string) bool { return strings.HasPrefix(name, "alpha_auto_") },
			want:        ActionRecreate,
			wantDrop:    "alpha_auto_x_1",
		},
		{
			name:    "same keys under a foreign name conflict",
			desired: db.IndexModel{Name: "alpha_by_x", Keys: bson.D{{Key: "x", Value: 1}}, Options: bson.M{"unique": true}},
			existing: []db.IndexInfo{{
				Name: "x_1", Keys: bson.D{{Key: "x", Value: 1}},
			}},
			want: ActionConflict,
		},
		{
			name: "declared text index equals the server form",
			desired: db.IndexModel{
				Name: "alpha_txt",
				Keys: bson.D{{Key: "title", Value: "text"}, {Key: "body", Value: "text"}},
				Options: bson.M{"weights": bson.M{"title": 5}},
			},
			existing: []db.IndexInfo{{
				Name: "alpha_txt",
				Keys: bson.D{{Key: "_fts", Value: "text"}, {Key: "_ftsx", Value: int32(1)}},
				Options: bson.M{
					"weights":           bson.M{"title": int32(5), "body": int32(1)},
					"default_language":  "english",
					"language_override": "language",
					"textIndexVersion":  int32(3),
				},
			}},
			want: ActionNoop,
		},
		{
			name: "text field added",
			desired: db.IndexModel{
				Name: "alpha_txt",
				Keys: bson.D{{Key: "title", Value: "text"}, {Key: "body", Value: "text"}},
			},
			existing: []db.IndexInfo{{
				Name:    "alpha_txt",
				Keys:    bson.D{{Key: "_fts", Value: "text"}, {Key: "_ftsx", Value: int32(1)}},
				Options: bson.M{"weights": bson.M{"title": int32(1)}},
			}},
			want:     ActionRecreate,
			wantDrop: "alpha_txt",
		},
		{
			name: "collation compared as subset",
			desired: db.IndexModel{
				Name: "alpha_c", Keys: bson.D{{Key: "n", Value: 1}},
				Options: bson.M{"collation": bson.M{"locale": "en", "strength": 2}},
			},
			existing: []db.IndexInfo{{
				Name: "alpha_c", Keys: bson.D{{Key: "n", Value: 1}},
				Options: bson.M{"collation": bson.M{"locale": "en", "strength": int32(2), "caseLevel": false, "version": "57.1"}},
			}},
			want: ActionNoop,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DiffSimple(tc.desired, tc.existing, tc.replaceable)
			if got.Action != tc.want {
				t.Fatalf("action = %s (%s), want %s", got.Action, got.Reason, tc.want)
			}
			if got.Drop != tc.wantDrop {
				t.Errorf("drop = %q, want %q", got.Drop, tc.wantDrop)
			}
		})
	}
}

func TestDiffSimple_MapAndListKeyFormsAgree(t *testing.T) {
	fromList := index.KeysFromD(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: -1}}).D()
	fromMap := index.KeysFromMap(map[string]any{"b": -1, "a": 1}).D()

	existing := []db.IndexInfo{{Name: "alpha_ab", Keys: fromList}}
	got := DiffSimple(db.IndexModel{Name: "alpha_ab", Keys: fromMap}, existing, nil)
	if got.Action != ActionNoop {
		t.Fatalf("expected noop, got %s (%s)", got.Action, got.Reason)
	}
}

func TestCovered(t *testing.T) {
	existing := []db.IndexInfo{
		{Name: "_id_", Keys: bson.D{{Key: "_id", Value: 1}}},
		{Name: "alpha_partial", Keys: bson.D{{Key: "status", Value: 1}}, Options: bson.M{"partialFilterExpression": bson.M{"x": 1}}},
		{Name: "alpha_by_status", Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	}

	if name, ok := Covered(bson.D{{Key: "status", Value: 1}}, existing); !ok || name != "alpha_by_status" {
		t.Errorf("expected prefix coverage by alpha_by_status, got %q %v", name, ok)
	}
	if _, ok := Covered(bson.D{{Key: "status", Value: -1}}, existing); ok {
		t.Error("direction mismatch must not count as covered")
	}
	if _, ok := Covered(bson.D{{Key: "created_at", Value: -1}}, existing); ok {
		t.Error("non-prefix keys must not count as covered")
	}
}

func TestDiffManaged(t *testing.T) {
	def := bson.M{"fields": bson.A{
		bson.M{"type": "vector", "path": "emb", "numDimensions": 3, "similarity": "cosine"},
	}}
	reported := bson.M{"fields": bson.A{
		bson.M{"type": "vector", "path": "emb", "numDimensions": int32(3), "similarity": "cosine", "quantization": "none"},
	}}
	changedDef := bson.M{"fields": bson.A{
		bson.M{"type": "vector", "path": "emb", "numDimensions": 3, "similarity": "euclidean"},
	}}

	tests := []struct {
		name      string
		desired   bson.M
		existing  []db.SearchIndexInfo
		canUpdate bool
		want      Action
		pending   bool
	}{
		{
			name: "missing",
			want: ActionCreate,
		},
		{
			name:     "does not exist status counts as missing",
			desired:  def,
			existing: []db.SearchIndexInfo{{Name: "alpha_emb", Status: db.SearchIndexDoesNotExist}},
			want:     ActionCreate,
		},
		{
			name:    "ready and equal",
			desired: def,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "vectorSearch", Status: db.SearchIndexReady, Queryable: true, LatestDefinition: reported,
			}},
			want: ActionNoop,
		},
		{
			name:    "building and equal",
			desired: def,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "vectorSearch", Status: db.SearchIndexBuilding, LatestDefinition: reported,
			}},
			want:    ActionNoop,
			pending: true,
		},
		{
			name:    "changed with update support",
			desired: changedDef,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "vectorSearch", Status: db.SearchIndexReady, Queryable: true, LatestDefinition: reported,
			}},
			canUpdate: true,
			want:      ActionUpdate,
		},
		{
			name:    "changed without update support",
			desired: changedDef,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "vectorSearch", Status: db.SearchIndexReady, Queryable: true, LatestDefinition: reported,
			}},
			want: ActionRecreate,
		},
		{
			name:    "type changed always recreates",
			desired: def,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "search", Status: db.SearchIndexReady, Queryable: true, LatestDefinition: reported,
			}},
			canUpdate: true,
			want:      ActionRecreate,
		},
		{
			name:    "failed build is retried",
			desired: def,
			existing: []db.SearchIndexInfo{{
				Name: "alpha_emb", Type: "vectorSearch", Status: db.SearchIndexFailed, LatestDefinition: reported,
			}},
			canUpdate: true,
			want:      ActionUpdate,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DiffManaged("alpha_emb", "vectorSearch", tc.desired, tc.existing, tc.canUpdate)
			if got.Action != tc.want {
				t.Fatalf("action = %s (%s), want %s", got.Action, got.Reason, tc.want)
			}
			if got.Pending != tc.pending {
				t.Errorf("pending = %v, want %v", got.Pending, tc.pending)
			}
			if got.Action == ActionRecreate && got.Drop != "alpha_emb" {
				t.Errorf("drop = %q", got.Drop)
			}
		})
	}
}

func TestDecision_Mutates(t *testing.T) {
	for action, want := range map[Action]bool{
		ActionCreate: true, ActionRecreate: true, ActionUpdate: true,
		ActionNoop: false, ActionConflict: false,
	} {
		if got := (Decision{Action: action}).Mutates(); got != want {
			t.Errorf("%s: Mutates() = %v, want %v", action, got, want)
		}
	}
}
