package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/domain/index"
)

const sample = `
tenants:
  - write_scope: alpha
    read_scopes: [alpha, shared]
  - write_scope: beta
collections:
  items:
    - name: status_created
      type: regular
      keys: {status: 1, created_at: -1}
    - name: expires
      type: ttl
      keys: [{expires_at: 1}]
      options: {expireAfterSeconds: 3600}
    - name: embedding
      type: vectorSearch
      definition:
        fields:
          - {type: vector, path: embedding, numDimensions: 1536, similarity: cosine}
  accounts:
    - name: by_email
      type: regular
      keys: [{email: 1}, {region: -1}]
      options: {unique: true}
`

func TestParse_Sample(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(m.Tenants) != 2 || m.Tenants[0].WriteScope != "alpha" || len(m.Tenants[0].ReadScopes) != 2 {
		t.Fatalf("unexpected tenants: %+v", m.Tenants)
	}
	if len(m.Collections) != 2 || m.Collections[0].Base != "items" || m.Collections[1].Base != "accounts" {
		t.Fatalf("collections out of order: %+v", m.Collections)
	}

	items := m.Collections[0].Indexes
	if len(items) != 3 {
		t.Fatalf("expected 3 item indexes, got %d", len(items))
	}
	for _, spec := range append(items, m.Collections[1].Indexes...) {
		if err := spec.Validate(); err != nil {
			t.Errorf("spec %s should validate: %v", spec.Name, err)
		}
	}

	if got := items[0].Keys.Fields(); len(got) != 2 || got[0] != "status" || got[1] != "created_at" {
		t.Errorf("map keys must keep written order, got %v", got)
	}
	if items[0].Keys[1].Value != -1 {
		t.Errorf("expected -1 direction, got %#v", items[0].Keys[1].Value)
	}
	if items[1].Type != index.TypeTTL || items[1].Options["expireAfterSeconds"] != 3600 {
		t.Errorf("unexpected ttl spec: %+v", items[1])
	}

	fields, ok := items[2].Definition["fields"].(bson.A)
	if !ok || len(fields) != 1 {
		t.Fatalf("expected fields array, got %T", items[2].Definition["fields"])
	}
	if _, ok := fields[0].(bson.M); !ok {
		t.Errorf("nested documents must decode to bson.M, got %T", fields[0])
	}

	acc := m.Collections[1].Indexes[0]
	if got := acc.Keys.Fields(); len(got) != 2 || got[0] != "email" || got[1] != "region" {
		t.Errorf("list keys must keep order, got %v", got)
	}
}

func TestParse_KeyFormsAgree(t *testing.T) {
	m, err := Parse([]byte(`
collections:
  a:
    - {name: x, type: regular, keys: {b: 1, a: -1}}
    - {name: y, type: regular, keys: [{b: 1}, {a: -1}]}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	specs := m.Collections[0].Indexes
	mapForm, listForm := specs[0].Keys.D(), specs[1].Keys.D()
	if len(mapForm) != len(listForm) {
		t.Fatalf("length mismatch: %v vs %v", mapForm, listForm)
	}
	for i := range mapForm {
		if mapForm[i] != listForm[i] {
			t.Errorf("key %d differs: %v vs %v", i, mapForm[i], listForm[i])
		}
	}
}

func TestParse_DoesNotValidate(t *testing.T) {
	m, err := Parse([]byte(`
collections:
  items:
    - {name: broken, type: ttl, keys: {a: 1, b: 1}}
    - {name: fine, type: regular, keys: {a: 1}}
`))
	if err != nil {
		t.Fatalf("invalid specs must parse: %v", err)
	}
	specs := m.Collections[0].Indexes
	if specs[0].Validate() == nil {
		t.Error("two-key ttl must fail validation")
	}
	if err := specs[1].Validate(); err != nil {
		t.Errorf("regular spec should validate: %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"collections not a mapping", "collections: [a, b]"},
		{"keys scalar", "collections:\n  a:\n    - {name: x, type: regular, keys: status}"},
		{"keys list of scalars", "collections:\n  a:\n    - {name: x, type: regular, keys: [status]}"},
		{"specs not a list", "collections:\n  a: {name: x}"},
		{"not yaml", "tenants: [unclosed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Tenants) != 0 || len(m.Collections) != 0 {
		t.Errorf("expected empty manifest, got %+v", m)
	}
}

func TestTenant_Scope(t *testing.T) {
	s, err := Tenant{WriteScope: "beta"}.Scope()
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	if s.Write() != "beta" || !s.CanRead("beta") || len(s.Reads()) != 1 {
		t.Errorf("tenant without read scopes must read itself, got %s", s)
	}

	s, err = Tenant{WriteScope: "alpha", ReadScopes: []string{"shared"}}.Scope()
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	if s.CanRead("alpha") || !s.CanRead("shared") {
		t.Errorf("explicit read scopes must be used as given, got %s", s)
	}

	if _, err := (Tenant{WriteScope: "bad name"}).Scope(); err == nil {
		t.Error("expected invalid scope error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexes.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Collections) != 2 {
		t.Errorf("expected 2 collections, got %d", len(m.Collections))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
