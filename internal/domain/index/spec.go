// Package index defines declared index specifications and their type-specific validation.
package index

import (
	"fmt"
	"regexp"
	"slices"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/domain"
)

// Type is the kind of index a Spec declares.
type Type string

const (
	// TypeRegular is an ascending/descending/hashed key index.
	TypeRegular Type = "regular"
	// TypeText is a legacy text index.
	TypeText Type = "text"
	// TypeGeospatial is a 2d or 2dsphere index.
	TypeGeospatial Type = "geospatial"
	// TypeTTL expires documents after expireAfterSeconds.
	TypeTTL Type = "ttl"
	// TypePartial indexes only documents matching partialFilterExpression.
	TypePartial Type = "partial"
	// TypeVectorSearch is a managed vector similarity index.
	TypeVectorSearch Type = "vectorSearch"
	// TypeSearch is a managed full-text search index.
	TypeSearch Type = "search"
	// TypeHybrid is a paired vectorSearch + search index.
	TypeHybrid Type = "hybrid"
)

// IsValid checks if the index type is supported.
func (t Type) IsValid() bool {
	switch t {
	case TypeRegular, TypeText, TypeGeospatial, TypeTTL, TypePartial,
		TypeVectorSearch, TypeSearch, TypeHybrid:
		return true
	}
	return false
}

// IsManaged reports whether the index is built asynchronously by the search control plane.
func (t Type) IsManaged() bool {
	return t == TypeVectorSearch || t == TypeSearch || t == TypeHybrid
}

// Key value markers.
const (
	KeyHashed   = "hashed"
	KeyText     = "text"
	Key2DSphere = "2dsphere"
	Key2D       = "2d"
)

// MaxVectorDimensions is the largest numDimensions accepted for a vector field.
const MaxVectorDimensions = 8192

var (
	nameRegex         = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	vectorSimilarity  = []string{"euclidean", "cosine", "dotProduct"}
	vectorFieldTypes  = []string{"vector", "filter"}
	simpleOptionNames = []string{
		"unique", "sparse", "expireAfterSeconds", "partialFilterExpression",
		"weights", "default_language", "language_override", "collation", "hidden",
		"2dsphereIndexVersion", "bits", "min", "max",
	}
)

// Key is one (field, direction-or-type) pair of a simple index.
type Key struct {
	Field string
	Value any
}

// Keys is an ordered key list.
type Keys []Key

// D converts the key list to an ordered bson document.
func (k Keys) D() bson.D {
	d := make(bson.D, len(k))
	for i := range k {
		d[i] = bson.E{Key: k[i].Field, Value: k[i].Value}
	}
	return d
}

// KeysFromD converts an ordered bson document to keys.
func KeysFromD(d bson.D) Keys {
	keys := make(Keys, len(d))
	for i := range d {
		keys[i] = Key{Field: d[i].Key, Value: d[i].Value}
	}
	return keys
}

// KeysFromMap converts an unordered document to keys. Multi-field maps have no
// inherent order, so fields are taken in lexical order.
func KeysFromMap(m map[string]any) Keys {
	keys := make(Keys, 0, len(m))
	for _, f := range bsonx.SortedKeys(m) {
		keys = append(keys, Key{Field: f, Value: m[f]})
	}
	return keys
}

// Fields returns the key field names in order.
func (k Keys) Fields() []string {
	out := make([]string, len(k))
	for i := range k {
		out[i] = k[i].Field
	}
	return out
}

// Spec is one declared index. Keys drive simple types; Definition drives managed types.
type Spec struct {
	Name       string
	Type       Type
	Keys       Keys
	Definition bson.M
	Options    bson.M
}

// Validate enforces the type-specific requirements. It never touches the database.
func (s Spec) Validate() error {
	if err := validateName(s.Name); err != nil {
		return domain.NewInvalidIndexSpec(s.Name, "%s", err.Error())
	}
	if !s.Type.IsValid() {
		return domain.NewInvalidIndexSpec(s.Name, "unknown index type %q", s.Type)
	}
	if s.Type.IsManaged() {
		return s.validateManaged()
	}
	return s.validateSimple()
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("index name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("index name too long (max 64)")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("index name must be alphanumeric with underscores and hyphens")
	}
	return nil
}

func (s Spec) validateSimple() error {
	if len(s.Definition) > 0 {
		return domain.NewInvalidIndexSpec(s.Name, "%s index takes keys, not a definition", s.Type)
	}
	if len(s.Keys) == 0 {
		return domain.NewInvalidIndexSpec(s.Name, "at least one key is required")
	}

	seen := make(map[string]bool, len(s.Keys))
	for _, k := range s.Keys {
		if k.Field == "" {
			return domain.NewInvalidIndexSpec(s.Name, "key field name is required")
		}
		if seen[k.Field] {
			return domain.NewInvalidIndexSpec(s.Name, "duplicate key field %q", k.Field)
		}
		seen[k.Field] = true
	}
	for name := range s.Options {
		if !slices.Contains(simpleOptionNames, name) {
			return domain.NewInvalidIndexSpec(s.Name, "unknown option %q", name)
		}
	}

	switch s.Type {
	case TypeRegular:
		return s.requireKeyValues(isDirection, isHashed)
	case TypeText:
		if err := s.requireMarker(KeyText); err != nil {
			return err
		}
		return s.requireKeyValues(isDirection, isMarker(KeyText))
	case TypeGeospatial:
		if err := s.requireMarker(Key2DSphere, Key2D); err != nil {
			return err
		}
		return s.requireKeyValues(isDirection, isMarker(Key2DSphere), isMarker(Key2D))
	case TypeTTL:
		if len(s.Keys) != 1 {
			return domain.NewInvalidIndexSpec(s.Name, "ttl index requires exactly one key, got %d", len(s.Keys))
		}
		raw, ok := s.Options["expireAfterSeconds"]
		if !ok {
			return domain.NewInvalidIndexSpec(s.Name, "ttl index requires options.expireAfterSeconds")
		}
		secs, ok := bsonx.ToInt(raw)
		if !ok || secs <= 0 {
			return domain.NewInvalidIndexSpec(s.Name, "expireAfterSeconds must be a positive integer, got %v", raw)
		}
		return s.requireKeyValues(isDirection)
	case TypePartial:
		expr, ok := bsonx.AsMap(s.Options["partialFilterExpression"])
		if !ok || len(expr) == 0 {
			return domain.NewInvalidIndexSpec(s.Name, "partial index requires options.partialFilterExpression")
		}
		return s.requireKeyValues(isDirection, isHashed)
	}
	return nil
}

func (s Spec) requireMarker(markers ...string) error {
	for _, k := range s.Keys {
		for _, m := range markers {
			if k.Value == m {
				return nil
			}
		}
	}
	return domain.NewInvalidIndexSpec(s.Name, "%s index requires a key of type %v", s.Type, markers)
}

func (s Spec) requireKeyValues(allowed ...func(any) bool) error {
	for _, k := range s.Keys {
		ok := false
		for _, fn := range allowed {
			if fn(k.Value) {
				ok = true
				break
			}
		}
		if !ok {
			return domain.NewInvalidIndexSpec(s.Name, "key %q has unsupported value %v for %s index", k.Field, k.Value, s.Type)
		}
	}
	return nil
}

func isDirection(v any) bool {
	n, ok := bsonx.ToInt(v)
	return ok && (n == 1 || n == -1)
}

func isHashed(v any) bool { return v == KeyHashed }

func isMarker(marker string) func(any) bool {
	return func(v any) bool { return v == marker }
}

func (s Spec) validateManaged() error {
	if len(s.Keys) > 0 {
		return domain.NewInvalidIndexSpec(s.Name, "%s index takes a definition, not keys", s.Type)
	}
	if len(s.Definition) == 0 {
		return domain.NewInvalidIndexSpec(s.Name, "%s index requires a definition", s.Type)
	}

	switch s.Type {
	case TypeVectorSearch:
		return validateVectorDefinition(s.Name, s.Definition)
	case TypeSearch:
		return validateSearchDefinition(s.Name, s.Definition)
	case TypeHybrid:
		vec, ok := bsonx.AsMap(s.Definition["vectorSearch"])
		if !ok {
			return domain.NewInvalidIndexSpec(s.Name, "hybrid definition requires a vectorSearch document")
		}
		if err := validateVectorDefinition(s.Name, vec); err != nil {
			return err
		}
		text, ok := bsonx.AsMap(s.Definition["search"])
		if !ok {
			return domain.NewInvalidIndexSpec(s.Name, "hybrid definition requires a search document")
		}
		return validateSearchDefinition(s.Name, text)
	}
	return nil
}

func validateVectorDefinition(name string, def bson.M) error {
	fields, ok := bsonx.AsSlice(def["fields"])
	if !ok || len(fields) == 0 {
		return domain.NewInvalidIndexSpec(name, "vectorSearch definition requires fields")
	}

	vectors := 0
	for i, raw := range fields {
		f, ok := bsonx.AsMap(raw)
		if !ok {
			return domain.NewInvalidIndexSpec(name, "field %d must be a document", i)
		}
		typ, _ := bsonx.AsString(f["type"])
		if !slices.Contains(vectorFieldTypes, typ) {
			return domain.NewInvalidIndexSpec(name, "field %d has unsupported type %q", i, typ)
		}
		if path, _ := bsonx.AsString(f["path"]); path == "" {
			return domain.NewInvalidIndexSpec(name, "field %d requires a path", i)
		}
		if typ != "vector" {
			continue
		}
		vectors++
		dims, ok := bsonx.ToInt(f["numDimensions"])
		if !ok || dims < 1 || dims > MaxVectorDimensions {
			return domain.NewInvalidIndexSpec(name,
				"field %d numDimensions must be between 1 and %d, got %v", i, MaxVectorDimensions, f["numDimensions"])
		}
		sim, _ := bsonx.AsString(f["similarity"])
		if !slices.Contains(vectorSimilarity, sim) {
			return domain.NewInvalidIndexSpec(name, "field %d similarity must be one of %v, got %q", i, vectorSimilarity, sim)
		}
	}
	if vectors == 0 {
		return domain.NewInvalidIndexSpec(name, "vectorSearch definition requires at least one vector field")
	}
	return nil
}

func validateSearchDefinition(name string, def bson.M) error {
	if _, ok := bsonx.AsMap(def["mappings"]); !ok {
		return domain.NewInvalidIndexSpec(name, "search definition requires mappings")
	}
	return nil
}
