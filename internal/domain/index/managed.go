package index

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

// Search index types understood by the control plane.
const (
	SearchKindVector = "vectorSearch"
	SearchKindText   = "search"
)

// ManagedPart is one server-managed index a Spec provisions. Hybrid specs yield two parts.
type ManagedPart struct {
	// Suffix is appended to the base name ("" for single-part specs).
	Suffix     string
	Kind       string
	Definition bson.M
}

// ManagedParts splits a managed spec into the indexes it provisions.
// Definitions are deep copies; callers may mutate them.
func (s Spec) ManagedParts() []ManagedPart {
	switch s.Type {
	case TypeVectorSearch:
		return []ManagedPart{{Kind: SearchKindVector, Definition: cloneDoc(s.Definition)}}
	case TypeSearch:
		return []ManagedPart{{Kind: SearchKindText, Definition: cloneDoc(s.Definition)}}
	case TypeHybrid:
		vec, _ := bsonx.AsMap(s.Definition["vectorSearch"])
		text, _ := bsonx.AsMap(s.Definition["search"])
		return []ManagedPart{
			{Suffix: "_vector", Kind: SearchKindVector, Definition: cloneDoc(vec)},
			{Suffix: "_text", Kind: SearchKindText, Definition: cloneDoc(text)},
		}
	}
	return nil
}

func cloneDoc(m bson.M) bson.M {
	out, _ := bsonx.DeepClone(m).(bson.M)
	if out == nil {
		out = bson.M{}
	}
	return out
}

// WithFilterPath returns a vector definition that also exposes path as a filter field.
// Definitions that already declare the path are returned unchanged.
func WithFilterPath(def bson.M, path string) bson.M {
	fields, _ := bsonx.AsSlice(def["fields"])
	for _, raw := range fields {
		f, ok := bsonx.AsMap(raw)
		if !ok {
			continue
		}
		if p, _ := bsonx.AsString(f["path"]); p == path {
			return def
		}
	}

	out := bsonx.Clone(def)
	extended := make(bson.A, 0, len(fields)+1)
	extended = append(extended, fields...)
	extended = append(extended, bson.M{"type": "filter", "path": path})
	out["fields"] = extended
	return out
}

// WithTokenMapping returns a search definition that indexes path as a token field,
// which the in operator requires for string matching. Existing mappings for path win.
func WithTokenMapping(def bson.M, path string) bson.M {
	mappings, ok := bsonx.AsMap(def["mappings"])
	if !ok {
		return def
	}
	fields, _ := bsonx.AsMap(mappings["fields"])
	if _, exists := fields[path]; exists {
		return def
	}

	nextFields := bsonx.Clone(fields)
	nextFields[path] = bson.M{"type": "token"}
	nextMappings := bsonx.Clone(mappings)
	nextMappings["fields"] = nextFields
	out := bsonx.Clone(def)
	out["mappings"] = nextMappings
	return out
}
