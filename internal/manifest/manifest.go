// Package manifest loads the declared tenants and per-collection index specs from YAML.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/scopedb/internal/domain/index"
	"github.com/kailas-cloud/scopedb/internal/domain/scope"
)

// Manifest is the parsed document. Collections keep their declaration order.
type Manifest struct {
	Tenants     []Tenant
	Collections []Collection
}

// Tenant is one scope to activate at startup.
type Tenant struct {
	WriteScope string   `yaml:"write_scope"`
	ReadScopes []string `yaml:"read_scopes"`
}

// Scope builds the tenant scope. A tenant without read scopes reads only its own data.
func (t Tenant) Scope() (scope.Scope, error) {
	if len(t.ReadScopes) == 0 {
		return scope.Self(t.WriteScope)
	}
	return scope.New(t.WriteScope, t.ReadScopes...)
}

// Collection is the declared index set of one base collection.
type Collection struct {
	Base    string
	Indexes []index.Spec
}

// Load reads and parses the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

type rawManifest struct {
	Tenants     []Tenant  `yaml:"tenants"`
	Collections yaml.Node `yaml:"collections"`
}

type rawSpec struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Keys       yaml.Node      `yaml:"keys"`
	Options    map[string]any `yaml:"options"`
	Definition map[string]any `yaml:"definition"`
}

// Parse decodes a manifest. Specs are not validated here; EnsureIndexes does that
// per spec so one bad declaration does not hide the rest.
func Parse(data []byte) (Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m := Manifest{Tenants: raw.Tenants}
	if raw.Collections.Kind == 0 {
		return m, nil
	}
	if raw.Collections.Kind != yaml.MappingNode {
		return Manifest{}, fmt.Errorf("line %d: collections must be a mapping of base name to index list", raw.Collections.Line)
	}

	for i := 0; i+1 < len(raw.Collections.Content); i += 2 {
		base := raw.Collections.Content[i].Value
		var specs []rawSpec
		if err := raw.Collections.Content[i+1].Decode(&specs); err != nil {
			return Manifest{}, fmt.Errorf("collection %s: %w", base, err)
		}

		coll := Collection{Base: base, Indexes: make([]index.Spec, 0, len(specs))}
		for _, rs := range specs {
			spec, err := rs.spec()
			if err != nil {
				return Manifest{}, fmt.Errorf("collection %s: index %s: %w", base, rs.Name, err)
			}
			coll.Indexes = append(coll.Indexes, spec)
		}
		m.Collections = append(m.Collections, coll)
	}
	return m, nil
}

func (rs rawSpec) spec() (index.Spec, error) {
	keys, err := decodeKeys(&rs.Keys)
	if err != nil {
		return index.Spec{}, err
	}
	return index.Spec{
		Name:       rs.Name,
		Type:       index.Type(rs.Type),
		Keys:       keys,
		Options:    toDocument(rs.Options),
		Definition: toDocument(rs.Definition),
	}, nil
}

// decodeKeys accepts a mapping ({a: 1, b: -1}) or a list of mappings
// ([{a: 1}, {b: -1}]); both keep the written order.
func decodeKeys(node *yaml.Node) (index.Keys, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		return appendPairs(nil, node)
	case yaml.SequenceNode:
		var keys index.Keys
		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: keys list items must be mappings", item.Line)
			}
			var err error
			if keys, err = appendPairs(keys, item); err != nil {
				return nil, err
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("line %d: keys must be a mapping or a list", node.Line)
	}
}

func appendPairs(keys index.Keys, node *yaml.Node) (index.Keys, error) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("key %s: %w", node.Content[i].Value, err)
		}
		keys = append(keys, index.Key{Field: node.Content[i].Value, Value: v})
	}
	return keys, nil
}

func toDocument(m map[string]any) bson.M {
	if m == nil {
		return nil
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = toBSON(v)
	}
	return out
}

func toBSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toDocument(t)
	case []any:
		out := make(bson.A, len(t))
		for i := range t {
			out[i] = toBSON(t[i])
		}
		return out
	default:
		return v
	}
}
