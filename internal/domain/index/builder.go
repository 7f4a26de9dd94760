package index

import "go.mongodb.org/mongo-driver/bson"

// Builder is a fluent builder for index specs.
type Builder struct {
	spec Spec
}

// NewSpec starts building a regular index spec.
func NewSpec(name string) *Builder {
	return &Builder{spec: Spec{Name: name, Type: TypeRegular}}
}

// Asc adds an ascending key.
func (b *Builder) Asc(field string) *Builder {
	return b.Key(field, 1)
}

// Desc adds a descending key.
func (b *Builder) Desc(field string) *Builder {
	return b.Key(field, -1)
}

// Key adds a key with an arbitrary direction or type marker.
func (b *Builder) Key(field string, value any) *Builder {
	b.spec.Keys = append(b.spec.Keys, Key{Field: field, Value: value})
	return b
}

// Text adds a text key and marks the spec as a text index.
func (b *Builder) Text(field string) *Builder {
	b.spec.Type = TypeText
	return b.Key(field, KeyText)
}

// Geo2DSphere adds a 2dsphere key and marks the spec as geospatial.
func (b *Builder) Geo2DSphere(field string) *Builder {
	b.spec.Type = TypeGeospatial
	return b.Key(field, Key2DSphere)
}

// TTL marks the spec as a TTL index.
func (b *Builder) TTL(seconds int) *Builder {
	b.spec.Type = TypeTTL
	return b.Option("expireAfterSeconds", seconds)
}

// Partial marks the spec as a partial index over documents matching filter.
func (b *Builder) Partial(filter bson.M) *Builder {
	b.spec.Type = TypePartial
	return b.Option("partialFilterExpression", filter)
}

// Unique sets the unique option.
func (b *Builder) Unique() *Builder {
	return b.Option("unique", true)
}

// Option sets a raw index option.
func (b *Builder) Option(name string, value any) *Builder {
	if b.spec.Options == nil {
		b.spec.Options = bson.M{}
	}
	b.spec.Options[name] = value
	return b
}

// VectorSearch marks the spec as a managed vector index.
func (b *Builder) VectorSearch(def bson.M) *Builder {
	b.spec.Type = TypeVectorSearch
	b.spec.Definition = def
	return b
}

// Search marks the spec as a managed full-text index.
func (b *Builder) Search(def bson.M) *Builder {
	b.spec.Type = TypeSearch
	b.spec.Definition = def
	return b
}

// Hybrid marks the spec as a paired vector + text index.
func (b *Builder) Hybrid(vector, text bson.M) *Builder {
	b.spec.Type = TypeHybrid
	b.spec.Definition = bson.M{"vectorSearch": vector, "search": text}
	return b
}

// Build validates and returns the spec.
func (b *Builder) Build() (Spec, error) {
	if err := b.spec.Validate(); err != nil {
		return Spec{}, err
	}
	return b.spec, nil
}

// MustBuild calls Build and panics on error.
func (b *Builder) MustBuild() Spec {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
