package mongodb

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

// indexOptions translates a loosely typed option document into driver options.
func indexOptions(name string, raw bson.M) (*options.IndexOptions, error) {
	opts := options.Index()
	if name != "" {
		opts.SetName(name)
	}
	for _, key := range bsonx.SortedKeys(raw) {
		v := raw[key]
		switch key {
		case "unique", "sparse", "hidden":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("option %s must be a boolean", key)
			}
			switch key {
			case "unique":
				opts.SetUnique(b)
			case "sparse":
				opts.SetSparse(b)
			case "hidden":
				opts.SetHidden(b)
			}
		case "expireAfterSeconds", "2dsphereIndexVersion", "bits":
			n, ok := bsonx.ToInt(v)
			if !ok {
				return nil, fmt.Errorf("option %s must be an integer", key)
			}
			switch key {
			case "expireAfterSeconds":
				opts.SetExpireAfterSeconds(int32(n))
			case "2dsphereIndexVersion":
				opts.SetSphereVersion(int32(n))
			case "bits":
				opts.SetBits(int32(n))
			}
		case "min", "max":
			f, ok := bsonx.ToFloat64(v)
			if !ok {
				return nil, fmt.Errorf("option %s must be a number", key)
			}
			if key == "min" {
				opts.SetMin(f)
			} else {
				opts.SetMax(f)
			}
		case "partialFilterExpression":
			opts.SetPartialFilterExpression(v)
		case "weights":
			opts.SetWeights(v)
		case "default_language", "language_override":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("option %s must be a string", key)
			}
			if key == "default_language" {
				opts.SetDefaultLanguage(s)
			} else {
				opts.SetLanguageOverride(s)
			}
		case "collation":
			collation, err := toCollation(v)
			if err != nil {
				return nil, err
			}
			opts.SetCollation(collation)
		default:
			return nil, fmt.Errorf("unsupported index option %s", key)
		}
	}
	return opts, nil
}

func toCollation(v any) (*options.Collation, error) {
	m, ok := bsonx.AsMap(v)
	if !ok {
		return nil, fmt.Errorf("option collation must be a document")
	}
	c := &options.Collation{}
	for key, val := range m {
		switch key {
		case "locale", "caseFirst", "alternate", "maxVariable":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("collation %s must be a string", key)
			}
			switch key {
			case "locale":
				c.Locale = s
			case "caseFirst":
				c.CaseFirst = s
			case "alternate":
				c.Alternate = s
			case "maxVariable":
				c.MaxVariable = s
			}
		case "strength":
			n, ok := bsonx.ToInt(val)
			if !ok {
				return nil, fmt.Errorf("collation strength must be an integer")
			}
			c.Strength = n
		case "caseLevel", "numericOrdering", "normalization", "backwards":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("collation %s must be a boolean", key)
			}
			switch key {
			case "caseLevel":
				c.CaseLevel = b
			case "numericOrdering":
				c.NumericOrdering = b
			case "normalization":
				c.Normalization = b
			case "backwards":
				c.Backwards = b
			}
		default:
			return nil, fmt.Errorf("unsupported collation field %s", key)
		}
	}
	if c.Locale == "" {
		return nil, fmt.Errorf("collation locale is required")
	}
	return c, nil
}
