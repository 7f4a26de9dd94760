// Package pattern derives query shapes from read traffic and decides when a
// recurring shape deserves an index.
package pattern

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/domain/index"
)

// maxCompoundKeys is the server limit on fields in one compound index.
const maxCompoundKeys = 32

// maxIndexName keeps generated names inside index name validation limits.
const maxIndexName = 48

// SortField is one sort key with its direction (1 or -1).
type SortField struct {
	Field string
	Dir   int
}

// Shape characterizes a query: which fields are matched by equality, which by range,
// and how results are sorted.
type Shape struct {
	Equality []string
	Range    []string
	Sort     []SortField
}

var rangeOps = map[string]bool{"$gt": true, "$gte": true, "$lt": true, "$lte": true}

// ShapeOf extracts the shape of a filter and sort. The stamp field is excluded: every
// scoped query carries it. ok is false when nothing indexable remains.
func ShapeOf(filter bson.M, sortSpec bson.D, stamp string) (Shape, bool) {
	eq := make(map[string]bool)
	rng := make(map[string]bool)
	collect(filter, stamp, eq, rng)

	var s Shape
	for f := range eq {
		s.Equality = append(s.Equality, f)
		delete(rng, f)
	}
	for f := range rng {
		s.Range = append(s.Range, f)
	}
	sort.Strings(s.Equality)
	sort.Strings(s.Range)

	for _, e := range sortSpec {
		if e.Key == stamp {
			continue
		}
		dir := 1
		if n, ok := bsonx.ToInt(e.Value); ok && n < 0 {
			dir = -1
		}
		s.Sort = append(s.Sort, SortField{Field: e.Key, Dir: dir})
	}

	return s, len(s.Equality)+len(s.Range)+len(s.Sort) > 0
}

func collect(filter bson.M, stamp string, eq, rng map[string]bool) {
	for field, cond := range filter {
		if field == "$and" {
			clauses, _ := bsonx.AsSlice(cond)
			for _, c := range clauses {
				if m, ok := bsonx.AsMap(c); ok {
					collect(m, stamp, eq, rng)
				}
			}
			continue
		}
		// $or/$nor and other top-level operators cannot be served by one compound index.
		if strings.HasPrefix(field, "$") || field == stamp {
			continue
		}

		ops, isDoc := bsonx.AsMap(cond)
		if !isDoc || !hasOperators(ops) {
			eq[field] = true
			continue
		}
		for op := range ops {
			switch {
			case op == "$eq" || op == "$in":
				eq[field] = true
			case rangeOps[op]:
				rng[field] = true
			}
		}
	}
}

func hasOperators(m bson.M) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// Key is the stable identity of the shape.
func (s Shape) Key() string {
	var b strings.Builder
	b.WriteString("eq=")
	b.WriteString(strings.Join(s.Equality, ","))
	b.WriteString("|range=")
	b.WriteString(strings.Join(s.Range, ","))
	b.WriteString("|sort=")
	for i, f := range s.Sort {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Field)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.Dir))
	}
	return b.String()
}

// IndexKeys orders the compound index: equality fields, then sort fields, then range fields.
// ok is false when the index would exceed the compound key limit.
func (s Shape) IndexKeys() (index.Keys, bool) {
	seen := make(map[string]bool)
	var keys index.Keys
	add := func(field string, dir int) {
		if seen[field] {
			return
		}
		seen[field] = true
		keys = append(keys, index.Key{Field: field, Value: dir})
	}

	for _, f := range s.Equality {
		add(f, 1)
	}
	for _, f := range s.Sort {
		add(f.Field, f.Dir)
	}
	for _, f := range s.Range {
		add(f, 1)
	}
	return keys, len(keys) > 0 && len(keys) <= maxCompoundKeys
}

// IndexName is the base name of the automatic index serving keys, e.g. auto_status_1_created_at_-1.
func IndexName(keys index.Keys) string {
	parts := make([]string, 0, len(keys)*2+1)
	parts = append(parts, "auto")
	for _, k := range keys {
		parts = append(parts, strings.ReplaceAll(k.Field, ".", "-"), fmt.Sprint(k.Value))
	}
	name := strings.Join(parts, "_")
	if len(name) <= maxIndexName {
		return name
	}
	return fmt.Sprintf("auto_%016x", xxhash.Sum64String(name))
}
