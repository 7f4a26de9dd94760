package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

// sourceStages must open a pipeline.
var sourceStages = map[string]bool{
	"$vectorSearch": true,
	"$search":       true,
	"$searchMeta":   true,
	"$geoNear":      true,
	"$rankFusion":   true,
}

// runPipeline evaluates stages over docs. collection names the source for index lookups.
// Caller holds d.mu.
func (d *Database) runPipeline(collection string, docs []bson.M, pipeline []bson.M) ([]bson.M, error) {
	return d.runStages(collection, docs, pipeline, true)
}

func (d *Database) runStages(collection string, docs []bson.M, pipeline []bson.M, allowSource bool) ([]bson.M, error) {
	for i, stage := range pipeline {
		name, arg, ok := bsonx.SingleKey(stage)
		if !ok {
			return nil, fmt.Errorf("stage %d must have exactly one operator", i)
		}
		if sourceStages[name] && (i != 0 || !allowSource) {
			return nil, fmt.Errorf("%s is only valid as the first stage in a pipeline", name)
		}
		var err error
		docs, err = d.runStage(collection, docs, name, arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return docs, nil
}

func (d *Database) runStage(collection string, docs []bson.M, name string, arg any) ([]bson.M, error) {
	switch name {
	case "$match":
		filter, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("argument must be a document")
		}
		return filterDocs(docs, filter)
	case "$sort":
		spec, err := sortSpec(arg)
		if err != nil {
			return nil, err
		}
		sortDocs(docs, spec)
		return docs, nil
	case "$limit":
		n, ok := bsonx.ToInt(arg)
		if !ok || n <= 0 {
			return nil, fmt.Errorf("limit must be a positive integer")
		}
		return skipLimit(docs, 0, int64(n)), nil
	case "$skip":
		n, ok := bsonx.ToInt(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("skip must be a non-negative integer")
		}
		return skipLimit(docs, int64(n), 0), nil
	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("count field must be a non-empty string")
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return []bson.M{{field: int64(len(docs))}}, nil
	case "$project":
		projection, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("argument must be a document")
		}
		return project(docs, projection)
	case "$group":
		return group(docs, arg)
	case "$lookup":
		return d.lookup(docs, arg)
	case "$unionWith":
		return d.unionWith(docs, arg)
	case "$graphLookup":
		return d.graphLookup(docs, arg)
	case "$facet":
		return d.facet(collection, docs, arg)
	case "$vectorSearch":
		return d.vectorSearch(collection, docs, arg)
	case "$search":
		return d.search(collection, docs, arg)
	case "$searchMeta":
		hits, err := d.search(collection, docs, arg)
		if err != nil {
			return nil, err
		}
		return []bson.M{{"count": bson.M{"lowerBound": int64(len(hits))}}}, nil
	case "$geoNear":
		return d.geoNear(collection, docs, arg)
	case "$rankFusion":
		return d.rankFusion(collection, docs, arg)
	default:
		return nil, fmt.Errorf("unsupported stage")
	}
}

func sortSpec(arg any) (bson.D, error) {
	if d, ok := arg.(bson.D); ok {
		return d, nil
	}
	m, ok := bsonx.AsMap(arg)
	if !ok || len(m) == 0 {
		return nil, fmt.Errorf("sort spec must be a non-empty document")
	}
	out := make(bson.D, 0, len(m))
	for _, k := range bsonx.SortedKeys(m) {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out, nil
}

// fieldRef resolves a "$path" expression against doc.
func fieldRef(doc bson.M, expr any) (any, bool) {
	s, ok := expr.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return expr, true
	}
	return lookupPath(doc, strings.TrimPrefix(s, "$"))
}

func group(docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("a group specification must include an _id")
	}

	type bucket struct {
		id  any
		out bson.M
		n   map[string]int
	}
	var buckets []*bucket
	find := func(id any) *bucket {
		for _, b := range buckets {
			if bsonx.Equal(b.id, id) {
				return b
			}
		}
		b := &bucket{id: id, out: bson.M{"_id": id}, n: map[string]int{}}
		buckets = append(buckets, b)
		return b
	}

	for _, doc := range docs {
		id, _ := fieldRef(doc, idExpr)
		b := find(id)
		for field, acc := range spec {
			if field == "_id" {
				continue
			}
			op, expr, ok := bsonx.SingleKey(acc)
			if !ok {
				return nil, fmt.Errorf("accumulator %s must have one operator", field)
			}
			v, present := fieldRef(doc, expr)
			if err := accumulate(b.out, b.n, field, op, v, present); err != nil {
				return nil, err
			}
		}
	}

	out := make([]bson.M, len(buckets))
	for i, b := range buckets {
		for field, n := range b.n {
			if sum, ok := b.out[field].(float64); ok && n > 0 {
				b.out[field] = sum / float64(n)
			}
		}
		out[i] = b.out
	}
	return out, nil
}

func accumulate(out bson.M, avgN map[string]int, field, op string, v any, present bool) error {
	switch op {
	case "$sum":
		f, _ := bsonx.ToFloat64(v)
		cur, _ := bsonx.ToFloat64(out[field])
		out[field] = incResult(out[field], cur+f)
	case "$avg":
		f, ok := bsonx.ToFloat64(v)
		if !ok {
			return nil
		}
		cur, _ := out[field].(float64)
		out[field] = cur + f
		avgN[field]++
	case "$min", "$max":
		if !present {
			return nil
		}
		cur, ok := out[field]
		c := compareAny(v, cur)
		if !ok || (op == "$min" && c < 0) || (op == "$max" && c > 0) {
			out[field] = v
		}
	case "$push":
		arr, _ := out[field].(bson.A)
		out[field] = append(arr, v)
	case "$first":
		if _, ok := out[field]; !ok {
			out[field] = v
		}
	default:
		return fmt.Errorf("unsupported accumulator %s", op)
	}
	return nil
}

func (d *Database) collectionDocs(name string) []bson.M {
	st := d.state(name, false)
	if st == nil {
		return nil
	}
	return cloneDocs(st.docs)
}

// lookup supports both the localField/foreignField form and the sub-pipeline form.
// Pipeline variables ($$) are not evaluated.
func (d *Database) lookup(docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	from, _ := spec["from"].(string)
	as, _ := spec["as"].(string)
	if from == "" || as == "" {
		return nil, fmt.Errorf("from and as are required")
	}
	localField, _ := spec["localField"].(string)
	foreignField, _ := spec["foreignField"].(string)
	var pipeline []bson.M
	if raw, ok := spec["pipeline"]; ok {
		p, err := asPipeline(raw)
		if err != nil {
			return nil, err
		}
		pipeline = p
	}

	for _, doc := range docs {
		foreign := d.collectionDocs(from)
		if localField != "" && foreignField != "" {
			local, _ := lookupPath(doc, localField)
			var joined []bson.M
			for _, f := range foreign {
				fv, _ := lookupPath(f, foreignField)
				if joinMatches(local, fv) {
					joined = append(joined, f)
				}
			}
			foreign = joined
		}
		if pipeline != nil {
			var err error
			if foreign, err = d.runStages(from, foreign, pipeline, false); err != nil {
				return nil, err
			}
		}
		arr := make(bson.A, len(foreign))
		for i := range foreign {
			arr[i] = foreign[i]
		}
		setPath(doc, as, arr)
	}
	return docs, nil
}

func joinMatches(local, foreign any) bool {
	if arr, ok := bsonx.AsSlice(local); ok {
		for _, el := range arr {
			if valuesMatch(foreign, el) {
				return true
			}
		}
		return false
	}
	return valuesMatch(foreign, local)
}

func (d *Database) unionWith(docs []bson.M, arg any) ([]bson.M, error) {
	var (
		coll     string
		pipeline []bson.M
	)
	switch v := arg.(type) {
	case string:
		coll = v
	default:
		spec, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("argument must be a collection name or document")
		}
		coll, _ = spec["coll"].(string)
		if raw, ok := spec["pipeline"]; ok {
			p, err := asPipeline(raw)
			if err != nil {
				return nil, err
			}
			pipeline = p
		}
	}
	if coll == "" {
		return nil, fmt.Errorf("coll is required")
	}
	other, err := d.runStages(coll, d.collectionDocs(coll), pipeline, false)
	if err != nil {
		return nil, err
	}
	return append(docs, other...), nil
}

func (d *Database) graphLookup(docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	from, _ := spec["from"].(string)
	as, _ := spec["as"].(string)
	connectFrom, _ := spec["connectFromField"].(string)
	connectTo, _ := spec["connectToField"].(string)
	if from == "" || as == "" || connectFrom == "" || connectTo == "" {
		return nil, fmt.Errorf("from, as, connectFromField and connectToField are required")
	}
	maxDepth := -1
	if v, ok := spec["maxDepth"]; ok {
		if maxDepth, ok = bsonx.ToInt(v); !ok || maxDepth < 0 {
			return nil, fmt.Errorf("maxDepth must be a non-negative integer")
		}
	}
	restrict, _ := bsonx.AsMap(spec["restrictSearchWithMatch"])

	candidates := d.collectionDocs(from)
	if len(restrict) > 0 {
		var err error
		if candidates, err = filterDocs(candidates, restrict); err != nil {
			return nil, err
		}
	}

	for _, doc := range docs {
		start, _ := fieldRef(doc, spec["startWith"])
		frontier := []any{start}
		var found bson.A
		seen := map[int]bool{}
		for depth := 0; len(frontier) > 0 && (maxDepth < 0 || depth <= maxDepth); depth++ {
			var next []any
			for i, c := range candidates {
				if seen[i] {
					continue
				}
				target, _ := lookupPath(c, connectTo)
				for _, value := range frontier {
					if joinMatches(value, target) {
						seen[i] = true
						found = append(found, c)
						if v, ok := lookupPath(c, connectFrom); ok {
							next = append(next, v)
						}
						break
					}
				}
			}
			frontier = next
		}
		if found == nil {
			found = bson.A{}
		}
		setPath(doc, as, found)
	}
	return docs, nil
}

func (d *Database) facet(collection string, docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	out := bson.M{}
	for _, name := range bsonx.SortedKeys(spec) {
		pipeline, err := asPipeline(spec[name])
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
		res, err := d.runStages(collection, cloneDocs(docs), pipeline, false)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
		arr := make(bson.A, len(res))
		for i := range res {
			arr[i] = res[i]
		}
		out[name] = arr
	}
	return []bson.M{out}, nil
}

func asPipeline(raw any) ([]bson.M, error) {
	stages, ok := bsonx.AsSlice(raw)
	if !ok {
		return nil, fmt.Errorf("pipeline must be an array")
	}
	out := make([]bson.M, len(stages))
	for i, s := range stages {
		m, ok := bsonx.AsMap(s)
		if !ok {
			return nil, fmt.Errorf("pipeline stage %d must be a document", i)
		}
		out[i] = m
	}
	return out, nil
}
