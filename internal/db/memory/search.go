package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

const (
	earthRadiusMeters = 6378100.0
	rankFusionK       = 60.0
)

type scored struct {
	doc   bson.M
	score float64
}

func sortScored(hits []scored, desc bool) []bson.M {
	sort.SliceStable(hits, func(i, j int) bool {
		if desc {
			return hits[i].score > hits[j].score
		}
		return hits[i].score < hits[j].score
	})
	out := make([]bson.M, len(hits))
	for i := range hits {
		out[i] = hits[i].doc
	}
	return out
}

// queryableIndex returns a managed index of the given type that can serve queries.
// A missing or still-building index yields nil and the stage returns no documents.
func (d *Database) queryableIndex(collection, name, typ string) *searchIndex {
	st := d.state(collection, false)
	if st == nil {
		return nil
	}
	si, ok := st.searchIndexes[name]
	if !ok || si.typ != typ || !si.queryable {
		return nil
	}
	return si
}

// --- $vectorSearch ---

func (d *Database) vectorSearch(collection string, docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	indexName, _ := spec["index"].(string)
	path, _ := spec["path"].(string)
	if indexName == "" || path == "" {
		return nil, fmt.Errorf("index and path are required")
	}
	query, ok := toVector(spec["queryVector"])
	if !ok || len(query) == 0 {
		return nil, fmt.Errorf("queryVector must be a non-empty numeric array")
	}
	limit, ok := bsonx.ToInt(spec["limit"])
	if !ok || limit <= 0 {
		return nil, fmt.Errorf("limit must be a positive integer")
	}
	exact, _ := spec["exact"].(bool)
	if !exact {
		candidates, ok := bsonx.ToInt(spec["numCandidates"])
		if !ok || candidates < limit {
			return nil, fmt.Errorf("numCandidates must be an integer not less than limit")
		}
	}

	si := d.queryableIndex(collection, indexName, "vectorSearch")
	if si == nil {
		return nil, nil
	}
	similarity, dims, filterPaths, err := vectorField(si.def, path)
	if err != nil {
		return nil, err
	}
	if len(query) != dims {
		return nil, fmt.Errorf("queryVector must have %d dimensions, got %d", dims, len(query))
	}

	if raw, ok := spec["filter"]; ok {
		filter, ok := bsonx.AsMap(raw)
		if !ok {
			return nil, fmt.Errorf("filter must be a document")
		}
		for _, p := range filterFieldPaths(filter) {
			if !filterPaths[p] {
				return nil, fmt.Errorf("path '%s' needs to be indexed as filter", p)
			}
		}
		if docs, err = filterDocs(docs, filter); err != nil {
			return nil, err
		}
	}

	var hits []scored
	for _, doc := range docs {
		raw, _ := lookupPath(doc, path)
		vec, ok := toVector(raw)
		if !ok || len(vec) != dims {
			continue
		}
		hits = append(hits, scored{doc: doc, score: similarityScore(similarity, query, vec)})
	}
	return skipLimit(sortScored(hits, true), 0, int64(limit)), nil
}

func vectorField(def bson.M, path string) (similarity string, dims int, filters map[string]bool, err error) {
	fields, _ := bsonx.AsSlice(def["fields"])
	filters = map[string]bool{}
	found := false
	for _, raw := range fields {
		f, ok := bsonx.AsMap(raw)
		if !ok {
			continue
		}
		p, _ := f["path"].(string)
		switch f["type"] {
		case "filter":
			filters[p] = true
		case "vector":
			if p == path {
				found = true
				similarity, _ = f["similarity"].(string)
				dims, _ = bsonx.ToInt(f["numDimensions"])
			}
		}
	}
	if !found {
		return "", 0, nil, fmt.Errorf("path '%s' is not indexed as vector", path)
	}
	return similarity, dims, filters, nil
}

// filterFieldPaths lists every field a filter constrains, descending into logical operators.
func filterFieldPaths(filter bson.M) []string {
	var out []string
	for key, v := range filter {
		if strings.HasPrefix(key, "$") {
			clauses, _ := bsonx.AsSlice(v)
			for _, c := range clauses {
				if sub, ok := bsonx.AsMap(c); ok {
					out = append(out, filterFieldPaths(sub)...)
				}
			}
			continue
		}
		out = append(out, key)
	}
	return out
}

func toVector(v any) ([]float64, bool) {
	arr, ok := bsonx.AsSlice(v)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(arr))
	for i, el := range arr {
		f, ok := bsonx.ToFloat64(el)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// similarityScore maps raw similarity into [0,1] the way the managed vector engine reports scores.
func similarityScore(similarity string, a, b []float64) float64 {
	var dot, na, nb, dist float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
		diff := a[i] - b[i]
		dist += diff * diff
	}
	switch similarity {
	case "euclidean":
		return 1 / (1 + math.Sqrt(dist))
	case "dotProduct":
		return (1 + dot) / 2
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return (1 + dot/(math.Sqrt(na)*math.Sqrt(nb))) / 2
	}
}

// --- $search ---

var searchOptionKeys = map[string]bool{
	"index": true, "highlight": true, "count": true, "returnStoredSource": true,
	"scoreDetails": true, "sort": true, "concurrent": true, "tracking": true,
}

func (d *Database) search(collection string, docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	indexName, _ := spec["index"].(string)
	if indexName == "" {
		indexName = "default"
	}
	var (
		opName string
		opArg  any
	)
	for k, v := range spec {
		if searchOptionKeys[k] {
			continue
		}
		if opName != "" {
			return nil, fmt.Errorf("exactly one operator is allowed, found %s and %s", opName, k)
		}
		opName, opArg = k, v
	}
	if opName == "" {
		return nil, fmt.Errorf("an operator is required")
	}

	if d.queryableIndex(collection, indexName, "search") == nil {
		return nil, nil
	}

	var hits []scored
	for _, doc := range docs {
		score, matched, err := evalOperator(doc, opName, opArg)
		if err != nil {
			return nil, err
		}
		if matched {
			hits = append(hits, scored{doc: doc, score: score})
		}
	}
	return sortScored(hits, true), nil
}

func evalOperator(doc bson.M, name string, arg any) (float64, bool, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return 0, false, fmt.Errorf("%s: argument must be a document", name)
	}
	switch name {
	case "compound":
		return evalCompound(doc, spec)
	case "text":
		return evalText(doc, spec, false)
	case "phrase":
		return evalText(doc, spec, true)
	case "equals":
		for _, v := range pathValues(doc, spec["path"]) {
			if valuesMatch(v, spec["value"]) {
				return 1, true, nil
			}
		}
		return 0, false, nil
	case "in":
		values, ok := bsonx.AsSlice(spec["value"])
		if !ok {
			values = []any{spec["value"]}
		}
		for _, v := range pathValues(doc, spec["path"]) {
			for _, want := range values {
				if valuesMatch(v, want) {
					return 1, true, nil
				}
			}
		}
		return 0, false, nil
	case "range":
		for _, v := range pathValues(doc, spec["path"]) {
			ok := true
			for _, op := range []string{"gt", "gte", "lt", "lte"} {
				if bound, present := spec[op]; present && !compareOp(v, "$"+op, bound) {
					ok = false
				}
			}
			if ok {
				return 1, true, nil
			}
		}
		return 0, false, nil
	case "exists":
		return 1, len(pathValues(doc, spec["path"])) > 0, nil
	default:
		return 0, false, fmt.Errorf("unsupported operator %s", name)
	}
}

func clauses(v any) ([]bson.M, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := bsonx.AsMap(v); ok {
		return []bson.M{m}, nil
	}
	arr, ok := bsonx.AsSlice(v)
	if !ok {
		return nil, fmt.Errorf("compound clause must be a document or array")
	}
	out := make([]bson.M, 0, len(arr))
	for _, raw := range arr {
		m, ok := bsonx.AsMap(raw)
		if !ok {
			return nil, fmt.Errorf("compound clause must be a document")
		}
		out = append(out, m)
	}
	return out, nil
}

func evalClause(doc bson.M, clause bson.M) (float64, bool, error) {
	name, arg, ok := bsonx.SingleKey(clause)
	if !ok {
		return 0, false, fmt.Errorf("clause must have exactly one operator")
	}
	return evalOperator(doc, name, arg)
}

func evalCompound(doc bson.M, spec bson.M) (float64, bool, error) {
	for k := range spec {
		switch k {
		case "must", "mustNot", "should", "filter", "minimumShouldMatch", "score":
		default:
			return 0, false, fmt.Errorf("compound: unknown clause %s", k)
		}
	}
	score := 0.0
	for _, kind := range []string{"must", "filter"} {
		list, err := clauses(spec[kind])
		if err != nil {
			return 0, false, err
		}
		for _, c := range list {
			s, ok, err := evalClause(doc, c)
			if err != nil || !ok {
				return 0, false, err
			}
			if kind == "must" {
				score += s
			}
		}
	}
	mustNot, err := clauses(spec["mustNot"])
	if err != nil {
		return 0, false, err
	}
	for _, c := range mustNot {
		_, ok, err := evalClause(doc, c)
		if err != nil || ok {
			return 0, false, err
		}
	}
	should, err := clauses(spec["should"])
	if err != nil {
		return 0, false, err
	}
	minShould, _ := bsonx.ToInt(spec["minimumShouldMatch"])
	if spec["must"] == nil && spec["filter"] == nil && len(should) > 0 && minShould == 0 {
		minShould = 1
	}
	matched := 0
	for _, c := range should {
		s, ok, err := evalClause(doc, c)
		if err != nil {
			return 0, false, err
		}
		if ok {
			matched++
			score += s
		}
	}
	if matched < minShould {
		return 0, false, nil
	}
	return score, true, nil
}

func evalText(doc bson.M, spec bson.M, phrase bool) (float64, bool, error) {
	var queries []string
	switch q := spec["query"].(type) {
	case string:
		queries = []string{q}
	default:
		arr, ok := bsonx.AsSlice(q)
		if !ok {
			return 0, false, fmt.Errorf("query must be a string or array of strings")
		}
		for _, el := range arr {
			s, ok := el.(string)
			if !ok {
				return 0, false, fmt.Errorf("query must be a string or array of strings")
			}
			queries = append(queries, s)
		}
	}
	if spec["path"] == nil {
		return 0, false, fmt.Errorf("path is required")
	}

	score := 0.0
	for _, v := range pathValues(doc, spec["path"]) {
		for _, text := range stringsOf(v) {
			lower := strings.ToLower(text)
			for _, q := range queries {
				if phrase {
					if strings.Contains(lower, strings.ToLower(q)) {
						score++
					}
					continue
				}
				have := map[string]bool{}
				for _, tok := range tokenize(lower) {
					have[tok] = true
				}
				for _, tok := range tokenize(strings.ToLower(q)) {
					if have[tok] {
						score++
					}
				}
			}
		}
	}
	return score, score > 0, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func stringsOf(v any) []string {
	if s, ok := v.(string); ok {
		return []string{s}
	}
	var out []string
	if arr, ok := bsonx.AsSlice(v); ok {
		for _, el := range arr {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// pathValues resolves a search path spec: a string, an array of strings, or {wildcard: "*"}.
func pathValues(doc bson.M, path any) []any {
	var paths []string
	switch p := path.(type) {
	case string:
		paths = []string{p}
	default:
		if m, ok := bsonx.AsMap(p); ok {
			if w, _ := m["wildcard"].(string); w == "*" {
				paths = bsonx.SortedKeys(doc)
			}
			break
		}
		arr, _ := bsonx.AsSlice(p)
		for _, el := range arr {
			if s, ok := el.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	var out []any
	for _, p := range paths {
		if v, ok := lookupPath(doc, p); ok {
			out = append(out, v)
		}
	}
	return out
}

// --- $geoNear ---

func (d *Database) geoNear(collection string, docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	distanceField, _ := spec["distanceField"].(string)
	if distanceField == "" {
		return nil, fmt.Errorf("distanceField is required")
	}
	lng, lat, ok := pointOf(spec["near"])
	if !ok {
		return nil, fmt.Errorf("near must be a GeoJSON point or [lng, lat] pair")
	}
	key, _ := spec["key"].(string)
	key, err := d.geoKey(collection, key)
	if err != nil {
		return nil, err
	}
	if raw, ok := spec["query"]; ok {
		query, ok := bsonx.AsMap(raw)
		if !ok {
			return nil, fmt.Errorf("query must be a document")
		}
		if docs, err = filterDocs(docs, query); err != nil {
			return nil, err
		}
	}
	maxDistance, hasMax := bsonx.ToFloat64(spec["maxDistance"])
	minDistance, _ := bsonx.ToFloat64(spec["minDistance"])

	var hits []scored
	for _, doc := range docs {
		raw, _ := lookupPath(doc, key)
		dlng, dlat, ok := pointOf(raw)
		if !ok {
			continue
		}
		dist := haversine(lat, lng, dlat, dlng)
		if (hasMax && dist > maxDistance) || dist < minDistance {
			continue
		}
		setPath(doc, distanceField, dist)
		hits = append(hits, scored{doc: doc, score: dist})
	}
	return sortScored(hits, false), nil
}

// geoKey picks the 2dsphere-indexed field, requiring key when several exist.
func (d *Database) geoKey(collection, key string) (string, error) {
	var fields []string
	if st := d.state(collection, false); st != nil {
		for _, idx := range st.indexes {
			for _, k := range idx.keys {
				if k.Value == "2dsphere" {
					fields = append(fields, k.Key)
				}
			}
		}
	}
	switch {
	case key != "":
		for _, f := range fields {
			if f == key {
				return key, nil
			}
		}
		return "", fmt.Errorf("no 2dsphere index on %s", key)
	case len(fields) == 1:
		return fields[0], nil
	case len(fields) == 0:
		return "", fmt.Errorf("unable to find index for $geoNear query")
	default:
		return "", fmt.Errorf("more than one 2dsphere index, specify key")
	}
}

func pointOf(v any) (lng, lat float64, ok bool) {
	if m, isMap := bsonx.AsMap(v); isMap {
		v = m["coordinates"]
	}
	coords, ok := toVector(v)
	if !ok || len(coords) != 2 {
		return 0, 0, false
	}
	return coords[0], coords[1], true
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

// --- $rankFusion ---

// rankFusion merges sub-pipeline results by weighted reciprocal rank.
func (d *Database) rankFusion(collection string, docs []bson.M, arg any) ([]bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	input, _ := bsonx.AsMap(spec["input"])
	pipelines, ok := bsonx.AsMap(input["pipelines"])
	if !ok || len(pipelines) == 0 {
		return nil, fmt.Errorf("input.pipelines must be a non-empty document")
	}
	combination, _ := bsonx.AsMap(spec["combination"])
	weights, _ := bsonx.AsMap(combination["weights"])

	scores := map[string]float64{}
	first := map[string]bson.M{}
	var order []string
	for _, name := range bsonx.SortedKeys(pipelines) {
		pipeline, err := asPipeline(pipelines[name])
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		res, err := d.runStages(collection, cloneDocs(docs), pipeline, true)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		weight := 1.0
		if w, ok := bsonx.ToFloat64(weights[name]); ok {
			weight = w
		}
		for rank, doc := range res {
			id := fmt.Sprint(doc["_id"])
			if _, seen := first[id]; !seen {
				first[id] = doc
				order = append(order, id)
			}
			scores[id] += weight / (rankFusionK + float64(rank+1))
		}
	}

	hits := make([]scored, 0, len(order))
	for _, id := range order {
		hits = append(hits, scored{doc: first[id], score: scores[id]})
	}
	return sortScored(hits, true), nil
}
