package scopefilter

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/domain"
)

// Renamer maps a base collection name to its physical, scope-prefixed name.
type Renamer func(base string) string

// searchOptions are $search/$searchMeta keys that are not operators.
var searchOptions = map[string]bool{
	"index": true, "highlight": true, "count": true, "returnStoredSource": true,
	"scoreDetails": true, "sort": true, "concurrent": true, "tracking": true,
	"searchAfter": true, "searchBefore": true,
}

// compoundableOperators can be nested in a compound clause next to a scope filter.
var compoundableOperators = map[string]bool{
	"autocomplete": true, "embeddedDocument": true, "equals": true, "exists": true,
	"geoShape": true, "geoWithin": true, "hasAncestor": true, "hasRoot": true,
	"in": true, "moreLikeThis": true, "near": true, "phrase": true,
	"queryString": true, "range": true, "regex": true, "span": true,
	"text": true, "wildcard": true,
}

// InjectPipeline returns pipeline restricted to reads. Ordinary pipelines get the scope
// merged into a leading $match. Search-led pipelines keep their operator first and
// receive the scope inside it. Foreign collections referenced by $lookup, $unionWith and
// $graphLookup are renamed and scoped as well.
func (e *Engine) InjectPipeline(pipeline []bson.M, reads []string, rename Renamer) ([]bson.M, error) {
	stages, err := e.rewriteStages(pipeline, reads, rename)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return []bson.M{{"$match": e.ScopeMatch(reads)}}, nil
	}

	name, arg, _ := bsonx.SingleKey(stages[0])
	var lead bson.M
	switch name {
	case "$match":
		filter, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, domain.NewUnsupportedPipeline(name, "argument must be a document")
		}
		merged, err := e.ReadFilter(filter, reads)
		if err != nil {
			return nil, err
		}
		lead = bson.M{name: merged}
	case "$vectorSearch":
		lead, err = e.foldFilterField(name, arg, "filter", reads)
	case "$geoNear":
		lead, err = e.foldFilterField(name, arg, "query", reads)
	case "$search", "$searchMeta":
		lead, err = e.foldSearch(name, arg, reads)
	case "$rankFusion":
		lead, err = e.scopeRankFusion(arg, reads, rename)
	default:
		out := make([]bson.M, 0, len(stages)+1)
		out = append(out, bson.M{"$match": e.ScopeMatch(reads)})
		return append(out, stages...), nil
	}
	if err != nil {
		return nil, err
	}
	stages[0] = lead
	return stages, nil
}

// IsSearchLed reports whether a pipeline opens with a vector or full-text search stage.
func IsSearchLed(pipeline []bson.M) bool {
	if len(pipeline) == 0 {
		return false
	}
	name, _, _ := bsonx.SingleKey(pipeline[0])
	switch name {
	case "$vectorSearch", "$search", "$searchMeta", "$rankFusion":
		return true
	}
	return false
}

// rewriteStages copies stages, rejecting writers and scoping foreign collection access.
func (e *Engine) rewriteStages(pipeline []bson.M, reads []string, rename Renamer) ([]bson.M, error) {
	out := make([]bson.M, 0, len(pipeline))
	for _, stage := range pipeline {
		name, arg, ok := bsonx.SingleKey(stage)
		if !ok {
			return nil, domain.NewUnsupportedPipeline("", "each stage must have exactly one operator")
		}
		var (
			next bson.M
			err  error
		)
		switch name {
		case "$out", "$merge":
			return nil, domain.NewUnsupportedPipeline(name, "writing stages bypass the write stamp")
		case "$lookup":
			next, err = e.scopeLookup(arg, reads, rename)
		case "$unionWith":
			next, err = e.scopeUnionWith(arg, reads, rename)
		case "$graphLookup":
			next, err = e.scopeGraphLookup(arg, reads, rename)
		case "$facet":
			next, err = e.scopeFacet(arg, reads, rename)
		default:
			next = bson.M{name: arg}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, next)
	}
	return out, nil
}

func (e *Engine) foldFilterField(stage string, arg any, field string, reads []string) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline(stage, "argument must be a document")
	}
	existing := bson.M{}
	if raw, present := spec[field]; present {
		if existing, ok = bsonx.AsMap(raw); !ok {
			return nil, domain.NewUnsupportedPipeline(stage, field+" must be a document")
		}
	}
	merged, err := e.ReadFilter(existing, reads)
	if err != nil {
		return nil, err
	}
	out := bsonx.Clone(spec)
	out[field] = merged
	return bson.M{stage: out}, nil
}

func (e *Engine) searchScopeClause(reads []string) bson.M {
	values := make(bson.A, len(reads))
	for i, s := range reads {
		values[i] = s
	}
	return bson.M{"in": bson.M{"path": e.stamp, "value": values}}
}

func (e *Engine) foldSearch(stage string, arg any, reads []string) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline(stage, "argument must be a document")
	}
	var operators []string
	for k := range spec {
		if !searchOptions[k] {
			operators = append(operators, k)
		}
	}
	if len(operators) != 1 {
		return nil, domain.NewUnsupportedPipeline(stage, "expected exactly one search operator")
	}
	op := operators[0]

	out := bsonx.Clone(spec)
	switch {
	case op == "facet":
		facet, ok := bsonx.AsMap(spec[op])
		if !ok {
			return nil, domain.NewUnsupportedPipeline(stage, "facet must be a document")
		}
		next := bsonx.Clone(facet)
		if inner, present := facet["operator"]; present {
			innerOp, innerArg, ok := bsonx.SingleKey(inner)
			if !ok {
				return nil, domain.NewUnsupportedPipeline(stage, "facet operator must have exactly one key")
			}
			wrapped, err := e.wrapOperator(stage, innerOp, innerArg, reads)
			if err != nil {
				return nil, err
			}
			next["operator"] = wrapped
		} else {
			next["operator"] = bson.M{"compound": bson.M{"filter": bson.A{e.searchScopeClause(reads)}}}
		}
		out[op] = next
	default:
		wrapped, err := e.wrapOperator(stage, op, spec[op], reads)
		if err != nil {
			return nil, err
		}
		delete(out, op)
		out["compound"] = wrapped["compound"]
	}
	return bson.M{stage: out}, nil
}

// wrapOperator returns {compound: ...} carrying the scope as a filter clause.
func (e *Engine) wrapOperator(stage, op string, arg any, reads []string) (bson.M, error) {
	if op == "compound" {
		compound, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, domain.NewUnsupportedPipeline(stage, "compound must be a document")
		}
		next := bsonx.Clone(compound)
		var filters bson.A
		if existing, present := compound["filter"]; present {
			if m, ok := bsonx.AsMap(existing); ok {
				filters = append(filters, m)
			} else if arr, ok := bsonx.AsSlice(existing); ok {
				filters = append(filters, arr...)
			} else {
				return nil, domain.NewUnsupportedPipeline(stage, "compound.filter must be a document or array")
			}
		}
		next["filter"] = append(filters, e.searchScopeClause(reads))
		return bson.M{"compound": next}, nil
	}
	if !compoundableOperators[op] {
		return nil, domain.NewUnsupportedPipeline(stage, "operator "+op+" cannot carry a scope filter")
	}
	return bson.M{"compound": bson.M{
		"must":   bson.A{bson.M{op: arg}},
		"filter": bson.A{e.searchScopeClause(reads)},
	}}, nil
}

func (e *Engine) scopeRankFusion(arg any, reads []string, rename Renamer) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline("$rankFusion", "argument must be a document")
	}
	input, _ := bsonx.AsMap(spec["input"])
	pipelines, ok := bsonx.AsMap(input["pipelines"])
	if !ok || len(pipelines) == 0 {
		return nil, domain.NewUnsupportedPipeline("$rankFusion", "input.pipelines must be a non-empty document")
	}
	scoped := bson.M{}
	for name, raw := range pipelines {
		sub, err := asPipeline("$rankFusion", raw)
		if err != nil {
			return nil, err
		}
		injected, err := e.InjectPipeline(sub, reads, rename)
		if err != nil {
			return nil, err
		}
		scoped[name] = injected
	}
	nextInput := bsonx.Clone(input)
	nextInput["pipelines"] = scoped
	out := bsonx.Clone(spec)
	out["input"] = nextInput
	return bson.M{"$rankFusion": out}, nil
}

func (e *Engine) scopeLookup(arg any, reads []string, rename Renamer) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline("$lookup", "argument must be a document")
	}
	out := bsonx.Clone(spec)
	from, hasFrom := spec["from"].(string)
	if !hasFrom {
		return nil, domain.NewUnsupportedPipeline("$lookup", "from must name a collection")
	}
	out["from"] = rename(from)

	var sub []bson.M
	if raw, ok := spec["pipeline"]; ok {
		var err error
		if sub, err = asPipeline("$lookup", raw); err != nil {
			return nil, err
		}
	}
	injected, err := e.InjectPipeline(sub, reads, rename)
	if err != nil {
		return nil, err
	}
	out["pipeline"] = injected
	return bson.M{"$lookup": out}, nil
}

func (e *Engine) scopeUnionWith(arg any, reads []string, rename Renamer) (bson.M, error) {
	var (
		coll string
		sub  []bson.M
		out  bson.M
	)
	if s, ok := arg.(string); ok {
		coll = s
		out = bson.M{}
	} else {
		spec, ok := bsonx.AsMap(arg)
		if !ok {
			return nil, domain.NewUnsupportedPipeline("$unionWith", "argument must be a collection name or document")
		}
		coll, _ = spec["coll"].(string)
		if raw, ok := spec["pipeline"]; ok {
			var err error
			if sub, err = asPipeline("$unionWith", raw); err != nil {
				return nil, err
			}
		}
		out = bsonx.Clone(spec)
	}
	if coll == "" {
		return nil, domain.NewUnsupportedPipeline("$unionWith", "coll must name a collection")
	}
	injected, err := e.InjectPipeline(sub, reads, rename)
	if err != nil {
		return nil, err
	}
	out["coll"] = rename(coll)
	out["pipeline"] = injected
	return bson.M{"$unionWith": out}, nil
}

func (e *Engine) scopeGraphLookup(arg any, reads []string, rename Renamer) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline("$graphLookup", "argument must be a document")
	}
	from, _ := spec["from"].(string)
	if from == "" {
		return nil, domain.NewUnsupportedPipeline("$graphLookup", "from must name a collection")
	}
	restrict := bson.M{}
	if raw, present := spec["restrictSearchWithMatch"]; present {
		if restrict, ok = bsonx.AsMap(raw); !ok {
			return nil, domain.NewUnsupportedPipeline("$graphLookup", "restrictSearchWithMatch must be a document")
		}
	}
	merged, err := e.ReadFilter(restrict, reads)
	if err != nil {
		return nil, err
	}
	out := bsonx.Clone(spec)
	out["from"] = rename(from)
	out["restrictSearchWithMatch"] = merged
	return bson.M{"$graphLookup": out}, nil
}

// scopeFacet rewrites sub-pipelines. Their input is already scoped, so no $match is added.
func (e *Engine) scopeFacet(arg any, reads []string, rename Renamer) (bson.M, error) {
	spec, ok := bsonx.AsMap(arg)
	if !ok {
		return nil, domain.NewUnsupportedPipeline("$facet", "argument must be a document")
	}
	out := bson.M{}
	for name, raw := range spec {
		sub, err := asPipeline("$facet", raw)
		if err != nil {
			return nil, err
		}
		rewritten, err := e.rewriteStages(sub, reads, rename)
		if err != nil {
			return nil, err
		}
		out[name] = rewritten
	}
	return bson.M{"$facet": out}, nil
}

func asPipeline(stage string, raw any) ([]bson.M, error) {
	arr, ok := bsonx.AsSlice(raw)
	if !ok {
		return nil, domain.NewUnsupportedPipeline(stage, "pipeline must be an array")
	}
	out := make([]bson.M, len(arr))
	for i, s := range arr {
		m, ok := bsonx.AsMap(s)
		if !ok {
			return nil, domain.NewUnsupportedPipeline(stage, "pipeline stages must be documents")
		}
		out[i] = m
	}
	return out, nil
}
