// Package scopefilter builds tenant-scoped filters, write stamps and pipelines.
// Every function returns new values and never mutates its inputs.
package scopefilter

import (
	"fmt"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/domain"
)

// DefaultStampField is the document field that records the owning scope.
const DefaultStampField = "tenant_id"

// Engine applies scope rules for one stamp field.
type Engine struct {
	stamp string
}

// New creates an Engine. An empty field selects DefaultStampField.
func New(stampField string) (*Engine, error) {
	if stampField == "" {
		stampField = DefaultStampField
	}
	if strings.ContainsAny(stampField, ".$") {
		return nil, fmt.Errorf("stamp field %q must be a top-level field name", stampField)
	}
	return &Engine{stamp: stampField}, nil
}

// StampField returns the field name stamped on every document.
func (e *Engine) StampField() string { return e.stamp }

// ReadFilter returns filter narrowed to documents whose stamp is in reads.
// A caller constraint on the stamp field is intersected with reads; a constraint
// that leaves nothing readable fails with ErrScopeViolation. Stamp constraints in
// top-level $and clauses are checked the same way.
func (e *Engine) ReadFilter(filter bson.M, reads []string) (bson.M, error) {
	narrowed, andCond := e.andAllowed(filter, reads)
	if len(narrowed) == 0 {
		return nil, e.violation(andCond, reads, "an $and clause is disjoint from the readable scopes")
	}

	out := bsonx.Clone(filter)
	cond, constrained := filter[e.stamp]
	if !constrained {
		out[e.stamp] = inClause(reads)
		return out, nil
	}

	allowed, exact := e.allowedBy(cond, reads)
	if len(allowed) == 0 || (exact && len(intersect(allowed, narrowed)) == 0) {
		return nil, e.violation(cond, reads, "caller constraint is disjoint from the readable scopes")
	}
	if exact {
		out[e.stamp] = inClause(allowed)
		return out, nil
	}

	// Constraint shape we cannot evaluate (regex, $exists, ...): keep it and AND the scope.
	delete(out, e.stamp)
	and, _ := bsonx.AsSlice(filter["$and"])
	merged := make(bson.A, 0, len(and)+2)
	merged = append(merged, and...)
	merged = append(merged, bson.M{e.stamp: cond}, bson.M{e.stamp: inClause(reads)})
	out["$and"] = merged
	return out, nil
}

// allowedBy narrows reads by a caller stamp constraint. exact is false when the
// constraint uses operators other than equality and set membership.
func (e *Engine) allowedBy(cond any, reads []string) (allowed []string, exact bool) {
	ops, ok := bsonx.AsMap(cond)
	if !ok || !isOperatorDoc(ops) {
		switch c := cond.(type) {
		case string:
			return intersect(reads, []string{c}), true
		case primitive.Regex:
			return reads, false
		}
		// Other literals never equal a string stamp.
		return nil, true
	}

	allowed = slices.Clone(reads)
	for op, arg := range ops {
		switch op {
		case "$eq":
			s, _ := arg.(string)
			allowed = intersect(allowed, []string{s})
		case "$in":
			vals, patterns := stringsIn(arg)
			if patterns {
				return reads, false
			}
			allowed = intersect(allowed, vals)
		case "$ne":
			s, _ := arg.(string)
			allowed = subtract(allowed, []string{s})
		case "$nin":
			vals, patterns := stringsIn(arg)
			if patterns {
				return reads, false
			}
			allowed = subtract(allowed, vals)
		default:
			return reads, false
		}
	}
	return allowed, true
}

// andAllowed narrows reads by every exact stamp constraint found in $and clauses,
// nested ones included. cond is the last constraint applied.
func (e *Engine) andAllowed(filter bson.M, reads []string) (narrowed []string, cond any) {
	clauses, _ := bsonx.AsSlice(filter["$and"])
	for _, raw := range clauses {
		clause, ok := bsonx.AsMap(raw)
		if !ok {
			continue
		}
		if c, ok := clause[e.stamp]; ok {
			if allowed, exact := e.allowedBy(c, reads); exact {
				reads, cond = allowed, c
			}
		}
		if len(reads) == 0 {
			return nil, cond
		}
		var inner any
		if reads, inner = e.andAllowed(clause, reads); inner != nil {
			cond = inner
		}
		if len(reads) == 0 {
			return nil, cond
		}
	}
	return reads, cond
}

func (e *Engine) violation(cond any, reads []string, reason string) error {
	return &domain.ScopeViolationError{
		Field:     e.stamp,
		Requested: requestedScopes(cond),
		Allowed:   slices.Clone(reads),
		Reason:    reason,
	}
}

// WriteStamp returns a copy of doc owned by write. Any caller-supplied stamp is overwritten.
func (e *Engine) WriteStamp(doc bson.M, write string) bson.M {
	out := bsonx.Clone(doc)
	out[e.stamp] = write
	return out
}

// StampMany stamps each document.
func (e *Engine) StampMany(docs []bson.M, write string) []bson.M {
	out := make([]bson.M, len(docs))
	for i, doc := range docs {
		out[i] = e.WriteStamp(doc, write)
	}
	return out
}

// ScopeMatch is the bare scope constraint as a filter document.
func (e *Engine) ScopeMatch(reads []string) bson.M {
	return bson.M{e.stamp: inClause(reads)}
}

func inClause(scopes []string) bson.M {
	arr := make(bson.A, len(scopes))
	for i, s := range scopes {
		arr[i] = s
	}
	return bson.M{"$in": arr}
}

func isOperatorDoc(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// stringsIn returns the string members of an $in/$nin array. patterns reports a
// regex member, which makes the set impossible to evaluate here.
func stringsIn(v any) (out []string, patterns bool) {
	arr, _ := bsonx.AsSlice(v)
	out = make([]string, 0, len(arr))
	for _, el := range arr {
		switch t := el.(type) {
		case string:
			out = append(out, t)
		case primitive.Regex:
			patterns = true
		}
	}
	return out, patterns
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	var out []string
	for _, s := range a {
		if !slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func requestedScopes(cond any) []string {
	if s, ok := cond.(string); ok {
		return []string{s}
	}
	ops, _ := bsonx.AsMap(cond)
	var out []string
	if s, ok := ops["$eq"].(string); ok {
		out = append(out, s)
	}
	in, _ := stringsIn(ops["$in"])
	return append(out, in...)
}
