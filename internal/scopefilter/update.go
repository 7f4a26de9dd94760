package scopefilter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/domain"
)

// ScopeUpdate checks that an operator update cannot move documents out of write
// and, for upserts, stamps the inserted document via $setOnInsert.
func (e *Engine) ScopeUpdate(update bson.M, write string, upsert bool) (bson.M, error) {
	if len(update) == 0 {
		return nil, e.updateViolation(write, "update document is empty")
	}
	for op, arg := range update {
		if !strings.HasPrefix(op, "$") {
			return nil, e.updateViolation(write, "replacement documents are not supported, use update operators")
		}
		fields, ok := bsonx.AsMap(arg)
		if !ok {
			continue
		}
		for path, value := range fields {
			if err := e.checkUpdatePath(op, path, value, write); err != nil {
				return nil, err
			}
		}
	}

	if !upsert {
		return bsonx.Clone(update), nil
	}
	out := bsonx.Clone(update)
	if set, _ := bsonx.AsMap(update["$set"]); set != nil {
		if _, ok := set[e.stamp]; ok {
			return out, nil
		}
	}
	onInsert, _ := bsonx.AsMap(update["$setOnInsert"])
	onInsert = bsonx.Clone(onInsert)
	onInsert[e.stamp] = write
	out["$setOnInsert"] = onInsert
	return out, nil
}

func (e *Engine) checkUpdatePath(op, path string, value any, write string) error {
	touches := path == e.stamp || strings.HasPrefix(path, e.stamp+".")
	if op == "$rename" {
		target, _ := value.(string)
		if touches || target == e.stamp || strings.HasPrefix(target, e.stamp+".") {
			return e.updateViolation(write, "the stamp field cannot be renamed")
		}
		return nil
	}
	if !touches {
		return nil
	}
	switch op {
	case "$set", "$setOnInsert":
		if path == e.stamp {
			if s, ok := value.(string); ok && s == write {
				return nil
			}
		}
		return &domain.ScopeViolationError{
			Field:     e.stamp,
			Requested: requestedScopes(value),
			Allowed:   []string{write},
			Reason:    "update would move the document out of the write scope",
		}
	default:
		return e.updateViolation(write, op+" cannot modify the stamp field")
	}
}

func (e *Engine) updateViolation(write, reason string) error {
	return &domain.ScopeViolationError{Field: e.stamp, Allowed: []string{write}, Reason: reason}
}
