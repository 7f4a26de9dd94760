package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

var supportedUpdateOps = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$setOnInsert": true, "$push": true,
}

func validateUpdate(update bson.M) error {
	if len(update) == 0 {
		return fmt.Errorf("update document is empty")
	}
	for op, arg := range update {
		if !strings.HasPrefix(op, "$") {
			return fmt.Errorf("replacement documents are not supported by update: %q", op)
		}
		if !supportedUpdateOps[op] {
			return fmt.Errorf("unsupported update operator %s", op)
		}
		if _, ok := bsonx.AsMap(arg); !ok {
			return fmt.Errorf("%s requires a document", op)
		}
	}
	return nil
}

// applyUpdate mutates doc in place. insert enables $setOnInsert.
// Reports whether any field changed.
func applyUpdate(doc, update bson.M, insert bool) (bool, error) {
	changed := false
	for _, op := range bsonx.SortedKeys(update) {
		args, _ := bsonx.AsMap(update[op])
		for _, path := range bsonx.SortedKeys(args) {
			value := args[path]
			current, exists := lookupPath(doc, path)
			switch op {
			case "$set":
				if !exists || !bsonx.Equal(current, value) {
					setPath(doc, path, bsonx.DeepClone(value))
					changed = true
				}
			case "$setOnInsert":
				if insert {
					setPath(doc, path, bsonx.DeepClone(value))
					changed = true
				}
			case "$unset":
				if exists {
					unsetPath(doc, path)
					changed = true
				}
			case "$inc":
				delta, ok := bsonx.ToFloat64(value)
				if !ok {
					return false, fmt.Errorf("$inc %s: non-numeric increment", path)
				}
				base := 0.0
				if exists {
					if base, ok = bsonx.ToFloat64(current); !ok {
						return false, fmt.Errorf("$inc %s: non-numeric field", path)
					}
				}
				setPath(doc, path, incResult(current, base+delta))
				changed = changed || delta != 0 || !exists
			case "$push":
				arr, _ := bsonx.AsSlice(current)
				if exists && arr == nil {
					return false, fmt.Errorf("$push %s: field is not an array", path)
				}
				setPath(doc, path, append(bson.A(arr), bsonx.DeepClone(value)))
				changed = true
			}
		}
	}
	return changed, nil
}

// incResult keeps integer fields integral.
func incResult(current any, sum float64) any {
	switch current.(type) {
	case int, int32, int64, nil:
		if sum == float64(int64(sum)) {
			return int64(sum)
		}
	}
	return sum
}

// seedFromFilter builds an upsert document from the equality parts of a filter.
func seedFromFilter(filter bson.M) bson.M {
	doc := bson.M{}
	for key, cond := range filter {
		if key == "$and" {
			clauses, _ := bsonx.AsSlice(cond)
			for _, raw := range clauses {
				if sub, ok := bsonx.AsMap(raw); ok {
					for k, v := range seedFromFilter(sub) {
						setPath(doc, k, v)
					}
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			continue
		}
		ops, isOps := operatorDoc(cond)
		if !isOps {
			setPath(doc, key, bsonx.DeepClone(cond))
			continue
		}
		if eq, ok := ops["$eq"]; ok {
			setPath(doc, key, bsonx.DeepClone(eq))
			continue
		}
		if in, ok := bsonx.AsSlice(ops["$in"]); ok && len(in) == 1 {
			setPath(doc, key, bsonx.DeepClone(in[0]))
		}
	}
	return doc
}
