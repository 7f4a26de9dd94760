package memory

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
)

// MatchesFilter reports whether doc satisfies a query filter.
// Supported: implicit equality, $eq $ne $in $nin $gt $gte $lt $lte $exists, and $and $or $nor.
func MatchesFilter(doc bson.M, filter bson.M) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := bsonx.AsSlice(cond)
			if !ok || len(clauses) == 0 {
				return false, fmt.Errorf("%s requires a non-empty array", key)
			}
			matched, err := matchLogical(doc, key, clauses)
			if err != nil || !matched {
				return false, err
			}
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("unsupported top-level operator %s", key)
			}
			actual, exists := lookupPath(doc, key)
			matched, err := matchCondition(actual, exists, cond)
			if err != nil || !matched {
				return false, err
			}
		}
	}
	return true, nil
}

func matchLogical(doc bson.M, op string, clauses []any) (bool, error) {
	for _, raw := range clauses {
		sub, ok := bsonx.AsMap(raw)
		if !ok {
			return false, fmt.Errorf("%s clause must be a document", op)
		}
		matched, err := MatchesFilter(doc, sub)
		if err != nil {
			return false, err
		}
		switch op {
		case "$and":
			if !matched {
				return false, nil
			}
		case "$or":
			if matched {
				return true, nil
			}
		case "$nor":
			if matched {
				return false, nil
			}
		}
	}
	return op != "$or", nil
}

func matchCondition(actual any, exists bool, cond any) (bool, error) {
	ops, ok := operatorDoc(cond)
	if !ok {
		return exists && valuesMatch(actual, cond), nil
	}

	for op, operand := range ops {
		var (
			matched bool
			err     error
		)
		switch op {
		case "$eq":
			matched = exists && valuesMatch(actual, operand)
		case "$ne":
			matched = !exists || !valuesMatch(actual, operand)
		case "$in":
			matched, err = matchIn(actual, exists, operand)
		case "$nin":
			matched, err = matchIn(actual, exists, operand)
			matched = !matched
		case "$gt", "$gte", "$lt", "$lte":
			matched = exists && compareOp(actual, op, operand)
		case "$exists":
			want, _ := operand.(bool)
			matched = exists == want
		default:
			return false, fmt.Errorf("unsupported operator %s", op)
		}
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

// operatorDoc returns cond as an operator document when every key starts with '$'.
func operatorDoc(cond any) (bson.M, bool) {
	m, ok := bsonx.AsMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchIn(actual any, exists bool, operand any) (bool, error) {
	values, ok := bsonx.AsSlice(operand)
	if !ok {
		return false, fmt.Errorf("$in/$nin requires an array")
	}
	if !exists {
		for _, v := range values {
			if v == nil {
				return true, nil
			}
		}
		return false, nil
	}
	for _, v := range values {
		if valuesMatch(actual, v) {
			return true, nil
		}
	}
	return false, nil
}

// valuesMatch compares with array-contains semantics: an array field matches any of its elements.
func valuesMatch(actual, expected any) bool {
	if bsonx.Equal(actual, expected) {
		return true
	}
	if arr, ok := bsonx.AsSlice(actual); ok {
		for _, el := range arr {
			if bsonx.Equal(el, expected) {
				return true
			}
		}
	}
	return false
}

func compareOp(actual any, op string, operand any) bool {
	if arr, ok := bsonx.AsSlice(actual); ok {
		for _, el := range arr {
			if compareOp(el, op, operand) {
				return true
			}
		}
		return false
	}
	c, ok := compareValues(actual, operand)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	case "$lte":
		return c <= 0
	}
	return false
}

// compareValues orders two scalars of the same family. ok is false for mixed families.
func compareValues(a, b any) (int, bool) {
	if af, ok := bsonx.ToFloat64(a); ok {
		bf, ok := bsonx.ToFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	return 0, false
}

// lookupPath resolves a dotted path through nested documents.
func lookupPath(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := bsonx.AsMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath assigns a dotted path, creating intermediate documents.
func setPath(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := bsonx.AsMap(cur[part])
		if !ok {
			next = bson.M{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func unsetPath(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := bsonx.AsMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
