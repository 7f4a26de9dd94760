// Package indexdiff compares declared indexes against what the database reports
// and decides the smallest action that converges them.
package indexdiff

import (
	"fmt"
	"slices"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/bsonx"
	"github.com/kailas-cloud/scopedb/internal/db"
)

// Action is what the coordinator must do to converge one index.
type Action string

const (
	// ActionCreate creates a missing index.
	ActionCreate Action = "create"
	// ActionNoop leaves an equivalent index alone.
	ActionNoop Action = "noop"
	// ActionRecreate drops Decision.Drop, then creates.
	ActionRecreate Action = "recreate"
	// ActionUpdate replaces a managed definition in place.
	ActionUpdate Action = "update"
	// ActionConflict means the index cannot be created without removing an index it does not own.
	ActionConflict Action = "conflict"
)

// Decision is the outcome of a diff.
type Decision struct {
	Action Action
	// Drop names the index removed before create when Action is ActionRecreate.
	Drop   string
	Reason string
	// Pending is set for managed indexes that exist but are not yet queryable.
	Pending bool
}

// Mutates reports whether the decision issues a mutating call.
func (d Decision) Mutates() bool {
	return d.Action == ActionCreate || d.Action == ActionRecreate || d.Action == ActionUpdate
}

const (
	textKeyFTS  = "_fts"
	textKeyFTSX = "_ftsx"
	textMarker  = "text"

	// Text index options the server fills in when omitted.
	defaultLanguage   = "english"
	defaultOverride   = "language"
	defaultTextWeight = 1
)

// DiffSimple decides how to converge a simple index. replaceable reports whether an
// index with the same keys under another name may be dropped in favor of desired; nil
// means none may.
func DiffSimple(desired db.IndexModel, existing []db.IndexInfo, replaceable func(name string) bool) Decision {
	want := canonicalSimple(desired.Keys, desired.Options)

	for _, info := range existing {
		if info.Name != desired.Name {
			continue
		}
		got := canonicalSimple(info.Keys, info.Options)
		if reason := want.diff(got); reason != "" {
			return Decision{Action: ActionRecreate, Drop: info.Name, Reason: reason}
		}
		return Decision{Action: ActionNoop}
	}

	for _, info := range existing {
		got := canonicalSimple(info.Keys, info.Options)
		if !bsonx.Equal(want.keys, got.keys) {
			continue
		}
		if want.diff(got) == "" {
			return Decision{Action: ActionNoop, Reason: fmt.Sprintf("keys already indexed as %s", info.Name)}
		}
		if replaceable != nil && replaceable(info.Name) {
			return Decision{Action: ActionRecreate, Drop: info.Name, Reason: fmt.Sprintf("replaces %s", info.Name)}
		}
		return Decision{Action: ActionConflict, Reason: fmt.Sprintf("keys already indexed as %s with different options", info.Name)}
	}

	return Decision{Action: ActionCreate}
}

// Covered returns the name of an existing index whose leading keys equal keys and which
// indexes every document, so a query served by keys is already served by it.
func Covered(keys bson.D, existing []db.IndexInfo) (string, bool) {
	want := canonicalSimple(keys, nil).keys
	for _, info := range existing {
		if _, partial := info.Options["partialFilterExpression"]; partial {
			continue
		}
		if isTruthy(info.Options["sparse"]) || isTruthy(info.Options["hidden"]) {
			continue
		}
		got := canonicalSimple(info.Keys, info.Options).keys
		if len(got) < len(want) {
			continue
		}
		if bsonx.Equal(want, got[:len(want)]) {
			return info.Name, true
		}
	}
	return "", false
}

// DiffManaged decides how to converge a managed search or vector index. The declared
// definition is compared as a subset of the reported one: the control plane fills in defaults.
func DiffManaged(name, kind string, desired bson.M, existing []db.SearchIndexInfo, canUpdate bool) Decision {
	idx := slices.IndexFunc(existing, func(i db.SearchIndexInfo) bool {
		return i.Name == name && i.Status != db.SearchIndexDoesNotExist
	})
	if idx < 0 {
		return Decision{Action: ActionCreate}
	}
	got := existing[idx]

	changed := func(reason string) Decision {
		if canUpdate && (got.Type == "" || got.Type == kind) {
			return Decision{Action: ActionUpdate, Reason: reason}
		}
		return Decision{Action: ActionRecreate, Drop: name, Reason: reason}
	}

	switch {
	case got.Type != "" && got.Type != kind:
		return Decision{Action: ActionRecreate, Drop: name, Reason: fmt.Sprintf("type changed from %s to %s", got.Type, kind)}
	case !bsonx.Subset(desired, got.LatestDefinition):
		return changed("definition changed")
	case got.IsFailed():
		return changed("previous build failed")
	}
	return Decision{Action: ActionNoop, Pending: !got.IsReady()}
}

// simpleForm is the comparable shape of a simple index.
type simpleForm struct {
	keys    []any
	options map[string]any
}

// canonicalSimple folds the text key forms ({title: "text"} and {_fts: "text", _ftsx: 1})
// into one "$text" entry and applies server defaults to options.
func canonicalSimple(keys bson.D, options bson.M) simpleForm {
	var textFields []string
	serverText := false
	for _, k := range keys {
		if k.Key == textKeyFTS {
			serverText = true
		}
		if v, _ := bsonx.AsString(k.Value); v == textMarker && k.Key != textKeyFTS {
			textFields = append(textFields, k.Key)
		}
	}

	weights, _ := bsonx.AsMap(options["weights"])
	if serverText {
		textFields = bsonx.SortedKeys(weights)
	}
	sort.Strings(textFields)

	form := simpleForm{options: make(map[string]any)}
	textPlaced := false
	for _, k := range keys {
		isText := k.Key == textKeyFTS || k.Key == textKeyFTSX
		if v, _ := bsonx.AsString(k.Value); v == textMarker {
			isText = true
		}
		if !isText {
			form.keys = append(form.keys, []any{k.Key, bsonx.Normalize(k.Value)})
			continue
		}
		if !textPlaced {
			fields := make([]any, len(textFields))
			for i, f := range textFields {
				fields[i] = f
			}
			form.keys = append(form.keys, []any{"$text", fields})
			textPlaced = true
		}
	}

	for _, name := range significantOptions {
		if v, ok := options[name]; ok {
			form.options[name] = bsonx.Normalize(v)
		}
	}
	for _, name := range []string{"unique", "sparse", "hidden"} {
		if isTruthy(options[name]) {
			form.options[name] = true
		} else {
			delete(form.options, name)
		}
	}
	if textPlaced {
		w := make(map[string]any, len(textFields))
		for _, f := range textFields {
			w[f] = float64(defaultTextWeight)
		}
		for f, v := range weights {
			w[f] = bsonx.Normalize(v)
		}
		form.options["weights"] = w
		if _, ok := form.options["default_language"]; !ok {
			form.options["default_language"] = defaultLanguage
		}
		if _, ok := form.options["language_override"]; !ok {
			form.options["language_override"] = defaultOverride
		}
	} else {
		delete(form.options, "weights")
		delete(form.options, "default_language")
		delete(form.options, "language_override")
	}
	return form
}

// significantOptions change what an index contains or enforces. Version and
// bookkeeping fields reported by listIndexes are ignored.
var significantOptions = []string{
	"unique", "sparse", "hidden", "expireAfterSeconds", "partialFilterExpression",
	"weights", "default_language", "language_override", "collation", "bits", "min", "max",
}

// diff returns a human readable reason when the forms differ, or "".
func (f simpleForm) diff(got simpleForm) string {
	if !bsonx.Equal(f.keys, got.keys) {
		return "keys changed"
	}
	for _, name := range significantOptions {
		w, wok := f.options[name]
		g, gok := got.options[name]
		switch {
		case name == "collation" && wok && gok:
			// The server reports every collation field; declared ones must match.
			if !bsonx.Subset(w, g) {
				return "collation changed"
			}
		case wok != gok || !bsonx.Equal(w, g):
			return fmt.Sprintf("option %s changed", name)
		}
	}
	return ""
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	}
	f, ok := bsonx.ToFloat64(v)
	return !ok || f != 0
}
