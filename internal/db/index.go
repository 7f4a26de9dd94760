package db

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// IndexModel is a simple index creation request.
type IndexModel struct {
	Name    string
	Keys    bson.D
	Options bson.M
}

// IndexInfo is one entry of listIndexes. Options holds every field except name, key and v.
type IndexInfo struct {
	Name    string
	Keys    bson.D
	Options bson.M
}

// SearchIndexModel is a managed search/vector index creation request.
type SearchIndexModel struct {
	Name       string
	Type       string // "search" or "vectorSearch"
	Definition bson.M
}

// SearchIndexStatus is the control-plane build status of a managed index.
type SearchIndexStatus string

const (
	SearchIndexPending      SearchIndexStatus = "PENDING"
	SearchIndexBuilding     SearchIndexStatus = "BUILDING"
	SearchIndexReady        SearchIndexStatus = "READY"
	SearchIndexFailed       SearchIndexStatus = "FAILED"
	SearchIndexDoesNotExist SearchIndexStatus = "DOES_NOT_EXIST"
	SearchIndexDeleting     SearchIndexStatus = "DELETING"
	SearchIndexStale        SearchIndexStatus = "STALE"
)

// SearchIndexInfo is one entry of listSearchIndexes.
type SearchIndexInfo struct {
	Name             string
	Type             string
	Status           SearchIndexStatus
	Queryable        bool
	LatestDefinition bson.M
}

// IsReady reports whether the index serves queries with its latest definition.
func (i SearchIndexInfo) IsReady() bool {
	return i.Queryable && strings.EqualFold(string(i.Status), string(SearchIndexReady))
}

// IsFailed reports whether the control plane gave up building the index.
func (i SearchIndexInfo) IsFailed() bool {
	return strings.EqualFold(string(i.Status), string(SearchIndexFailed))
}
