package scopedb

import (
	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain"
	"github.com/kailas-cloud/scopedb/internal/domain/index"
	"github.com/kailas-cloud/scopedb/internal/domain/scope"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/proxy"
)

// Scope is a tenant's (write scope, read scopes) pair.
type Scope = scope.Scope

// NewScope validates and creates a Scope.
func NewScope(write string, reads ...string) (Scope, error) { return scope.New(write, reads...) }

// Database is one tenant's view of the shared database.
type Database = proxy.DatabaseProxy

// Collection is a scoped collection handle.
type Collection = proxy.CollectionProxy

// FindOptions narrows a find call.
type FindOptions = db.FindOptions

// UpdateResult reports the documents an update matched, modified or upserted.
type UpdateResult = db.UpdateResult

// IndexSpec is one declared index.
type IndexSpec = index.Spec

// IndexType is the kind of index an IndexSpec declares.
type IndexType = index.Type

// Index types.
const (
	IndexRegular      = index.TypeRegular
	IndexText         = index.TypeText
	IndexGeospatial   = index.TypeGeospatial
	IndexTTL          = index.TypeTTL
	IndexPartial      = index.TypePartial
	IndexVectorSearch = index.TypeVectorSearch
	IndexSearch       = index.TypeSearch
	IndexHybrid       = index.TypeHybrid
)

// IndexSpecBuilder assembles an IndexSpec fluently.
type IndexSpecBuilder = index.Builder

// NewIndexSpec starts building an index spec; it is a regular index until a
// type-specific method says otherwise.
func NewIndexSpec(name string) *IndexSpecBuilder { return index.NewSpec(name) }

// IndexReport is the outcome of an EnsureIndexes call.
type IndexReport = proxy.Report

// IndexState is the readiness of one physical index.
type IndexState = proxy.IndexState

// BuildInfo is a snapshot of one index build task.
type BuildInfo = indexbuild.TaskInfo

// Build statuses.
const (
	BuildPending   = indexbuild.StatusPending
	BuildBuilding  = indexbuild.StatusBuilding
	BuildQueryable = indexbuild.StatusQueryable
	BuildFailed    = indexbuild.StatusFailed
)

// Errors returned by scoped operations; match them with errors.Is.
var (
	ErrInvalidScope             = domain.ErrInvalidScope
	ErrInvalidIndexSpec         = domain.ErrInvalidIndexSpec
	ErrUnsupportedPipelineShape = domain.ErrUnsupportedPipelineShape
	ErrScopeViolation           = domain.ErrScopeViolation
	ErrIndexBuildTimeout        = domain.ErrIndexBuildTimeout
	ErrIndexBuildConflict       = domain.ErrIndexBuildConflict
	ErrDocumentNotFound         = domain.ErrDocumentNotFound
	ErrIndexNotFound            = db.ErrIndexNotFound
	ErrSearchNotSupported       = db.ErrSearchNotSupported
)

// IsTransient reports whether err is a driver failure worth retrying.
func IsTransient(err error) bool { return db.IsTransient(err) }
