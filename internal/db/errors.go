package db

import (
	"context"
	"errors"
)

// Sentinel errors for database operations.
var (
	ErrNoDocuments        = errors.New("db: no documents")
	ErrIndexNotFound      = errors.New("db: index not found")
	ErrIndexExists        = errors.New("db: index already exists")
	ErrIndexOptionsClash  = errors.New("db: index exists with different options")
	ErrDuplicateKey       = errors.New("db: duplicate key")
	ErrTransient          = errors.New("db: transient error")
	ErrSearchNotSupported = errors.New("db: search indexes not supported")
)

// Op constants map to driver command names for error context.
const (
	OpFind              = "find"
	OpFindOne           = "findOne"
	OpCount             = "countDocuments"
	OpAggregate         = "aggregate"
	OpInsertOne         = "insertOne"
	OpInsertMany        = "insertMany"
	OpUpdateOne         = "updateOne"
	OpUpdateMany        = "updateMany"
	OpDeleteOne         = "deleteOne"
	OpDeleteMany        = "deleteMany"
	OpCreateIndex       = "createIndexes"
	OpListIndexes       = "listIndexes"
	OpDropIndex         = "dropIndexes"
	OpCreateSearchIndex = "createSearchIndexes"
	OpUpdateSearchIndex = "updateSearchIndex"
	OpDropSearchIndex   = "dropSearchIndex"
	OpListSearchIndexes = "listSearchIndexes"
	OpCreateCollection  = "create"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// TransientError marks an error as retryable (network, timeout, primary stepdown).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
