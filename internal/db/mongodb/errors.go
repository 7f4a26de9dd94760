package mongodb

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/kailas-cloud/scopedb/internal/db"
)

// Server error codes the adapter translates.
const (
	codeIndexNotFound         = 27
	codeNamespaceExists       = 48
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
	codeIndexAlreadyExists    = 68
	codeHostUnreachable       = 6
	codeNetworkTimeout        = 89
	codeShutdownInProgress    = 91
	codePrimarySteppedDown    = 189
	codeNotWritablePrimary    = 10107
	codeInterruptedAtShutdown = 11600
	codeNotPrimaryNoSecondary = 13435
	codeNotPrimaryOrSecondary = 13436

	// Returned by deployments without a search control plane.
	codeSearchNotEnabled  = 31082
	codeUnrecognizedStage = 40324
	codeCommandNotFound   = 59
)

var transientCodes = map[int]bool{
	codeHostUnreachable:       true,
	codeNetworkTimeout:        true,
	codeShutdownInProgress:    true,
	codePrimarySteppedDown:    true,
	codeNotWritablePrimary:    true,
	codeInterruptedAtShutdown: true,
	codeNotPrimaryNoSecondary: true,
	codeNotPrimaryOrSecondary: true,
}

// wrapErr maps driver errors onto db sentinels and tags the operation.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &db.Error{Op: op, Err: translate(err)}
}

func translate(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %w", db.ErrNoDocuments, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", db.ErrDuplicateKey, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return &db.TransientError{Err: err}
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
			return &db.TransientError{Err: err}
		}
		for code := range transientCodes {
			if se.HasErrorCode(code) {
				return &db.TransientError{Err: err}
			}
		}
		switch {
		case se.HasErrorCode(codeIndexNotFound):
			return fmt.Errorf("%w: %w", db.ErrIndexNotFound, err)
		case se.HasErrorCode(codeIndexOptionsConflict), se.HasErrorCode(codeIndexKeySpecsConflict):
			return fmt.Errorf("%w: %w", db.ErrIndexOptionsClash, err)
		case se.HasErrorCode(codeIndexAlreadyExists):
			return fmt.Errorf("%w: %w", db.ErrIndexExists, err)
		case se.HasErrorCode(codeSearchNotEnabled), se.HasErrorCode(codeUnrecognizedStage),
			se.HasErrorCode(codeCommandNotFound):
			return fmt.Errorf("%w: %w", db.ErrSearchNotSupported, err)
		}
	}
	return err
}

func isNamespaceExists(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(codeNamespaceExists)
}
