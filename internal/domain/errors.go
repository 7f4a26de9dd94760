package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidScope signals a malformed tenant scope.
	ErrInvalidScope = errors.New("invalid tenant scope")
	// ErrInvalidIndexSpec signals a declared index that fails type-specific validation.
	ErrInvalidIndexSpec = errors.New("invalid index spec")
	// ErrUnsupportedPipelineShape signals a pipeline that cannot be scoped safely.
	ErrUnsupportedPipelineShape = errors.New("unsupported pipeline shape")
	// ErrScopeViolation signals a caller constraint that escapes the permitted scopes.
	ErrScopeViolation = errors.New("scope violation")
	// ErrIndexBuildTimeout signals a managed index that never became queryable.
	ErrIndexBuildTimeout = errors.New("index build timeout")
	// ErrIndexBuildConflict signals an existing index incompatible with the declared one.
	ErrIndexBuildConflict = errors.New("index build conflict")
	// ErrDocumentNotFound signals a point lookup with no match.
	ErrDocumentNotFound = errors.New("document not found")
)

// InvalidIndexSpecError wraps ErrInvalidIndexSpec with the offending index and reason.
type InvalidIndexSpecError struct {
	Index  string
	Reason string
}

func (e *InvalidIndexSpecError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidIndexSpec.Error(), e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", ErrInvalidIndexSpec.Error(), e.Index, e.Reason)
}

func (e *InvalidIndexSpecError) Unwrap() error { return ErrInvalidIndexSpec }

// NewInvalidIndexSpec creates an invalid index spec error.
func NewInvalidIndexSpec(index, format string, args ...any) error {
	return &InvalidIndexSpecError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

// ScopeViolationError wraps ErrScopeViolation with the field and scopes involved.
type ScopeViolationError struct {
	Field     string
	Requested []string
	Allowed   []string
	Reason    string
}

func (e *ScopeViolationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrScopeViolation.Error())
	b.WriteString(": field ")
	b.WriteString(e.Field)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Requested) > 0 {
		fmt.Fprintf(&b, " (requested %v, allowed %v)", e.Requested, e.Allowed)
	}
	return b.String()
}

func (e *ScopeViolationError) Unwrap() error { return ErrScopeViolation }

// UnsupportedPipelineError wraps ErrUnsupportedPipelineShape with the stage that could not be scoped.
type UnsupportedPipelineError struct {
	Stage  string
	Reason string
}

func (e *UnsupportedPipelineError) Error() string {
	return fmt.Sprintf("%s: stage %s: %s", ErrUnsupportedPipelineShape.Error(), e.Stage, e.Reason)
}

func (e *UnsupportedPipelineError) Unwrap() error { return ErrUnsupportedPipelineShape }

// NewUnsupportedPipeline creates an unsupported pipeline error.
func NewUnsupportedPipeline(stage, reason string) error {
	return &UnsupportedPipelineError{Stage: stage, Reason: reason}
}
