// Package scope defines the tenant scope that every proxied operation is bound to.
package scope

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/kailas-cloud/scopedb/internal/domain"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Scope is the immutable (write scope, read scopes) pair of one tenant.
// The write scope does not have to be readable.
type Scope struct {
	write string
	reads []string
}

// New validates and creates a Scope. Read scopes keep their first-seen order; duplicates are dropped.
func New(write string, reads ...string) (Scope, error) {
	if err := validateName(write); err != nil {
		return Scope{}, fmt.Errorf("%w: write scope: %w", domain.ErrInvalidScope, err)
	}
	if len(reads) == 0 {
		return Scope{}, fmt.Errorf("%w: at least one read scope is required", domain.ErrInvalidScope)
	}

	ordered := make([]string, 0, len(reads))
	for _, r := range reads {
		if err := validateName(r); err != nil {
			return Scope{}, fmt.Errorf("%w: read scope: %w", domain.ErrInvalidScope, err)
		}
		if !slices.Contains(ordered, r) {
			ordered = append(ordered, r)
		}
	}
	return Scope{write: write, reads: ordered}, nil
}

// MustNew calls New and panics on error.
func MustNew(write string, reads ...string) Scope {
	s, err := New(write, reads...)
	if err != nil {
		panic(err)
	}
	return s
}

// Self returns a scope that reads and writes only its own data.
func Self(write string) (Scope, error) {
	return New(write, write)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("scope name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("scope name too long (max 64)")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("scope name %q must be alphanumeric with underscores and hyphens", name)
	}
	return nil
}

// Write returns the single scope stamped onto written documents.
func (s Scope) Write() string { return s.write }

// Reads returns a copy of the readable scopes.
func (s Scope) Reads() []string { return slices.Clone(s.reads) }

// CanRead reports whether documents stamped with name are visible.
func (s Scope) CanRead(name string) bool { return slices.Contains(s.reads, name) }

// IsZero reports whether the scope was never initialized.
func (s Scope) IsZero() bool { return s.write == "" }

func (s Scope) String() string {
	return fmt.Sprintf("write=%s read=%v", s.write, s.reads)
}
