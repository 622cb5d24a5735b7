package domain

import (
	"errors"
	"fmt"
)

// SchemaViolationError reports that a record failed structural validation:
// an undeclared entity type, a missing required field, or a type mismatch.
// It is always surfaced to the caller, never auto-corrected.
type SchemaViolationError struct {
	EntityType EntityType
	RecordID   string
	Field      string
	Reason     string
}

func (e *SchemaViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema violation: %s %q field %q: %s", e.EntityType, e.RecordID, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema violation: %s %q: %s", e.EntityType, e.RecordID, e.Reason)
}

// MigrationError reports that no transform path exists between two schema
// versions, or that a transform step failed. The affected cohort is left
// unmodified and requires manual migration.
type MigrationError struct {
	EntityType  EntityType
	RecordID    string
	FromVersion int
	ToVersion   int
	FailedStep  int
	Err         error
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration %s v%d->v%d: step v%d->v%d failed for %q: %v",
			e.EntityType, e.FromVersion, e.ToVersion, e.FailedStep, e.FailedStep+1, e.RecordID, e.Err)
	}
	return fmt.Sprintf("migration %s v%d->v%d: no transform registered for step v%d->v%d",
		e.EntityType, e.FromVersion, e.ToVersion, e.FailedStep, e.FailedStep+1)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ConstraintViolationError reports a referential-integrity failure in the
// analytical backend: a reference column populated with a value that has no
// corresponding row of the referenced type within the same cohort.
type ConstraintViolationError struct {
	Cohort     string
	EntityType EntityType
	RecordID   string
	Reference  Reference
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation in cohort %q: %s %q references %s %q which is not present",
		e.Cohort, e.EntityType, e.RecordID, e.Reference.Type, e.Reference.ID)
}

// NotFoundError reports that a requested cohort name does not exist in the
// queried backend. It is a typed absence, distinct from an I/O failure.
type NotFoundError struct {
	Name    string
	Backend Backend
}

func (e *NotFoundError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("cohort %q not found in %s backend", e.Name, e.Backend)
	}
	return fmt.Sprintf("cohort %q not found", e.Name)
}

// IOError wraps a transient backend failure (disk, lock contention,
// connectivity). IOErrors are eligible for bounded retry; every other error
// class aborts immediately.
type IOError struct {
	Op      string
	Backend Backend
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a cohort-absent result.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is eligible for retry under the bounded
// retry policy. Validation, migration, and constraint failures are never
// transient.
func IsTransient(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
