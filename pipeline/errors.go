package pipeline

import (
	"errors"
	"fmt"
)

// Error categories reported to the operator. Collaborator packages may return
// errors implementing interface{ Category() string } to override the default
// classification of CategoryExecution.
const (
	CategoryExecution      = "stage_execution"
	CategoryMissingContext = "missing_context_value"
	CategoryHealthCheck    = "health_check_exhausted"
	CategoryRollback       = "rollback"
)

type categorized interface {
	Category() string
}

// Category classifies err for operator triage. Errors that do not carry their
// own category are treated as stage execution failures.
func Category(err error) string {
	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}

	return CategoryExecution
}

// StageExecutionError is returned when a stage action failed past its retry
// budget. It wraps the last error returned by the action.
type StageExecutionError struct {
	Stage    string
	Attempts uint
	Err      error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

func (e *StageExecutionError) Category() string { return CategoryExecution }

// MissingContextValueError is returned when a stage requires a context key
// that no earlier stage produced and no fallback value covers. It is a data
// dependency failure: retrying cannot fix it, so it is never retried.
type MissingContextValueError struct {
	Key   string
	Stage string
}

func (e *MissingContextValueError) Error() string {
	return fmt.Sprintf("stage %s requires context key %q which was never produced and has no fallback", e.Stage, e.Key)
}

func (e *MissingContextValueError) Category() string { return CategoryMissingContext }

// RollbackError records a compensating action that itself failed. It never
// masks the original stage failure; the pipeline surfaces both.
type RollbackError struct {
	Stage string
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of stage %s failed: %v", e.Stage, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func (e *RollbackError) Category() string { return CategoryRollback }

// Unrecoverable marks err so the retry wrapper aborts immediately instead of
// consuming the remaining attempt budget. Use it for structural failures that
// repeating the operation cannot fix.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

type unrecoverableError struct {
	err error
}

func (e unrecoverableError) Error() string { return e.err.Error() }

func (e unrecoverableError) Unwrap() error { return e.err }

func isUnrecoverable(err error) bool {
	var u unrecoverableError
	if errors.As(err, &u) {
		return true
	}
	var missing *MissingContextValueError

	return errors.As(err, &missing)
}
