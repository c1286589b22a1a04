package stm

import "fmt"

// ConflictError reports two mutually inconsistent writes observed within a
// single atomic section, or a cyclic computation that failed to converge
// within its iteration budget.
type ConflictError struct {
	Old, New any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stm: conflicting writes: %v != %v", e.Old, e.New)
}

// InvalidOperation reports an API called outside the dynamic scope that
// requires it: Manage outside an atomic section, a savepoint rolled back
// against the wrong section, and similar misuse.
type InvalidOperation struct {
	Msg string
}

func (e *InvalidOperation) Error() string {
	return "stm: invalid operation: " + e.Msg
}

func newInvalidOperation(msg string) error {
	return &InvalidOperation{Msg: msg}
}
