package engine

import (
	"fmt"

	"github.com/delaneyj/trellis/stm"
)

// ConflictError reports mutually inconsistent writes within one sweep, or a
// cyclic computation that failed to converge within its iteration budget.
type ConflictError = stm.ConflictError

// ReadOnlyError reports a write to a cell that cannot accept one: a
// Constant, an Observer, an Effector, or a Computed cell without the writable
// ("maintain") contract.
type ReadOnlyError struct {
	Cell string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("engine: cell %q is read-only", e.Cell)
}

// InvalidOperation reports a call outside the dynamic scope it requires,
// such as calling a goroutine-bound engine's Atomically from the wrong goroutine, or
// calling Repeat/Poll/MarkDirty outside a running rule.
type InvalidOperation struct {
	Msg string
}

func (e *InvalidOperation) Error() string {
	return "engine: invalid operation: " + e.Msg
}

// UserError wraps any error returned by a user-supplied rule body.
type UserError struct {
	Err error
}

func (e *UserError) Error() string {
	return "engine: rule failed: " + e.Err.Error()
}

func (e *UserError) Unwrap() error { return e.Err }

// ErrWrongGoroutine is returned when Atomically (and so Set or a Modifier)
// is called on an Engine from a goroutine other than the one it is bound to.
// The Trellis does not support cross-thread sharing of a single engine
// instance (spec Non-goals); this turns that violation into a returned
// error. Reads through Cell.Get perform no goroutine check.
var ErrWrongGoroutine = &InvalidOperation{Msg: "engine accessed from a goroutine other than the one that bound it"}
