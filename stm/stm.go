// Package stm implements the software-transactional-memory substrate that
// underlies the Trellis: atomic sections, an undo log, savepoints, and
// commit/abort scope managers. It has no knowledge of cells or the
// dependency graph — engine builds on top of it the same way the teacher
// corpus's reactive systems build signal propagation on top of a plain
// mutex-guarded struct (see dumbdumb.ReactiveSystem, rocket.ReactiveSystem).
package stm

// Manager is a scope tied to the lifetime of the innermost atomic section
// that registers it. Enter runs immediately on registration; Exit runs once
// the section ends, in LIFO order, and is told whether the section
// committed (err == nil) or aborted (err != nil).
type Manager interface {
	Enter() error
	Exit(err error) error
}

type undoEntry struct {
	fn func()
}

// Savepoint is an opaque token capturing the undo-log depth of the section
// that produced it. It can only be rolled back against that same section.
type Savepoint struct {
	sec   *section
	depth int
}

type section struct {
	undo       []undoEntry
	managers   []Manager
	managerSet map[Manager]struct{}
	inCleanup  bool
}

// Runtime drives nested atomic sections for a single engine instance. It is
// not safe for concurrent use — like the rest of the Trellis, an instance is
// bound to one goroutine at a time (see engine.Engine's goid binding).
type Runtime struct {
	stack []*section
}

// NewRuntime returns a Runtime with no section open.
func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) current() *section {
	if len(r.stack) == 0 {
		return nil
	}
	return r.stack[len(r.stack)-1]
}

// Depth reports how many atomic sections are currently nested (0 means none
// is open).
func (r *Runtime) Depth() int {
	return len(r.stack)
}

// Atomically runs f within a new atomic section, or joins the currently
// open one if already inside one. A brand-new section commits on a nil
// return (invoking every registered manager's Exit(nil) in LIFO order, then
// clearing the undo log) or aborts on a non-nil return (replaying the undo
// log in reverse insertion order, then invoking every manager's Exit(err) in
// LIFO order). The original error is returned unless a manager's Exit
// itself fails, in which case that failure replaces it.
func (r *Runtime) Atomically(f func() error) error {
	if len(r.stack) > 0 {
		return f()
	}

	sec := &section{managerSet: map[Manager]struct{}{}}
	r.stack = append(r.stack, sec)

	err := f()

	// The section stays on the stack while its commit or abort callbacks
	// run, so InCleanup can report it.
	if err == nil {
		err = commitSection(sec)
	} else {
		err = abortSection(sec, err)
	}

	r.stack = r.stack[:len(r.stack)-1]
	return err
}

func commitSection(sec *section) error {
	sec.inCleanup = true
	defer func() { sec.inCleanup = false }()

	var outcome error
	for i := len(sec.managers) - 1; i >= 0; i-- {
		if mErr := sec.managers[i].Exit(nil); mErr != nil {
			outcome = mErr
		}
	}
	sec.undo = nil
	return outcome
}

func abortSection(sec *section, cause error) error {
	sec.inCleanup = true
	defer func() { sec.inCleanup = false }()

	replayUndo(sec.undo)
	sec.undo = nil

	outcome := cause
	for i := len(sec.managers) - 1; i >= 0; i-- {
		if mErr := sec.managers[i].Exit(cause); mErr != nil {
			outcome = mErr
		}
	}
	return outcome
}

// replayUndo runs entries in reverse insertion order. Undo callables are
// required by contract to be infallible; one that panics anyway stops the
// replay and the remaining entries are skipped rather than risking a
// half-applied rollback compounding the original failure.
func replayUndo(undo []undoEntry) {
	for i := len(undo) - 1; i >= 0; i-- {
		if !runUndo(undo[i]) {
			return
		}
	}
}

func runUndo(e undoEntry) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	e.fn()
	return true
}

// Manage registers a scope manager with the innermost atomic section. Enter
// runs immediately unless this exact manager is already registered in this
// section, in which case the call is a no-op. Calling Manage outside any
// atomic section is an InvalidOperation.
func (r *Runtime) Manage(m Manager) error {
	sec := r.current()
	if sec == nil {
		return newInvalidOperation("manage called outside an atomic section")
	}
	if _, ok := sec.managerSet[m]; ok {
		return nil
	}
	if err := m.Enter(); err != nil {
		return err
	}
	sec.managers = append(sec.managers, m)
	sec.managerSet[m] = struct{}{}
	return nil
}

// OnUndo appends fn to the undo log of the innermost atomic section. It is
// a no-op outside any section, mirroring writes that open their own section
// implicitly before ever reaching OnUndo.
func (r *Runtime) OnUndo(fn func()) {
	sec := r.current()
	if sec == nil {
		return
	}
	sec.undo = append(sec.undo, undoEntry{fn: fn})
}

// Savepoint captures the current undo-log depth of the innermost section.
func (r *Runtime) Savepoint() Savepoint {
	sec := r.current()
	return Savepoint{sec: sec, depth: len(sec.undo)}
}

// RollbackTo replays and truncates the undo log back to sp. It is an
// InvalidOperation to roll back a savepoint against any section other than
// the one that produced it.
func (r *Runtime) RollbackTo(sp Savepoint) error {
	sec := r.current()
	if sec == nil || sec != sp.sec {
		return newInvalidOperation("rollback_to called against a closed or foreign section")
	}
	replayUndo(sec.undo[sp.depth:])
	sec.undo = sec.undo[:sp.depth]
	return nil
}

// InCleanup reports whether the innermost section is currently running its
// commit or abort callbacks.
func (r *Runtime) InCleanup() bool {
	sec := r.current()
	return sec != nil && sec.inCleanup
}

// SetAttr records the prior value of *ptr as an undo action, then writes v.
// It is sugar over OnUndo for the common case of a rollback-able field
// mutation, matching the "set_attr" convenience in the Trellis's STM
// contract.
func SetAttr[T any](r *Runtime, ptr *T, v T) {
	old := *ptr
	r.OnUndo(func() { *ptr = old })
	*ptr = v
}
