// Package engine implements the Trellis itself: the seven-kind cell kernel
// and the layered glitch-free scheduler that keeps them consistent. It is
// built directly on stm (atomic sections, undo, savepoints) and graph
// (subject/listener links), the same layering the teacher draws between its
// ReactiveSystem and the plain signal struct it guards (see
// dumbdumb.ReactiveSystem and rocket.ReactiveSystem).
package engine

import (
	"github.com/delaneyj/trellis/graph"
	"github.com/delaneyj/trellis/stm"
	"github.com/petermattis/goid"
)

type pendingWrite struct {
	c      *cell
	v      any
	writer *cell // the rule that deferred this write, for conflict detection across distinct writers
}

type trackFrame struct {
	cell     *cell
	subjects []*cell
	seen     map[*cell]bool
}

// Engine is one Trellis instance: a set of cells, the graph linking them,
// and the scheduler that drains dirty work after every atomic section. Like
// the STM runtime beneath it, an Engine is bound to the goroutine that
// created it and is not safe for concurrent use from another one — shared
// access across goroutines is explicitly out of scope (see SPEC_FULL.md
// Non-goals), and the goid check below turns an accidental violation into a
// returned error instead of a silent race.
type Engine struct {
	rt   *stm.Runtime
	opts Options

	goroutineID int64

	cells   []*cell
	version int

	stack      []*trackFrame
	activeRule *cell

	sectionWrites map[*cell]any
	deferred      []pendingWrite

	buckets     map[int][]*cell
	queuedSet   map[*cell]bool
	pollers     map[*cell]bool
	repeatQueue []*cell
}

// NewEngine creates a Trellis bound to the calling goroutine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		rt:            stm.NewRuntime(),
		opts:          opts.withDefaults(),
		goroutineID:   goid.Get(),
		sectionWrites: map[*cell]any{},
		buckets:       map[int][]*cell{},
		queuedSet:     map[*cell]bool{},
		pollers:       map[*cell]bool{},
	}
}

// Version reports how many outer Atomically calls have been started,
// counting one still in progress, the Trellis's notion of a "sweep" counter.
func (e *Engine) Version() int { return e.version }

func (e *Engine) checkGoroutine() error {
	if goid.Get() != e.goroutineID {
		return ErrWrongGoroutine
	}
	return nil
}

// Atomically runs f as one atomic section. A call already nested inside
// another Atomically joins it (matching stm.Runtime.Atomically); only the
// outermost call bumps the sweep version, arms any cells that called Poll
// last sweep, and drains the scheduler via settle before committing. A
// settle failure (typically a ConflictError) aborts the whole section,
// unwinding any external writes f made along with the scheduler's own.
func (e *Engine) Atomically(f func() error) error {
	if err := e.checkGoroutine(); err != nil {
		return err
	}

	outer := e.rt.Depth() == 0
	if outer {
		e.version++
		e.sectionWrites = map[*cell]any{}
		for c := range e.pollers {
			if !c.disposed {
				e.enqueueAt(c, c.layer)
			}
		}
	}

	return e.rt.Atomically(func() error {
		if err := f(); err != nil {
			return err
		}
		if outer {
			return e.settle()
		}
		return nil
	})
}

// InSection reports whether the caller is currently inside an Atomically
// call, nested at any depth — the "modifier" scope spec.md's Engine API
// calls in_rule for the narrower case of a running cell rule. Attribute
// bindings use this to gate operations (like a todo attribute's Future)
// that are only meaningful while a write can still take effect this sweep.
func (e *Engine) InSection() bool { return e.rt.Depth() > 0 }

// InRule reports whether a cell's rule is currently executing.
func (e *Engine) InRule() bool { return e.activeRule != nil }

// Modifier wraps f so every call runs as its own atomic section (or joins
// one already open), the `modifier(fn) -> fn'` primitive from spec.md §6.
func (e *Engine) Modifier(f func() error) func() error {
	return func() error {
		return e.Atomically(f)
	}
}

func (e *Engine) register(c *cell) {
	e.cells = append(e.cells, c)
}

func (e *Engine) initCompute(c *cell) {
	_ = e.Atomically(func() error {
		return e.recompute(c, true)
	})
}

// read returns c's value for the caller, tracking a dependency edge if
// called from within another cell's running rule. A rule that reads its own
// cell sees the value as of the start of the current sweep (priorValue),
// never the in-progress value it is in the middle of computing. A Constant
// is never linked as a subject — it can never change again, so recording it
// would only ever cost a useless edge, and a rule reading nothing else would
// never qualify for the zero-subject freeze in scheduler.go's recompute.
func (e *Engine) read(c *cell) any {
	if len(e.stack) > 0 && c.kind != KindConstant {
		frame := e.stack[len(e.stack)-1]
		if frame.cell == c {
			return c.priorValue
		}
		if !frame.seen[c] {
			frame.seen[c] = true
			frame.subjects = append(frame.subjects, c)
		}
	}
	return c.value
}

func (e *Engine) checkWritable(c *cell) error {
	switch c.kind {
	case KindValue, KindDiscrete, KindSensor:
		return nil
	case KindComputed, KindEffector:
		if c.writable {
			return nil
		}
	}
	return &ReadOnlyError{Cell: c.name}
}

// write routes a write either straight into the section (an external write
// made from outside any running rule) or onto the deferred queue (a write
// made from within a rule body, applied only after the current drain pass —
// the "a write takes effect later" contract).
func (e *Engine) write(c *cell, v any) error {
	if err := e.checkWritable(c); err != nil {
		return err
	}
	if e.activeRule != nil {
		e.deferred = append(e.deferred, pendingWrite{c: c, v: v, writer: e.activeRule})
		return nil
	}
	return e.applyWrite(c, v, true)
}

// applyWrite commits v to c. checkConflict guards direct external writes
// made outside any rule: two of those disagreeing on a value within the same
// sweep is the "conflict" the Trellis reports as a ConflictError. A write a
// rule deferred is never checked here — applyDeferredWrites already resolved
// any disagreement between distinct writing rules before calling this with
// checkConflict false, so a rule that legitimately writes to the same cell
// across two passes of one sweep (an accumulator consuming part of itself,
// for instance) simply takes its latest value.
func (e *Engine) applyWrite(c *cell, v any, checkConflict bool) error {
	if checkConflict {
		if prev, ok := e.sectionWrites[c]; ok {
			if !c.equal(prev, v) {
				return &ConflictError{Old: prev, New: v}
			}
			return nil
		}
	}
	e.sectionWrites[c] = v

	oldValue, hadValue := c.value, c.hasValue
	changed := !hadValue || c.isDiscrete || !c.equal(oldValue, v)

	e.rt.OnUndo(func() {
		c.value, c.hasValue = oldValue, hadValue
		delete(e.sectionWrites, c)
	})

	c.value, c.hasValue = v, true

	if changed {
		e.enqueueListeners(c)
	}
	return nil
}

func (e *Engine) dispose(c *cell) {
	if c.disposed {
		return
	}
	subjects := graph.SubjectsOf(c.node)
	c.disposed = true
	graph.DisconnectAllSubjects(c.node)
	for _, node := range subjects {
		e.maybeDisconnect(node.Payload.(*cell))
	}
	delete(e.pollers, c)
	delete(e.queuedSet, c)
}
