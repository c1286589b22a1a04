package engine

import (
	"reflect"

	"github.com/delaneyj/trellis/graph"
)

// Kind distinguishes the seven closed variants of cell the Trellis supports.
type Kind int

const (
	KindValue Kind = iota
	KindComputed
	KindObserver
	KindDiscrete
	KindSensor
	KindEffector
	KindConstant
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindComputed:
		return "computed"
	case KindObserver:
		return "observer"
	case KindDiscrete:
		return "discrete"
	case KindSensor:
		return "sensor"
	case KindEffector:
		return "effector"
	case KindConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// equalFunc decides whether a freshly computed value should be treated as
// unchanged from the previous one, suppressing propagation to listeners.
type equalFunc func(old, new any) bool

func defaultEqual(old, new any) bool {
	return reflect.DeepEqual(old, new)
}

// cell is the untyped kernel shared by every Cell[T]. Cell[T] is a thin
// generic facade so the kernel itself — the graph node, the scheduler
// bookkeeping, the STM undo hooks — never needs a type parameter, the same
// split the teacher draws between rocket.Signal's boxed interface{} value
// and its typed accessor methods.
type cell struct {
	name string
	kind Kind
	eng  *Engine

	node *graph.Node

	value      any
	priorValue any // value as of the start of the current sweep, for self-reads
	hasValue   bool

	layer int // scheduler layer: 1 + max(subjects' layers), 0 for sources

	rule  func(c *cell) (any, error)
	equal equalFunc

	writable bool // Computed cells opened via NewMaintain accept external writes

	// Discrete-only: the value every cell resets to at the end of each sweep
	// in which it was not written.
	discreteDefault any
	isDiscrete      bool

	// Sensor/Effector external-source lifecycle hooks.
	onConnect    func()
	onDisconnect func()
	connected    bool

	pendingRepeat bool // Repeat() was called during this cell's current run
	forceChanged  bool // MarkDirty() was called during this cell's current run

	promotions           int // layer-promotion attempts this sweep, bounded by ConvergenceBudget
	lastPromotedValue    any // the value computed on this sweep's most recent promotion attempt
	hasLastPromotedValue bool

	disposed bool
}

func (c *cell) alive() bool {
	return !c.disposed
}

// Cell[T] is the typed handle application code holds. The zero value is not
// usable; obtain one from a constructor.
type Cell[T any] struct {
	c *cell
}

// Name returns the cell's diagnostic name.
func (h Cell[T]) Name() string { return h.c.name }

// Kind reports which of the seven variants this cell is.
func (h Cell[T]) Kind() Kind { return h.c.kind }

// Get reads the cell's current value, tracking a dependency edge if called
// from within another cell's rule.
func (h Cell[T]) Get() T {
	v := h.c.eng.read(h.c)
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

// Set writes v to the cell. Only Value, Discrete, Sensor, and writable
// ("maintain") Computed cells accept this; anything else returns a
// ReadOnlyError. A call outside any existing atomic section opens one of
// its own; a call already inside one joins it.
func (h Cell[T]) Set(v T) error {
	return h.c.eng.Atomically(func() error {
		return h.c.eng.write(h.c, v)
	})
}

// Dispose detaches the cell as a listener: it drops every edge to the cells
// it read (firing a Sensor's or Effector's onDisconnect when that was its
// last listener) and is never recomputed again. Cells that still read it
// keep it as a subject; those edges are not removed.
func (h Cell[T]) Dispose() {
	h.c.eng.dispose(h.c)
}

// Underlying exposes the untyped kernel cell, for package-internal helpers
// (container, attr) that need to store heterogeneous cells together.
func (h Cell[T]) Underlying() *cell { return h.c }

// Self returns a handle to the cell whose rule is currently executing. It
// exists so a rule can read its own prior value (via the returned handle's
// Get, which lands on the self-read/priorValue path) without needing to
// close over a variable that is not yet assigned the first time the rule
// runs — NewComputed invokes the rule once during construction, before its
// return value has been stored anywhere the rule body could reach. Calling
// Self outside a running rule is a programming error and panics.
func Self[T any](e *Engine) Cell[T] {
	if e.activeRule == nil {
		panic("engine: Self called outside a running rule")
	}
	return Cell[T]{c: e.activeRule}
}

// ForceWrite commits v to c the way a rule's own deferred writes are
// committed: queued for the end of the current pass if called from within a
// running rule (so a container mutated mid-rule stays a pending change log
// until the sweep settles, per spec.md §4.5), applied immediately but
// without the disagreeing-writers conflict check otherwise. It exists for
// package-internal callers (container, attr) that issue several of their
// own writes to one cell within a single outer Atomically as one logical
// accumulation — a container's own bookkeeping disagreeing with itself
// across two of its own calls isn't the kind of conflict spec.md §4.4 means
// by two distinct writers, so those callers use this instead of Set to skip
// that check rather than fight it.
func ForceWrite[T any](h Cell[T], v T) error {
	c := h.c
	return c.eng.Atomically(func() error {
		if c.eng.activeRule != nil {
			c.eng.deferred = append(c.eng.deferred, pendingWrite{c: c, v: v, writer: c.eng.activeRule})
			return nil
		}
		return c.eng.applyWrite(c, v, false)
	})
}

func newCell[T any](e *Engine, name string, kind Kind) *cell {
	c := &cell{
		name:  name,
		kind:  kind,
		eng:   e,
		equal: defaultEqual,
	}
	c.node = graph.NewNode(c, c.alive)
	return c
}

// CellOption configures a cell at construction time.
type CellOption func(*cell)

// WithIdentityEquality makes the cell suppress propagation only when the
// newly computed value is the exact same Go value (==), instead of the
// default structural (reflect.DeepEqual) comparison. Resolves spec's open
// question on equality semantics (see SPEC_FULL.md).
func WithIdentityEquality() CellOption {
	return func(c *cell) {
		c.equal = func(old, new any) bool { return old == new }
	}
}

// WithEqual supplies a custom equality function for change suppression.
func WithEqual(eq func(old, new any) bool) CellOption {
	return func(c *cell) {
		c.equal = eq
	}
}

// NewValue creates a source cell holding v, writable at any time.
func NewValue[T any](e *Engine, name string, v T, opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindValue)
	for _, o := range opts {
		o(c)
	}
	c.value, c.priorValue, c.hasValue = v, v, true
	e.register(c)
	return Cell[T]{c: c}
}

// NewConstant creates a cell whose value never changes and which has no
// subjects and no rule. Computed cells auto-freeze into this kind when a run
// of their rule reads no subjects (see recompute in scheduler.go).
func NewConstant[T any](e *Engine, name string, v T, opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindConstant)
	for _, o := range opts {
		o(c)
	}
	c.value, c.priorValue, c.hasValue = v, v, true
	e.register(c)
	return Cell[T]{c: c}
}

// NewComputed creates a read-only derived cell: rule runs once after
// construction and again whenever any cell it read last time changes.
func NewComputed[T any](e *Engine, name string, rule func() (T, error), opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindComputed)
	c.rule = wrapRule(rule)
	for _, o := range opts {
		o(c)
	}
	e.register(c)
	e.initCompute(c)
	return Cell[T]{c: c}
}

// NewMaintain creates a Computed cell that also accepts external writes
// ("maintain attr" in the Trellis's two-way-constraint idiom): a write
// during a sweep overrides that sweep's rule evaluation exactly like a
// Value cell, but the rule still reruns on later sweeps if its subjects
// change and nothing wrote to it directly.
func NewMaintain[T any](e *Engine, name string, rule func() (T, error), opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindComputed)
	c.rule = wrapRule(rule)
	c.writable = true
	for _, o := range opts {
		o(c)
	}
	e.register(c)
	e.initCompute(c)
	return Cell[T]{c: c}
}

// NewMaintainPair creates two Maintain cells whose rules read each other —
// spec.md §4.4's "true value cycle" — in one call, so each rule closes over
// the other's already-valid Cell handle instead of a variable a forward
// declaration would leave nil the moment the first cell's rule ran. initA
// and initB seed both cells before either rule runs the first time, which
// must be a fixed point of the two rules for the pair to come up settled
// (spec.md §8 scenario 1's temperature converter: F=32, C=0 satisfies both
// F=C*1.8+32 and C=(F-32)/1.8 already). Later external writes that disagree
// with a cell's own rule still win for that sweep exactly like a single
// NewMaintain cell, which is what breaks the cycle back open instead of the
// two sides chasing each other's promoted layer forever (see
// recompute's value-convergence check in scheduler.go for the general case,
// needed for any cycle an external write doesn't cut short).
func NewMaintainPair[A, B any](
	e *Engine,
	nameA string, initA A, ruleA func(b Cell[B]) (A, error),
	nameB string, initB B, ruleB func(a Cell[A]) (B, error),
	opts ...CellOption,
) (Cell[A], Cell[B]) {
	ca := newCell[A](e, nameA, KindComputed)
	ca.writable = true
	ca.value, ca.priorValue, ca.hasValue = initA, initA, true

	cb := newCell[B](e, nameB, KindComputed)
	cb.writable = true
	cb.value, cb.priorValue, cb.hasValue = initB, initB, true

	for _, o := range opts {
		o(ca)
		o(cb)
	}

	ha := Cell[A]{c: ca}
	hb := Cell[B]{c: cb}
	ca.rule = wrapRule(func() (A, error) { return ruleA(hb) })
	cb.rule = wrapRule(func() (B, error) { return ruleB(ha) })

	e.register(ca)
	e.register(cb)

	_ = e.Atomically(func() error {
		if err := e.recompute(ca, true); err != nil {
			return err
		}
		return e.recompute(cb, true)
	})

	return ha, hb
}

// NewObserver creates a side-effecting cell: action runs once after
// construction and again whenever any cell it read last time changes. Its
// return value has no meaning beyond triggering listeners of this cell,
// which is rarely used since observers are usually leaves.
func NewObserver(e *Engine, name string, action func() error) Cell[struct{}] {
	c := newCell[struct{}](e, name, KindObserver)
	c.rule = func(_ *cell) (any, error) {
		return struct{}{}, action()
	}
	e.register(c)
	e.initCompute(c)
	return Cell[struct{}]{c: c}
}

// NewObserverRule creates an Observer cell whose action produces a value
// (rather than NewObserver's side-effect-only struct{}), for callers (like
// package attr's Perform) that want an observer's handle to behave like any
// other Cell[any] in a heterogeneous cache.
func NewObserverRule[T any](e *Engine, name string, rule func() (T, error)) Cell[T] {
	c := newCell[T](e, name, KindObserver)
	c.rule = wrapRule(rule)
	e.register(c)
	e.initCompute(c)
	return Cell[T]{c: c}
}

// NewDiscrete creates a cell that resets to def at the end of every sweep in
// which nothing wrote to it, and which always reports "changed" on a write
// even if the written value equals def (discrete events, not level values).
func NewDiscrete[T any](e *Engine, name string, def T, opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindDiscrete)
	c.isDiscrete = true
	c.discreteDefault = def
	for _, o := range opts {
		o(c)
	}
	c.value, c.priorValue, c.hasValue = def, def, true
	e.register(c)
	return Cell[T]{c: c}
}

// NewDiscreteValue is an alias of NewDiscrete retained for call sites that
// read more naturally naming the zero-ish reset value explicitly.
func NewDiscreteValue[T any](e *Engine, name string, def T, opts ...CellOption) Cell[T] {
	return NewDiscrete(e, name, def, opts...)
}

// NewDiscreteRule creates a Discrete cell driven by a rule rather than
// external writes: the rule reruns whenever its subjects change, its
// result is visible to listeners for the rest of that sweep, and it resets
// to def once the sweep settles — the same "fires, then reverts" contract
// as a written Discrete cell, but for a derived event instead of a source
// one (see the line-splitting scenario in SPEC_FULL.md).
func NewDiscreteRule[T any](e *Engine, name string, def T, rule func() (T, error), opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindDiscrete)
	c.isDiscrete = true
	c.discreteDefault = def
	c.rule = wrapRule(rule)
	for _, o := range opts {
		o(c)
	}
	c.value, c.priorValue, c.hasValue = def, def, true
	e.register(c)
	e.initCompute(c)
	return Cell[T]{c: c}
}

// NewSensor creates a source cell fed by an external system: onConnect fires
// the first time it gains a listener, onDisconnect when it loses its last
// one. Writes arrive via Set, exactly like a Value cell.
func NewSensor[T any](e *Engine, name string, zero T, onConnect, onDisconnect func(), opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindSensor)
	c.onConnect, c.onDisconnect = onConnect, onDisconnect
	for _, o := range opts {
		o(c)
	}
	c.value, c.priorValue, c.hasValue = zero, zero, true
	e.register(c)
	return Cell[T]{c: c}
}

// NewEffector creates a derived cell whose rule drives an external system:
// onConnect/onDisconnect fire on the same listener-count transitions as a
// Sensor, letting the effector lazily attach only while something actually
// observes it.
func NewEffector[T any](e *Engine, name string, rule func() (T, error), onConnect, onDisconnect func(), opts ...CellOption) Cell[T] {
	c := newCell[T](e, name, KindEffector)
	c.rule = wrapRule(rule)
	c.onConnect, c.onDisconnect = onConnect, onDisconnect
	for _, o := range opts {
		o(c)
	}
	e.register(c)
	e.initCompute(c)
	return Cell[T]{c: c}
}

func wrapRule[T any](rule func() (T, error)) func(c *cell) (any, error) {
	return func(c *cell) (any, error) {
		v, err := rule()
		return v, err
	}
}
