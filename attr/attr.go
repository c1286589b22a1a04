// Package attr implements Trellis's declarative surface for cell-backed
// object attributes, grounded on the teacher's pkg/flimsy Context/Observer
// pattern: a Blueprint plays the role flimsy's component functions play
// (declaring attributes once), an Instance plays the role of one running
// flimsy Observer (the per-instance cell cache that attribute reads and
// writes actually land on). pkg/flimsy/types.go already derives its own
// SYMBOL_ERRORS id with xxhash.Sum64String over a name instead of minting
// one at random; Blueprint uses the same xxhash-over-name approach for
// every attribute's cache key, not just one reserved symbol.
package attr

import (
	"github.com/cespare/xxhash/v2"

	"github.com/delaneyj/trellis/engine"
)

// Kind distinguishes the six declaration forms spec.md §4.6 defines.
type Kind int

const (
	KindAttr Kind = iota
	KindCompute
	KindMaintain
	KindPerform
	KindTodo
	KindMake
)

// Rule is the body of a compute/maintain/perform/todo/make declaration. It
// receives the instance so it can read sibling attributes by name.
type Rule func(inst *Instance) (any, error)

type declaration struct {
	name    string
	kind    Kind
	eager   bool
	initial any
	rule    Rule
}

// id derives a stable, cross-run-deterministic cache key for an attribute
// name, the role flimsy's CreateContext plays with a random int64.
func id(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Blueprint is a named, inheritable schema of attribute declarations — a
// class body, in the vocabulary spec.md borrows from. Subclassing is
// NewBlueprint with a parent: a declaration of the same name in the child
// shadows the parent's, and Super looks the parent's version back up by
// name (the "analogous to super but by name" lookup spec.md §4.6 asks for).
type Blueprint struct {
	name   string
	parent *Blueprint
	decls  map[string]*declaration
	order  []string
}

// NewBlueprint creates a Blueprint, optionally inheriting from parent.
func NewBlueprint(name string, parent *Blueprint) *Blueprint {
	return &Blueprint{name: name, parent: parent, decls: map[string]*declaration{}}
}

func (b *Blueprint) add(d *declaration) *Blueprint {
	if _, exists := b.decls[d.name]; !exists {
		b.order = append(b.order, d.name)
	}
	b.decls[d.name] = d
	return b
}

// Attr declares an input value attribute: a Value cell preset to v,
// activated eagerly at construction.
func (b *Blueprint) Attr(name string, v any) *Blueprint {
	return b.add(&declaration{name: name, kind: KindAttr, eager: true, initial: v})
}

// Compute declares a read-only derived attribute, activated on first read.
func (b *Blueprint) Compute(name string, rule Rule) *Blueprint {
	return b.add(&declaration{name: name, kind: KindCompute, rule: rule})
}

// Maintain declares a derived attribute that also accepts external writes
// (engine.NewMaintain's "two-way constraint" semantics), activated on first
// read or write.
func (b *Blueprint) Maintain(name string, rule Rule) *Blueprint {
	return b.add(&declaration{name: name, kind: KindMaintain, rule: rule})
}

// Perform declares an observer attribute: side-effecting, activated eagerly
// so its first run happens at construction like any other observer.
func (b *Blueprint) Perform(name string, rule Rule) *Blueprint {
	return b.add(&declaration{name: name, kind: KindPerform, eager: true, rule: rule})
}

// Todo declares a discrete attribute with a companion future-view: def is
// the value it resets to each sweep it isn't written, rule produces the
// default-for-this-sweep value future-view mutation builds on top of.
func (b *Blueprint) Todo(name string, def any, rule Rule) *Blueprint {
	return b.add(&declaration{name: name, kind: KindTodo, initial: def, rule: rule})
}

// Make declares an eagerly-constructed, constant-by-default attribute:
// ctor runs once at construction and the result is frozen as a Constant
// unless a constructor keyword argument overrides it.
func (b *Blueprint) Make(name string, ctor Rule) *Blueprint {
	return b.add(&declaration{name: name, kind: KindMake, eager: true, rule: ctor})
}

// resolve walks from b up through its parent chain, returning the nearest
// declaration by name and the Blueprint that owns it.
func (b *Blueprint) resolve(name string) (*declaration, *Blueprint) {
	for cur := b; cur != nil; cur = cur.parent {
		if d, ok := cur.decls[name]; ok {
			return d, cur
		}
	}
	return nil, nil
}

// Super looks up name's declaration starting one level above the Blueprint
// that owns name's nearest declaration, for a subclass rule that wants to extend rather than
// fully replace its parent's behavior for the same attribute name.
func (b *Blueprint) Super(name string) Rule {
	_, owner := b.resolve(name)
	if owner == nil || owner.parent == nil {
		return nil
	}
	d, _ := owner.parent.resolve(name)
	if d == nil {
		return nil
	}
	return d.rule
}

// allNames returns every attribute name reachable from b, most-derived
// declaration order first, each name appearing once.
func (b *Blueprint) allNames() []string {
	seen := map[string]bool{}
	var names []string
	for cur := b; cur != nil; cur = cur.parent {
		for _, n := range cur.order {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

// Instance is one component built from a Blueprint: the private per-instance
// cell cache spec.md §4.6 describes, keyed by each attribute's xxhash id.
type Instance struct {
	eng   *engine.Engine
	bp    *Blueprint
	cells map[uint64]engine.Cell[any]
	todos map[uint64]*Todo
}

// New constructs an Instance, presetting any attribute named in presets as
// a frozen Constant (overriding whatever its declaration would otherwise
// have activated as) and eagerly activating every eager declaration that
// wasn't preset.
func New(e *engine.Engine, bp *Blueprint, presets map[string]any) *Instance {
	inst := &Instance{eng: e, bp: bp, cells: map[uint64]engine.Cell[any]{}, todos: map[uint64]*Todo{}}
	for _, name := range bp.allNames() {
		if v, ok := presets[name]; ok {
			inst.cells[id(name)] = engine.NewConstant[any](e, name, v)
			continue
		}
		decl, _ := bp.resolve(name)
		if decl.eager {
			inst.activate(name, decl)
		}
	}
	return inst
}

func (inst *Instance) activate(name string, decl *declaration) engine.Cell[any] {
	key := id(name)
	if c, ok := inst.cells[key]; ok {
		return c
	}

	var c engine.Cell[any]
	switch decl.kind {
	case KindAttr:
		c = engine.NewValue[any](inst.eng, name, decl.initial)
	case KindCompute:
		c = engine.NewComputed[any](inst.eng, name, func() (any, error) { return decl.rule(inst) })
	case KindMaintain:
		c = engine.NewMaintain[any](inst.eng, name, func() (any, error) { return decl.rule(inst) })
	case KindPerform:
		c = engine.NewObserverRule[any](inst.eng, name, func() (any, error) { return decl.rule(inst) })
	case KindTodo:
		c = engine.NewDiscreteRule[any](inst.eng, name, decl.initial, func() (any, error) { return decl.rule(inst) })
		inst.todos[key] = &Todo{eng: inst.eng, cell: c, rule: decl.rule, inst: inst, stage: stagingVersion{eng: inst.eng}}
	case KindMake:
		v, err := decl.rule(inst)
		if err != nil {
			v = nil
		}
		c = engine.NewConstant[any](inst.eng, name, v)
	}

	inst.cells[key] = c
	return c
}

func (inst *Instance) lookup(name string) engine.Cell[any] {
	key := id(name)
	if c, ok := inst.cells[key]; ok {
		return c
	}
	decl, _ := inst.bp.resolve(name)
	if decl == nil {
		panic("attr: no such attribute: " + name)
	}
	return inst.activate(name, decl)
}

// Get reads the named attribute, activating it on first read if it is
// optional (every non-eager declaration).
func (inst *Instance) Get(name string) any {
	return inst.lookup(name).Get()
}

// Set writes to the named attribute. Only attr, todo, and maintain
// declarations accept this; anything else surfaces engine.ReadOnlyError.
func (inst *Instance) Set(name string, v any) error {
	return inst.lookup(name).Set(v)
}

// Cell exposes the named attribute's underlying engine.Cell[any] directly,
// for callers that want to hold a long-lived handle instead of looking the
// name up on every access.
func (inst *Instance) Cell(name string) engine.Cell[any] {
	return inst.lookup(name)
}

// Future returns the named todo attribute's about-to-be-committed value for
// this sweep, materializing it from the attribute's default-producing rule
// on first access and returning the accumulated staged value on any later
// access within the same sweep. Calling it outside a modifier (an open
// Atomically section) is an InvalidOperation, matching spec.md §7.
func (inst *Instance) Future(name string) (any, error) {
	key := id(name)
	t, ok := inst.todos[key]
	if !ok {
		inst.lookup(name) // activate, populating inst.todos if it is in fact a todo
		t, ok = inst.todos[key]
		if !ok {
			return nil, &engine.InvalidOperation{Msg: "attr: " + name + " is not a todo attribute"}
		}
	}
	return t.future()
}

// SetFuture stages v as the todo attribute's pending value for this sweep,
// to be further mutated by subsequent SetFuture/Future calls and finally
// committed to the attribute's visible cell when the section completes.
func (inst *Instance) SetFuture(name string, v any) error {
	key := id(name)
	t, ok := inst.todos[key]
	if !ok {
		return &engine.InvalidOperation{Msg: "attr: " + name + " is not a todo attribute"}
	}
	return t.setFuture(v)
}

// Todo is the future-view half of a todo attribute's cell.
type Todo struct {
	eng   *engine.Engine
	cell  engine.Cell[any]
	rule  Rule
	inst  *Instance
	stage stagingVersion

	staged    any
	hasStaged bool
}

type stagingVersion struct {
	eng *engine.Engine
	v   int
	set bool
}

func (s *stagingVersion) stale() bool {
	cur := s.eng.Version()
	if s.set && s.v == cur {
		return false
	}
	s.v, s.set = cur, true
	return true
}

func (t *Todo) future() (any, error) {
	if !t.eng.InSection() {
		return nil, &engine.InvalidOperation{Msg: "attr: future read outside a modifier"}
	}
	if t.stage.stale() {
		t.hasStaged = false
	}
	if !t.hasStaged {
		v, err := t.rule(t.inst)
		if err != nil {
			return nil, err
		}
		t.staged, t.hasStaged = v, true
	}
	return t.staged, nil
}

func (t *Todo) setFuture(v any) error {
	if !t.eng.InSection() {
		return &engine.InvalidOperation{Msg: "attr: future written outside a modifier"}
	}
	if t.stage.stale() {
		t.hasStaged = false
	}
	t.staged, t.hasStaged = v, true
	return engine.ForceWrite(t.cell, v)
}
