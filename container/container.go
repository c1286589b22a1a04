// Package container implements the Trellis's observable collections: a map,
// a sequence, a set, and a fire-and-forget pipe. Each wraps its visible
// state in an engine.Cell so reading it from a rule tracks a dependency the
// same as any other cell, while mutation made from inside a running rule
// goes through a pending change log that only becomes visible once the
// current pass settles — the same "a write takes effect later" contract
// engine.Cell.Set already gives a single cell, composed here across a whole
// collection plus its discrete added/changed/deleted signals. A mutation
// made outside any rule is visible as soon as the call returns.
//
// The set container is backed by github.com/deckarep/golang-set/v2, grounded
// on the teacher's use of mapset.Set for dependency bookkeeping in
// pkg/flimsy/flimsy.go. Map and sequence are plain Go map/slice: set algebra
// is the only piece of this package golang-set actually buys.
package container

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/delaneyj/trellis/engine"
)

// errSameOperation is raised by any container method that would need to
// observe the result of its own write in the same call — spec.md §4.5
// forbids this class of method (pop, popitem, setdefault) outright rather
// than defining what it would mean under deferred writes.
func errSameOperation() error {
	return &engine.ConflictError{Old: "read", New: "write in the same operation"}
}

// stagingVersion tracks which engine sweep a container's working copy was
// last refreshed for, so a chain of mutation calls within one rule (or one
// outer Atomically) keeps accumulating into the same staged buffer instead
// of re-reading the last-committed snapshot on every call.
type stagingVersion struct {
	eng *engine.Engine
	v   int
}

func (s *stagingVersion) stale() bool {
	cur := s.eng.Version()
	if s.v == cur {
		return false
	}
	s.v = cur
	return true
}

// MutMap is an observable map. Its visible state is a Value cell (view) that
// every mutation rewrites with a snapshot of the staged map through
// engine.ForceWrite (at the end of the current pass when the mutation is
// made from inside a rule); added/changed/deleted are Discrete cells snapshotting that
// sweep's log for observers, resetting to nil the sweep after.
type MutMap[K comparable, V any] struct {
	eng     *engine.Engine
	view    engine.Cell[map[K]V]
	added   engine.Cell[map[K]V]
	changed engine.Cell[map[K]V]
	deleted engine.Cell[map[K]V]

	stage   stagingVersion
	staged  map[K]V
	addLog  map[K]V
	chgLog  map[K]V
	delLog  map[K]V
}

// NewMutMap creates an empty observable map.
func NewMutMap[K comparable, V any](e *engine.Engine, name string) *MutMap[K, V] {
	return &MutMap[K, V]{
		eng:     e,
		view:    engine.NewValue(e, name, map[K]V{}),
		added:   engine.NewDiscrete[map[K]V](e, name+".added", nil),
		changed: engine.NewDiscrete[map[K]V](e, name+".changed", nil),
		deleted: engine.NewDiscrete[map[K]V](e, name+".deleted", nil),
		stage:   stagingVersion{eng: e},
	}
}

// View returns the map's current committed snapshot as a cell, for use as a
// dependency by other rules.
func (m *MutMap[K, V]) View() engine.Cell[map[K]V] { return m.view }

// Added, Changed, Deleted expose this sweep's change log as discrete cells.
func (m *MutMap[K, V]) Added() engine.Cell[map[K]V]   { return m.added }
func (m *MutMap[K, V]) Changed() engine.Cell[map[K]V] { return m.changed }
func (m *MutMap[K, V]) Deleted() engine.Cell[map[K]V] { return m.deleted }

func (m *MutMap[K, V]) refreshStage() {
	if !m.stage.stale() {
		return
	}
	src := m.view.Get()
	m.staged = make(map[K]V, len(src))
	for k, v := range src {
		m.staged[k] = v
	}
	m.addLog, m.chgLog, m.delLog = nil, nil, nil
}

// Get reads the map's committed value for key k, not yet-pending mutations
// from other cells' rules this sweep (only this container's own staged
// mutations, made earlier in the same rule chain, are visible).
func (m *MutMap[K, V]) Get(k K) (V, bool) {
	m.eng.Atomically(func() error {
		m.refreshStage()
		return nil
	})
	v, ok := m.staged[k]
	return v, ok
}

// Len reports the number of entries in the staged (or, outside any pending
// mutation, committed) map.
func (m *MutMap[K, V]) Len() int {
	m.eng.Atomically(func() error {
		m.refreshStage()
		return nil
	})
	return len(m.staged)
}

// Set inserts or replaces the value at k, recording it in the added log if
// the key was absent or the changed log if it was present.
func (m *MutMap[K, V]) Set(k K, v V) error {
	return m.eng.Atomically(func() error {
		m.refreshStage()
		_, existed := m.staged[k]
		m.staged[k] = v
		if existed {
			if m.chgLog == nil {
				m.chgLog = map[K]V{}
			}
			m.chgLog[k] = v
		} else {
			if m.addLog == nil {
				m.addLog = map[K]V{}
			}
			m.addLog[k] = v
		}
		return m.commit()
	})
}

// Delete removes the value at k, recording it in the deleted log if present.
func (m *MutMap[K, V]) Delete(k K) error {
	return m.eng.Atomically(func() error {
		m.refreshStage()
		old, existed := m.staged[k]
		if !existed {
			return nil
		}
		delete(m.staged, k)
		if m.delLog == nil {
			m.delLog = map[K]V{}
		}
		m.delLog[k] = old
		return m.commit()
	})
}

// Pop would both read and remove k in one call; spec.md §4.5 forbids this
// class of operation on an observable container outright.
func (m *MutMap[K, V]) Pop(K) (V, error) {
	var zero V
	return zero, errSameOperation()
}

func (m *MutMap[K, V]) commit() error {
	snap := make(map[K]V, len(m.staged))
	for k, v := range m.staged {
		snap[k] = v
	}
	if err := engine.ForceWrite(m.view, snap); err != nil {
		return err
	}
	if m.addLog != nil {
		if err := engine.ForceWrite(m.added, cloneMap(m.addLog)); err != nil {
			return err
		}
	}
	if m.chgLog != nil {
		if err := engine.ForceWrite(m.changed, cloneMap(m.chgLog)); err != nil {
			return err
		}
	}
	if m.delLog != nil {
		if err := engine.ForceWrite(m.deleted, cloneMap(m.delLog)); err != nil {
			return err
		}
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MutSeq is an observable sequence. Because fine-grained diffs of arbitrary
// slice mutations aren't tractable, it exposes a single "changed" discrete
// boolean rather than an added/removed log — mutation is copy-on-write, so
// the undo action is always just swapping the slice pointer back.
type MutSeq[T any] struct {
	eng     *engine.Engine
	view    engine.Cell[[]T]
	changed engine.Cell[bool]

	stage  stagingVersion
	staged []T
}

// NewMutSeq creates an empty observable sequence.
func NewMutSeq[T any](e *engine.Engine, name string) *MutSeq[T] {
	return &MutSeq[T]{
		eng:     e,
		view:    engine.NewValue[[]T](e, name, nil),
		changed: engine.NewDiscrete(e, name+".changed", false),
		stage:   stagingVersion{eng: e},
	}
}

func (s *MutSeq[T]) View() engine.Cell[[]T]       { return s.view }
func (s *MutSeq[T]) Changed() engine.Cell[bool]   { return s.changed }

func (s *MutSeq[T]) refreshStage() {
	if !s.stage.stale() {
		return
	}
	src := s.view.Get()
	s.staged = make([]T, len(src))
	copy(s.staged, src)
}

// Len reports the staged length.
func (s *MutSeq[T]) Len() int {
	s.eng.Atomically(func() error { s.refreshStage(); return nil })
	return len(s.staged)
}

// At reads the staged element at index i.
func (s *MutSeq[T]) At(i int) T {
	s.eng.Atomically(func() error { s.refreshStage(); return nil })
	return s.staged[i]
}

// Append adds v to the end of the sequence.
func (s *MutSeq[T]) Append(v T) error {
	return s.eng.Atomically(func() error {
		s.refreshStage()
		s.staged = append(s.staged, v)
		return s.commit()
	})
}

// Set replaces the element at index i.
func (s *MutSeq[T]) Set(i int, v T) error {
	return s.eng.Atomically(func() error {
		s.refreshStage()
		s.staged[i] = v
		return s.commit()
	})
}

// Pop would both read and remove the last element in one call; forbidden by
// spec.md §4.5 the same as MutMap.Pop.
func (s *MutSeq[T]) Pop() (T, error) {
	var zero T
	return zero, errSameOperation()
}

func (s *MutSeq[T]) commit() error {
	snap := make([]T, len(s.staged))
	copy(snap, s.staged)
	if err := engine.ForceWrite(s.view, snap); err != nil {
		return err
	}
	return engine.ForceWrite(s.changed, true)
}

// MutSet is an observable set, backed by golang-set/v2 for its element
// storage and set algebra; the view cell holds a cloned snapshot so each
// committed value is independent of later in-place mutation.
type MutSet[T comparable] struct {
	eng     *engine.Engine
	view    engine.Cell[mapset.Set[T]]
	added   engine.Cell[mapset.Set[T]]
	removed engine.Cell[mapset.Set[T]]

	stage  stagingVersion
	staged mapset.Set[T]
	addLog mapset.Set[T]
	remLog mapset.Set[T]
}

// NewMutSet creates an empty observable set.
func NewMutSet[T comparable](e *engine.Engine, name string) *MutSet[T] {
	return &MutSet[T]{
		eng:     e,
		view:    engine.NewValue[mapset.Set[T]](e, name, mapset.NewThreadUnsafeSet[T]()),
		added:   engine.NewDiscrete[mapset.Set[T]](e, name+".added", nil),
		removed: engine.NewDiscrete[mapset.Set[T]](e, name+".removed", nil),
		stage:   stagingVersion{eng: e},
	}
}

func (s *MutSet[T]) View() engine.Cell[mapset.Set[T]]    { return s.view }
func (s *MutSet[T]) Added() engine.Cell[mapset.Set[T]]   { return s.added }
func (s *MutSet[T]) Removed() engine.Cell[mapset.Set[T]] { return s.removed }

func (s *MutSet[T]) refreshStage() {
	if !s.stage.stale() {
		return
	}
	s.staged = s.view.Get().Clone()
	s.addLog, s.remLog = nil, nil
}

// Contains reports whether v is a staged member.
func (s *MutSet[T]) Contains(v T) bool {
	s.eng.Atomically(func() error { s.refreshStage(); return nil })
	return s.staged.Contains(v)
}

// Len reports the staged cardinality.
func (s *MutSet[T]) Len() int {
	s.eng.Atomically(func() error { s.refreshStage(); return nil })
	return s.staged.Cardinality()
}

// Add inserts v.
func (s *MutSet[T]) Add(v T) error {
	return s.eng.Atomically(func() error {
		s.refreshStage()
		if s.staged.Contains(v) {
			return nil
		}
		s.staged.Add(v)
		if s.addLog == nil {
			s.addLog = mapset.NewThreadUnsafeSet[T]()
		}
		s.addLog.Add(v)
		return s.commit()
	})
}

// Remove deletes v.
func (s *MutSet[T]) Remove(v T) error {
	return s.eng.Atomically(func() error {
		s.refreshStage()
		if !s.staged.Contains(v) {
			return nil
		}
		s.staged.Remove(v)
		if s.remLog == nil {
			s.remLog = mapset.NewThreadUnsafeSet[T]()
		}
		s.remLog.Add(v)
		return s.commit()
	})
}

func (s *MutSet[T]) commit() error {
	if err := engine.ForceWrite(s.view, s.staged.Clone()); err != nil {
		return err
	}
	if s.addLog != nil {
		if err := engine.ForceWrite(s.added, s.addLog.Clone()); err != nil {
			return err
		}
	}
	if s.remLog != nil {
		if err := engine.ForceWrite(s.removed, s.remLog.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Pipe is a fire-and-forget buffer: Send appends a value which appears to
// every listening rule as a discrete event this sweep only, then resets.
// Unlike MutSeq it keeps no history of its own — it is the "event bus"
// primitive the containers fall back to when a full log isn't needed.
type Pipe[T any] struct {
	eng   *engine.Engine
	cell  engine.Cell[[]T]
	stage stagingVersion
	batch []T
}

// NewPipe creates an empty pipe.
func NewPipe[T any](e *engine.Engine, name string) *Pipe[T] {
	return &Pipe[T]{
		eng:   e,
		cell:  engine.NewDiscrete[[]T](e, name, nil),
		stage: stagingVersion{eng: e},
	}
}

// View exposes the pipe as a cell holding this sweep's batch of sent values.
func (p *Pipe[T]) View() engine.Cell[[]T] { return p.cell }

// Send appends v to the current sweep's batch. Several sends within one
// rule (or one outer Atomically) accumulate into a single batch, the same
// way MutMap's mutation methods accumulate into one staged snapshot.
func (p *Pipe[T]) Send(v T) error {
	return p.eng.Atomically(func() error {
		if p.stage.stale() {
			p.batch = nil
		}
		p.batch = append(p.batch, v)
		next := make([]T, len(p.batch))
		copy(next, p.batch)
		return engine.ForceWrite(p.cell, next)
	})
}
