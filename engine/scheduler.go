package engine

import "github.com/delaneyj/trellis/graph"

// recompute runs one cell's rule, re-tracking its dependencies, checking
// whether the layer those dependencies imply still matches the layer it was
// scheduled at, committing the result, and fanning out to listeners if the
// value actually changed. A savepoint around the whole attempt, plus
// truncating the deferred-write queue back to its length before the run,
// means a promotion (or a rule error) unwinds any of the rule's own nested
// writes cleanly before the cell is retried.
//
// firstRun is true only for the single construction-time evaluation every
// rule-bearing cell gets. That run can never be premature — everything it
// can possibly read was itself fully constructed (and thus settled) before
// this cell was — so there is nothing to protect against by discarding the
// result and retrying: the layer it discovers is simply recorded directly,
// instead of run through the rollback-and-requeue dance later sweeps need
// to guard against reading a subject that hasn't been recomputed yet this
// sweep.
func (e *Engine) recompute(c *cell, firstRun bool) error {
	sp := e.rt.Savepoint()
	deferredMark := len(e.deferred)

	frame := &trackFrame{cell: c, seen: map[*cell]bool{}}
	e.stack = append(e.stack, frame)
	prevActive := e.activeRule
	e.activeRule = c
	c.pendingRepeat = false
	c.forceChanged = false

	val, err := c.rule(c)

	e.activeRule = prevActive
	e.stack = e.stack[:len(e.stack)-1]

	if err != nil {
		_ = e.rt.RollbackTo(sp)
		e.deferred = e.deferred[:deferredMark]
		return &UserError{Err: err}
	}

	newLayer := maxSubjectLayer(frame.subjects) + 1
	if firstRun {
		c.layer = newLayer
	} else if newLayer > c.layer {
		converged := c.hasLastPromotedValue && c.equal(c.lastPromotedValue, val)
		if !converged {
			if c.promotions >= e.opts.ConvergenceBudget {
				return &ConflictError{Old: c.layer, New: newLayer}
			}
			c.promotions++
			c.lastPromotedValue, c.hasLastPromotedValue = val, true
			if err := e.rt.RollbackTo(sp); err != nil {
				return err
			}
			e.deferred = e.deferred[:deferredMark]
			c.layer = newLayer
			e.enqueueAt(c, newLayer)
			return nil
		}
		// The value stopped changing across repeated promotion attempts this
		// sweep even though the topological layer keeps climbing — the two
		// sides of a true value cycle agree now, so commit here instead of
		// chasing the peer's layer forever.
		c.layer = newLayer
	}

	e.relinkSubjects(c, frame.subjects)

	if len(frame.subjects) == 0 && c.kind == KindComputed && !c.writable {
		// A rule that ends up reading nothing can never change again; park
		// it as a Constant instead of leaving it in the graph to be
		// recomputed for no reason. Sensor and Effector cells are exempt
		// (see DESIGN.md): they are driven by connect/disconnect lifecycle
		// transitions, not by subjects, so having none is their normal
		// resting state, not a sign they are done changing.
		c.kind = KindConstant
		c.rule = nil
	}

	if _, overridden := e.sectionWrites[c]; c.writable && overridden {
		if c.pendingRepeat {
			if err := e.requeueRepeat(c); err != nil {
				return err
			}
		}
		return nil
	}

	old, hadOld := c.value, c.hasValue
	changed := !hadOld || c.isDiscrete || c.kind == KindObserver || c.forceChanged || !c.equal(old, val)

	e.rt.OnUndo(func() {
		c.value, c.hasValue = old, hadOld
	})
	c.value, c.hasValue = val, true

	if changed {
		e.enqueueListeners(c)
	}
	if c.pendingRepeat {
		if err := e.requeueRepeat(c); err != nil {
			return err
		}
	}
	return nil
}

func maxSubjectLayer(subjects []*cell) int {
	m := -1
	for _, s := range subjects {
		if s.layer > m {
			m = s.layer
		}
	}
	return m
}

// relinkSubjects reconciles c's subject edges with the set it read on this
// run, dropping edges to subjects it stopped reading and adding edges to
// new ones — the same "unsubscribe before re-tracking" move the teacher's
// reactive systems make each recompute (see alien's dependency re-tracking
// in reactive_systems.go).
func (e *Engine) relinkSubjects(c *cell, newSubjects []*cell) {
	newSet := make(map[*cell]bool, len(newSubjects))
	for _, s := range newSubjects {
		newSet[s] = true
	}

	for _, node := range graph.SubjectsOf(c.node) {
		sc := node.Payload.(*cell)
		if !newSet[sc] {
			graph.DisconnectPair(node, c.node)
			e.maybeDisconnect(sc)
		}
	}
	for _, sc := range newSubjects {
		if !graph.Connected(sc.node, c.node) {
			hadListeners := graph.HasListeners(sc.node)
			graph.Connect(sc.node, c.node)
			if !hadListeners {
				e.maybeConnect(sc)
			}
		}
	}
}

func (e *Engine) maybeConnect(sc *cell) {
	if (sc.kind == KindSensor || sc.kind == KindEffector) && !sc.connected {
		sc.connected = true
		if sc.onConnect != nil {
			sc.onConnect()
		}
	}
}

func (e *Engine) maybeDisconnect(sc *cell) {
	if (sc.kind == KindSensor || sc.kind == KindEffector) && sc.connected && !graph.HasListeners(sc.node) {
		sc.connected = false
		if sc.onDisconnect != nil {
			sc.onDisconnect()
		}
	}
}

func (e *Engine) enqueueListeners(c *cell) {
	for _, node := range graph.ListenersOf(c.node) {
		lc := node.Payload.(*cell)
		e.enqueueAt(lc, lc.layer)
	}
}

func (e *Engine) enqueueAt(c *cell, layer int) {
	if e.queuedSet[c] {
		return
	}
	e.queuedSet[c] = true
	e.buckets[layer] = append(e.buckets[layer], c)
}

func (e *Engine) popLowestNonEmpty() (int, []*cell, bool) {
	best := -1
	for layer, bucket := range e.buckets {
		if len(bucket) == 0 {
			continue
		}
		if best == -1 || layer < best {
			best = layer
		}
	}
	if best == -1 {
		return 0, nil, false
	}
	cells := e.buckets[best]
	delete(e.buckets, best)
	return best, cells, true
}

func (e *Engine) requeueRepeat(c *cell) error {
	c.promotions++ // Repeat shares the convergence budget with promotion, both being "run me again this sweep"
	if c.promotions > e.opts.ConvergenceBudget {
		return &ConflictError{Old: "repeat", New: c.name}
	}
	// Repeat does not re-enter the bucket it just ran from directly: that
	// would let it race ahead of its own listeners, which still need their
	// turn to observe this run's result before the cell fires again. It
	// waits in repeatQueue until the current wave fully drains.
	e.repeatQueue = append(e.repeatQueue, c)
	return nil
}

// applyDeferredWrites commits every write a rule deferred this wave. Two
// deferred writes to the same cell from the SAME rule (an accumulator
// consuming part of itself across Repeat passes, say) are just a later value
// replacing an earlier one. Two deferred writes to the same cell from
// DIFFERENT rules that disagree on the value is the "set from more than one
// place" conflict spec.md requires be reported rather than resolved by
// last-writer-wins.
func (e *Engine) applyDeferredWrites() error {
	if len(e.deferred) == 0 {
		return nil
	}
	pending := e.deferred
	e.deferred = nil

	type resolved struct {
		v      any
		writer *cell
	}
	byCell := map[*cell]resolved{}
	order := make([]*cell, 0, len(pending))
	for _, pw := range pending {
		if prev, ok := byCell[pw.c]; ok {
			if prev.writer != pw.writer && !pw.c.equal(prev.v, pw.v) {
				return &ConflictError{Old: prev.v, New: pw.v}
			}
		} else {
			order = append(order, pw.c)
		}
		byCell[pw.c] = resolved{v: pw.v, writer: pw.writer}
	}

	for _, c := range order {
		if err := e.applyWrite(c, byCell[c].v, false); err != nil {
			return err
		}
	}
	return nil
}

// settle drains the scheduler's buckets lowest-layer-first until nothing is
// queued, no rule deferred a further write, and no rule called Repeat, then
// resets discrete cells and snapshots every cell's priorValue for the next
// sweep's self-reads.
//
// A wave is one full lowest-layer-first drain of the buckets. Deferred
// writes apply, and any Repeat calls re-arm their cells, only once a wave
// is completely empty — so a cell's listeners always get to observe one of
// its results before that cell can fire again, instead of racing ahead of
// them within the same bucket pass (see the line-splitting scenario in
// SPEC_FULL.md, which depends on seeing each split line individually).
func (e *Engine) settle() error {
	for {
		layer, cells, ok := e.popLowestNonEmpty()
		if ok {
			for _, c := range cells {
				e.queuedSet[c] = false
				if c.disposed || c.layer != layer {
					continue
				}
				if err := e.recompute(c, false); err != nil {
					return err
				}
			}
			continue
		}

		if err := e.applyDeferredWrites(); err != nil {
			return err
		}
		if e.hasQueued() {
			continue
		}

		if len(e.repeatQueue) > 0 {
			pending := e.repeatQueue
			e.repeatQueue = nil
			for _, c := range pending {
				e.enqueueAt(c, c.layer)
			}
			continue
		}

		if e.resetDiscretes() {
			continue
		}
		break
	}
	return e.finishSweep()
}

func (e *Engine) hasQueued() bool {
	for _, bucket := range e.buckets {
		if len(bucket) > 0 {
			return true
		}
	}
	return false
}

// resetDiscretes snaps every discrete cell that was not written this sweep
// back to its default — the second half of a discrete cell's fire-then-
// revert contract. A reset that actually changes the cell's value is itself
// a transition listeners must observe, so it is enqueued here, feeding a
// further wave of the settle loop, rather than applied silently after the
// loop has already declared quiescence.
func (e *Engine) resetDiscretes() bool {
	reset := false
	for _, c := range e.cells {
		if c.disposed || !c.isDiscrete {
			continue
		}
		if _, written := e.sectionWrites[c]; written {
			continue
		}
		if c.equal(c.value, c.discreteDefault) {
			continue
		}
		old := c.value
		e.rt.OnUndo(func() { c.value = old })
		c.value = c.discreteDefault
		e.enqueueListeners(c)
		reset = true
	}
	return reset
}

func (e *Engine) finishSweep() error {
	for _, c := range e.cells {
		if c.disposed {
			continue
		}
		c.promotions = 0
		c.lastPromotedValue, c.hasLastPromotedValue = nil, false
		c.priorValue = c.value
	}
	return nil
}

// Repeat asks the scheduler to run the currently-executing cell's rule
// again within this same sweep, after the cells it just fed have had their
// chance to react. Calling it outside a running rule is an InvalidOperation.
func (e *Engine) Repeat() error {
	if e.activeRule == nil {
		return &InvalidOperation{Msg: "repeat called outside a running rule"}
	}
	e.activeRule.pendingRepeat = true
	return nil
}

// Poll arms the currently-executing cell to be re-enqueued unconditionally
// at the start of every future sweep, regardless of whether its subjects
// changed — for rules that read an external clock or a random source rather
// than another cell.
func (e *Engine) Poll() error {
	if e.activeRule == nil {
		return &InvalidOperation{Msg: "poll called outside a running rule"}
	}
	e.pollers[e.activeRule] = true
	return nil
}

// StopPolling cancels a previous Poll call for the currently-executing cell.
func (e *Engine) StopPolling() error {
	if e.activeRule == nil {
		return &InvalidOperation{Msg: "stop_polling called outside a running rule"}
	}
	delete(e.pollers, e.activeRule)
	return nil
}

// MarkDirty forces the currently-executing cell to report as changed this
// sweep even if its new value compares equal to its old one.
func (e *Engine) MarkDirty() error {
	if e.activeRule == nil {
		return &InvalidOperation{Msg: "mark_dirty called outside a running rule"}
	}
	e.activeRule.forceChanged = true
	return nil
}
