package engine_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/delaneyj/trellis/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

func countOf(s []string, v string) int {
	n := 0
	for _, e := range s {
		if e == v {
			n++
		}
	}
	return n
}

// TestTemperatureConverterMaintainPairConverges covers the true value-cycle
// scenario: two Maintain cells whose rules read each other directly, with no
// plain Value backing either side. Writing one drives the other to the
// fixed point of both rules, and the scheduler must converge rather than
// escalate the two cells' layers forever chasing one another.
func TestTemperatureConverterMaintainPairConverges(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	fahrenheit, celsius := engine.NewMaintainPair(
		e,
		"fahrenheit", 32.0, func(c engine.Cell[float64]) (float64, error) {
			return c.Get()*9/5 + 32, nil
		},
		"celsius", 0.0, func(f engine.Cell[float64]) (float64, error) {
			return (f.Get() - 32) * 5 / 9, nil
		},
	)

	assert.Equal(t, 32.0, fahrenheit.Get())
	assert.Equal(t, 0.0, celsius.Get())

	require.NoError(t, celsius.Set(100))
	assert.Equal(t, 212.0, fahrenheit.Get())

	require.NoError(t, fahrenheit.Set(-40))
	assert.Equal(t, -40.0, celsius.Get())
}

// TestLayeredSchedulerRunsEachCellOnceInTopologicalOrder is the pentagram-
// of-death scenario: a diamond-shaped dependency graph of uneven path
// lengths into one join point must still run every cell exactly once, and
// the join point only after every path into it has settled.
func TestLayeredSchedulerRunsEachCellOnceInTopologicalOrder(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	var order []string
	rec := func(name string) { order = append(order, name) }

	a := engine.NewValue(e, "A", 1)
	b := engine.NewComputed(e, "B", func() (int, error) {
		rec("B")
		return a.Get() + 1, nil
	})
	c := engine.NewComputed(e, "C", func() (int, error) {
		rec("C")
		return a.Get() + 1, nil
	})
	d := engine.NewComputed(e, "D", func() (int, error) {
		rec("D")
		return b.Get() + 1, nil
	})
	h5 := engine.NewComputed(e, "E", func() (int, error) {
		rec("E")
		return c.Get() + b.Get(), nil
	})
	h := engine.NewComputed(e, "H", func() (int, error) {
		rec("H")
		return d.Get() + h5.Get(), nil
	})

	order = nil
	require.NoError(t, a.Set(2))

	for _, name := range []string{"B", "C", "D", "E", "H"} {
		assert.Equalf(t, 1, countOf(order, name), "cell %s should run exactly once", name)
	}
	assert.Less(t, indexOf(order, "B"), indexOf(order, "D"))
	assert.Less(t, indexOf(order, "B"), indexOf(order, "E"))
	assert.Less(t, indexOf(order, "C"), indexOf(order, "E"))
	assert.Less(t, indexOf(order, "D"), indexOf(order, "H"))
	assert.Less(t, indexOf(order, "E"), indexOf(order, "H"))
	assert.Equal(t, 3+3, d.Get()+h5.Get()+h.Get()) // 3 + (3+3) == 9, sanity on the arithmetic too
	assert.Equal(t, 9, h.Get())
}

// TestLineReceiverSplitsMultipleLinesWithinOneSweep is the "line receiver"
// scenario: bytes is a plain accumulator, line is a rule-driven Discrete
// cell that peels one line off per pass and defers the remainder back into
// bytes, repeating within the same sweep until no full line remains.
func TestLineReceiverSplitsMultipleLinesWithinOneSweep(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	bytesCell := engine.NewValue(e, "bytes", "")
	lineCell := engine.NewDiscreteRule(e, "line", "", func() (string, error) {
		buf := bytesCell.Get()
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			return "", nil
		}
		found, remainder := buf[:idx], buf[idx+1:]
		if err := bytesCell.Set(remainder); err != nil {
			return "", err
		}
		if err := e.Repeat(); err != nil {
			return "", err
		}
		return found, nil
	})

	var seen []string
	engine.NewObserver(e, "line-sink", func() error {
		if v := lineCell.Get(); v != "" {
			seen = append(seen, v)
		}
		return nil
	})
	seen = nil

	require.NoError(t, bytesCell.Set("abc\ndef\nghi"))
	assert.Equal(t, []string{"abc", "def"}, seen)
	assert.Equal(t, "ghi", bytesCell.Get())
	assert.Equal(t, "", lineCell.Get())

	seen = nil
	require.NoError(t, bytesCell.Set(bytesCell.Get()+"\njkl"))
	assert.Equal(t, []string{"ghi"}, seen)
	assert.Equal(t, "jkl", bytesCell.Get())
}

// TestNewHighDetectorUsesClosureBookkeeping covers the running-max
// scenario: tracking "strictly greater than the max seen before this
// update" does not compose with self-read priorValue semantics, so the
// rule keeps its own bookkeeping in a captured closure variable instead.
func TestNewHighDetectorUsesClosureBookkeeping(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	value := engine.NewValue(e, "value", 0)
	runningMax := 0
	isNewHigh := engine.NewComputed(e, "isNewHigh", func() (bool, error) {
		v := value.Get()
		if v > runningMax {
			runningMax = v
			return true, nil
		}
		return false, nil
	})

	assert.False(t, isNewHigh.Get())
	require.NoError(t, value.Set(5))
	assert.True(t, isNewHigh.Get())
	require.NoError(t, value.Set(3))
	assert.False(t, isNewHigh.Get())
	require.NoError(t, value.Set(5))
	assert.False(t, isNewHigh.Get())
	require.NoError(t, value.Set(9))
	assert.True(t, isNewHigh.Get())
}

// TestNoiseFilterHoldsValueViaSelfRead covers the scenario where a rule
// needs its own previous value rather than an external accumulator: Self
// resolves to the cell currently running, which lands on the priorValue
// path the same way reading any other cell's own name would if it were in
// scope yet.
func TestNoiseFilterHoldsValueViaSelfRead(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	raw := engine.NewValue(e, "raw", 0.0)
	filtered := engine.NewComputed(e, "filtered", func() (float64, error) {
		r := raw.Get()
		prev := engine.Self[float64](e).Get()
		if math.Abs(r-prev) < 1.0 {
			return prev, nil
		}
		return r, nil
	})

	assert.Equal(t, 0.0, filtered.Get())
	require.NoError(t, raw.Set(0.5))
	assert.Equal(t, 0.0, filtered.Get(), "small jitter held")
	require.NoError(t, raw.Set(10))
	assert.Equal(t, 10.0, filtered.Get(), "large jump passes through")
}

func TestConflictingDirectWritesToSameCellInOneSweepIsConflictError(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	v := engine.NewValue(e, "v", 0)

	err := e.Atomically(func() error {
		if err := v.Set(1); err != nil {
			return err
		}
		return v.Set(2)
	})

	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, v.Get(), "the whole section aborts, including the first write")
}

func TestSameValueWrittenTwiceDirectlyIsNotAConflict(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	v := engine.NewValue(e, "v", 0)

	err := e.Atomically(func() error {
		require.NoError(t, v.Set(5))
		return v.Set(5)
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v.Get())
}

func TestRuleWriteChainedAcrossPassesIsNotAConflict(t *testing.T) {
	// A rule that drains an accumulator it also feeds from is the
	// line-receiver pattern in miniature: many writes land on the same
	// cell within one sweep, but sequenced by the scheduler one pass at a
	// time, never two of them racing.
	e := engine.NewEngine(engine.Options{})
	acc := engine.NewValue(e, "acc", 0)
	engine.NewDiscreteRule(e, "drain", false, func() (bool, error) {
		if acc.Get() > 0 {
			if err := acc.Set(acc.Get() - 1); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	})

	require.NoError(t, acc.Set(5))
	assert.Equal(t, 0, acc.Get(), "the chain of self-triggered writes drains acc to zero within one sweep")
}

func TestReadOnlyCellsRejectWrites(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	constant := engine.NewConstant(e, "k", 42)
	require.Error(t, constant.Set(1))

	src := engine.NewValue(e, "src", 1)
	readOnly := engine.NewComputed(e, "ro", func() (int, error) { return src.Get() + 1, nil })
	var roErr *engine.ReadOnlyError
	assert.ErrorAs(t, readOnly.Set(99), &roErr)

	observed := engine.NewObserver(e, "obs", func() error { return nil })
	_ = observed
}

func TestDisposedCellStopsPropagating(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	src := engine.NewValue(e, "src", 1)
	runs := 0
	derived := engine.NewComputed(e, "derived", func() (int, error) {
		runs++
		return src.Get() * 2, nil
	})
	assert.Equal(t, 1, runs)

	derived.Dispose()
	require.NoError(t, src.Set(2))
	assert.Equal(t, 1, runs, "disposed cell must not recompute")
}

func TestSensorConnectAndDisconnectFireOnListenerTransitions(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	var connects, disconnects int
	sensor := engine.NewSensor(e, "sensor", 0,
		func() { connects++ },
		func() { disconnects++ },
	)
	assert.Equal(t, 0, connects)

	listener := engine.NewComputed(e, "listener", func() (int, error) {
		return sensor.Get() + 1, nil
	})
	assert.Equal(t, 1, connects)
	assert.Equal(t, 0, disconnects)

	listener.Dispose()
	assert.Equal(t, 1, disconnects)
}

func TestMarkDirtyForcesListenersEvenWithoutValueChange(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	tick := engine.NewDiscrete(e, "tick", false)
	notifyCount := 0

	rule := engine.NewComputed(e, "rule", func() (int, error) {
		tick.Get() // a Discrete write always counts as a change, so this always reruns
		if err := e.MarkDirty(); err != nil {
			return 0, err
		}
		return 42, nil // the rule's own output never actually changes
	})
	engine.NewObserver(e, "sink", func() error {
		rule.Get()
		notifyCount++
		return nil
	})

	before := notifyCount
	require.NoError(t, tick.Set(true))
	assert.Greater(t, notifyCount, before,
		"MarkDirty forces propagation even though the rule's own value is unchanged")
}

func TestWithIdentityEqualityTreatsEqualContentAsChanged(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	type box struct{ n int }
	src := engine.NewDiscrete(e, "src", 0) // a Discrete write always counts as a change, so boxed reruns even on an equal value
	notifyCount := 0

	boxed := engine.NewComputed(e, "boxed", func() (*box, error) {
		return &box{n: src.Get()}, nil
	}, engine.WithIdentityEquality())
	engine.NewObserver(e, "sink", func() error {
		boxed.Get()
		notifyCount++
		return nil
	})

	before := notifyCount
	require.NoError(t, src.Set(0)) // same n, but a fresh *box each recompute
	assert.Greater(t, notifyCount, before,
		"identity equality sees a new pointer as changed even when reflect.DeepEqual would not")
}

func TestUserRuleErrorAbortsSweepAndIsWrapped(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	boom := errors.New("boom")
	src := engine.NewValue(e, "src", 0)

	failing := engine.NewComputed(e, "failing", func() (int, error) {
		v := src.Get()
		if v > 0 {
			return 0, boom
		}
		return v, nil
	})
	_ = failing

	err := src.Set(1)
	var userErr *engine.UserError
	require.ErrorAs(t, err, &userErr)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, src.Get(), "the write itself rolls back with the rest of the section")
}
