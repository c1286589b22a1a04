package stm_test

import (
	"errors"
	"testing"

	"github.com/delaneyj/trellis/stm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicallyCommitsOnSuccess(t *testing.T) {
	rt := stm.NewRuntime()
	x := 0

	err := rt.Atomically(func() error {
		stm.SetAttr(rt, &x, 10)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, x)
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	rt := stm.NewRuntime()
	x := 0
	boom := errors.New("boom")

	err := rt.Atomically(func() error {
		stm.SetAttr(rt, &x, 10)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, x)
}

func TestNestedAtomicallyJoinsOuterSection(t *testing.T) {
	rt := stm.NewRuntime()
	x := 0

	err := rt.Atomically(func() error {
		stm.SetAttr(rt, &x, 1)
		return rt.Atomically(func() error {
			stm.SetAttr(rt, &x, 2)
			return errors.New("inner fails")
		})
	})
	require.Error(t, err)
	// Both writes belong to the same section, so the abort unwinds both.
	assert.Equal(t, 0, x)
}

func TestSavepointRollsBackPartially(t *testing.T) {
	rt := stm.NewRuntime()
	x := 0

	err := rt.Atomically(func() error {
		stm.SetAttr(rt, &x, 1)
		sp := rt.Savepoint()
		stm.SetAttr(rt, &x, 2)
		return rt.RollbackTo(sp)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, x)
}

type recordingManager struct {
	entered, exited bool
	exitErr         error
}

func (m *recordingManager) Enter() error { m.entered = true; return nil }
func (m *recordingManager) Exit(err error) error {
	m.exited = true
	return m.exitErr
}

func TestManageEntersOnceAndExitsOnCommit(t *testing.T) {
	rt := stm.NewRuntime()
	m := &recordingManager{}

	err := rt.Atomically(func() error {
		require.NoError(t, rt.Manage(m))
		require.NoError(t, rt.Manage(m)) // idempotent, no double Enter
		return nil
	})
	require.NoError(t, err)
	assert.True(t, m.entered)
	assert.True(t, m.exited)
}

func TestManageOutsideSectionIsInvalidOperation(t *testing.T) {
	rt := stm.NewRuntime()
	err := rt.Manage(&recordingManager{})
	var invalid *stm.InvalidOperation
	assert.ErrorAs(t, err, &invalid)
}

func TestManagerExitErrorReplacesOutcomeButAllManagersRun(t *testing.T) {
	rt := stm.NewRuntime()
	failing := &recordingManager{exitErr: errors.New("exit failed")}
	ok := &recordingManager{}

	err := rt.Atomically(func() error {
		require.NoError(t, rt.Manage(failing))
		require.NoError(t, rt.Manage(ok))
		return nil
	})
	assert.ErrorContains(t, err, "exit failed")
	assert.True(t, ok.exited)
}

func TestInCleanupTrueDuringExit(t *testing.T) {
	rt := stm.NewRuntime()
	var sawCleanup bool
	m := &inCleanupProbe{rt: rt, seen: &sawCleanup}

	require.NoError(t, rt.Atomically(func() error {
		return rt.Manage(m)
	}))
	assert.True(t, sawCleanup)
}

type inCleanupProbe struct {
	rt   *stm.Runtime
	seen *bool
}

func (p *inCleanupProbe) Enter() error { return nil }
func (p *inCleanupProbe) Exit(err error) error {
	*p.seen = p.rt.InCleanup()
	return nil
}

func TestUndoCallableThatPanicsSkipsRemainingEntries(t *testing.T) {
	rt := stm.NewRuntime()
	var ranFirst, ranThird bool

	err := rt.Atomically(func() error {
		rt.OnUndo(func() { ranThird = true })
		rt.OnUndo(func() { panic("undo must not raise") })
		rt.OnUndo(func() { ranFirst = true })
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.True(t, ranFirst)
	assert.False(t, ranThird)
}
