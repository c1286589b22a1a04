package graph_test

import (
	"testing"

	"github.com/delaneyj/trellis/graph"
	"github.com/stretchr/testify/assert"
)

func TestConnectIsIdempotent(t *testing.T) {
	a := graph.NewNode("a", nil)
	b := graph.NewNode("b", nil)

	l1 := graph.Connect(a, b)
	l2 := graph.Connect(a, b)
	assert.Same(t, l1, l2)
	assert.Len(t, graph.ListenersOf(a), 1)
}

func TestListenersOrderedMostRecentFirst(t *testing.T) {
	subject := graph.NewNode("s", nil)
	l1 := graph.NewNode("l1", nil)
	l2 := graph.NewNode("l2", nil)
	l3 := graph.NewNode("l3", nil)

	graph.Connect(subject, l1)
	graph.Connect(subject, l2)
	graph.Connect(subject, l3)

	got := graph.ListenersOf(subject)
	assert.Equal(t, []*graph.Node{l3, l2, l1}, got)
}

func TestSubjectsOrderedMostRecentFirst(t *testing.T) {
	listener := graph.NewNode("l", nil)
	s1 := graph.NewNode("s1", nil)
	s2 := graph.NewNode("s2", nil)

	graph.Connect(s1, listener)
	graph.Connect(s2, listener)

	got := graph.SubjectsOf(listener)
	assert.Equal(t, []*graph.Node{s2, s1}, got)
}

func TestDisconnectAllSubjectsDropsOnlyListenerSide(t *testing.T) {
	listener := graph.NewNode("l", nil)
	s1 := graph.NewNode("s1", nil)
	s2 := graph.NewNode("s2", nil)
	graph.Connect(s1, listener)
	graph.Connect(s2, listener)

	graph.DisconnectAllSubjects(listener)

	assert.Empty(t, graph.SubjectsOf(listener))
	assert.Empty(t, graph.ListenersOf(s1))
	assert.Empty(t, graph.ListenersOf(s2))
}

func TestDeadListenerScrubbedLazily(t *testing.T) {
	alive := true
	subject := graph.NewNode("s", nil)
	listener := graph.NewNode("l", func() bool { return alive })

	graph.Connect(subject, listener)
	assert.True(t, graph.HasListeners(subject))

	alive = false
	assert.False(t, graph.HasListeners(subject))
	assert.Empty(t, graph.ListenersOf(subject))
}
