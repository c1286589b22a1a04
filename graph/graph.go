// Package graph implements the many-to-many subject/listener links between
// cells. It knows nothing about cell values or rules — engine embeds a
// *graph.Node in every cell and lets this package own edge bookkeeping, the
// same separation the teacher corpus draws between a Cell/Signal's value
// and the subs/deps slices that drive propagation (see alien's
// reactive_systems.go, where dependency and subscriber link lists are
// managed independently of signal values).
package graph

// Node is one participant in the subject/listener graph. The owner embeds
// or references one per cell; Payload lets graph-walking code recover the
// owning cell without this package importing engine.
type Node struct {
	Payload any

	// alive reports whether this node should still be treated as a live
	// listener. Dead nodes are excised lazily, on the next traversal that
	// touches them, rather than eagerly — the Trellis models "weak"
	// listener references as explicit liveness rather than relying on
	// runtime GC weak pointers (see DESIGN.md).
	alive func() bool

	// listeners is the list of edges where this node is the subject,
	// ordered most-recently-subscribed first.
	listenersHead, listenersTail *Link
	// subjects is the list of edges where this node is the listener,
	// ordered most-recently-subscribed first.
	subjectsHead, subjectsTail *Link

	// byListener/bySubject index existing edges for O(1) de-dup and
	// unlink, keyed by the node at the other end.
	byListener map[*Node]*Link
	bySubject  map[*Node]*Link
}

// NewNode creates a graph participant. alive may be nil, meaning the node
// is always considered live (used for subjects, which are never "weakly"
// held — only listeners are).
func NewNode(payload any, alive func() bool) *Node {
	return &Node{
		Payload:    payload,
		alive:      alive,
		byListener: map[*Node]*Link{},
		bySubject:  map[*Node]*Link{},
	}
}

func (n *Node) isAlive() bool {
	return n.alive == nil || n.alive()
}

// Link is one subject/listener edge, holding both orderings so either end
// can be traversed and excised in O(1).
type Link struct {
	Subject, Listener *Node

	prevInSubjectList, nextInSubjectList  *Link
	prevInListenerList, nextInListenerList *Link
}

// Connect establishes subject -> listener, returning the existing link if
// that pair is already connected (re-subscription is idempotent and does
// not reorder the existing link).
func Connect(subject, listener *Node) *Link {
	if l, ok := subject.byListener[listener]; ok {
		return l
	}

	l := &Link{Subject: subject, Listener: listener}

	// Push to the front of both lists: iteration order is most-recent
	// subscription first, matching the ordering contract.
	l.nextInSubjectList = subject.listenersHead
	if subject.listenersHead != nil {
		subject.listenersHead.prevInSubjectList = l
	} else {
		subject.listenersTail = l
	}
	subject.listenersHead = l

	l.nextInListenerList = listener.subjectsHead
	if listener.subjectsHead != nil {
		listener.subjectsHead.prevInListenerList = l
	} else {
		listener.subjectsTail = l
	}
	listener.subjectsHead = l

	subject.byListener[listener] = l
	listener.bySubject[subject] = l

	return l
}

// Disconnect excises l from both of its lists.
func Disconnect(l *Link) {
	if l == nil {
		return
	}
	subject, listener := l.Subject, l.Listener

	if _, ok := subject.byListener[listener]; !ok {
		return // already disconnected
	}

	if l.prevInSubjectList != nil {
		l.prevInSubjectList.nextInSubjectList = l.nextInSubjectList
	} else {
		subject.listenersHead = l.nextInSubjectList
	}
	if l.nextInSubjectList != nil {
		l.nextInSubjectList.prevInSubjectList = l.prevInSubjectList
	} else {
		subject.listenersTail = l.prevInSubjectList
	}

	if l.prevInListenerList != nil {
		l.prevInListenerList.nextInListenerList = l.nextInListenerList
	} else {
		listener.subjectsHead = l.nextInListenerList
	}
	if l.nextInListenerList != nil {
		l.nextInListenerList.prevInListenerList = l.prevInListenerList
	} else {
		listener.subjectsTail = l.prevInListenerList
	}

	delete(subject.byListener, listener)
	delete(listener.bySubject, subject)
}

// DisconnectAllSubjects removes every edge where listener is the listener.
// engine calls this when a cell is disposed, so the cell stops listening to
// everything it read.
func DisconnectAllSubjects(listener *Node) {
	for l := listener.subjectsHead; l != nil; {
		next := l.nextInListenerList
		Disconnect(l)
		l = next
	}
}

// ListenersOf returns the live listeners of subject, most-recently
// subscribed first, scrubbing any dead entries encountered along the way.
func ListenersOf(subject *Node) []*Node {
	var out []*Node
	for l := subject.listenersHead; l != nil; {
		next := l.nextInSubjectList
		if l.Listener.isAlive() {
			out = append(out, l.Listener)
		} else {
			Disconnect(l)
		}
		l = next
	}
	return out
}

// SubjectsOf returns the subjects a listener currently depends on,
// most-recently subscribed first.
func SubjectsOf(listener *Node) []*Node {
	var out []*Node
	for l := listener.subjectsHead; l != nil; l = l.nextInListenerList {
		out = append(out, l.Subject)
	}
	return out
}

// Connected reports whether subject and listener are currently linked.
func Connected(subject, listener *Node) bool {
	_, ok := subject.byListener[listener]
	return ok
}

// DisconnectPair removes the edge between subject and listener, if any.
func DisconnectPair(subject, listener *Node) {
	if l, ok := subject.byListener[listener]; ok {
		Disconnect(l)
	}
}

// HasListeners reports whether subject has at least one live listener,
// scrubbing dead entries it passes over.
func HasListeners(subject *Node) bool {
	for l := subject.listenersHead; l != nil; {
		next := l.nextInSubjectList
		if l.Listener.isAlive() {
			return true
		}
		Disconnect(l)
		l = next
	}
	return false
}
