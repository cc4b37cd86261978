// Package idlelist implements the doubly-linked list of live connections
// ordered by last-activity time, used to find idle-timeout eviction
// candidates in O(1). It is a sentinel-headed list: the head-adjacent
// node is always the oldest.
//
// Go has no container_of, so instead of an intrusive hook embedded at a
// fixed struct offset, Node carries its owner directly as a type
// parameter, the same pattern used by internal/avltree and
// internal/hashmap.
package idlelist

// Node is one entry in the list, holding the connection (or other
// owner) it represents. The zero value is detached.
type Node[T any] struct {
	Payload T

	prev *Node[T]
	next *Node[T]
}

// List is a circular doubly-linked list with a sentinel node so insert
// and detach never need a nil check for the empty case.
type List[T any] struct {
	sentinel Node[T]
}

// New returns an empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.sentinel.prev = &l.sentinel
	l.sentinel.next = &l.sentinel
	return l
}

// Empty reports whether the list has no live nodes.
func (l *List[T]) Empty() bool {
	return l.sentinel.next == &l.sentinel
}

// Front returns the oldest node (head-adjacent), or nil if the list is
// empty.
func (l *List[T]) Front() *Node[T] {
	if l.Empty() {
		return nil
	}
	return l.sentinel.next
}

// PushBack inserts node immediately before the sentinel, i.e. as the
// newest entry. Inserting an already-linked node is undefined.
func (l *List[T]) PushBack(node *Node[T]) {
	node.prev = l.sentinel.prev
	node.next = &l.sentinel
	l.sentinel.prev.next = node
	l.sentinel.prev = node
}

// Detach removes node from whatever list it's linked into. Detaching a
// node that isn't linked in is undefined.
func Detach[T any](node *Node[T]) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.prev = nil
	node.next = nil
}

// Linked reports whether node is currently part of a list.
func Linked[T any](node *Node[T]) bool {
	return node.prev != nil
}

// MoveToBack detaches node (if linked) and re-inserts it as the newest
// entry — the "touch" operation the event loop performs on every I/O
// event for a connection.
func (l *List[T]) MoveToBack(node *Node[T]) {
	if Linked(node) {
		Detach(node)
	}
	l.PushBack(node)
}
