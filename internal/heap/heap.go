// Package heap implements a binary min-heap whose items carry a
// back-reference, so that after any sift-up/sift-down the item's owner
// can learn its new position without a linear search.
//
// The same parent/left/right index arithmetic and "write back through
// ref after every move" discipline drives expiry tracking: this module
// is exercised by the keyspace's PEXPIRE/PTTL commands (see
// internal/keyspace).
package heap

// Item is one entry in the heap. Val orders entries (ascending); Ref,
// if non-nil, is written with the item's current index every time it
// moves, letting an external owner find "where is my item now" in O(1).
type Item[T any] struct {
	Val     int64
	Payload T
	Ref     *int
}

// Heap is a min-heap over Item.Val. The zero value is an empty heap.
type Heap[T any] struct {
	items []Item[T]
}

func parent(i int) int { return (i+1)/2 - 1 }
func left(i int) int   { return i*2 + 1 }
func right(i int) int  { return i*2 + 2 }

// Len returns the number of items in the heap.
func (h *Heap[T]) Len() int { return len(h.items) }

func (h *Heap[T]) setRef(i int) {
	if h.items[i].Ref != nil {
		*h.items[i].Ref = i
	}
}

func (h *Heap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.setRef(i)
	h.setRef(j)
}

func (h *Heap[T]) up(pos int) {
	for pos > 0 && h.items[parent(pos)].Val > h.items[pos].Val {
		p := parent(pos)
		h.swap(pos, p)
		pos = p
	}
}

func (h *Heap[T]) down(pos int) {
	n := len(h.items)
	for {
		minPos := pos
		if l := left(pos); l < n && h.items[l].Val < h.items[minPos].Val {
			minPos = l
		}
		if r := right(pos); r < n && h.items[r].Val < h.items[minPos].Val {
			minPos = r
		}
		if minPos == pos {
			return
		}
		h.swap(pos, minPos)
		pos = minPos
	}
}

// update restores heap order for the item at pos after its Val has
// changed or it was just inserted, moving it up or down as needed.
func (h *Heap[T]) update(pos int) {
	if pos > 0 && h.items[parent(pos)].Val > h.items[pos].Val {
		h.up(pos)
	} else {
		h.down(pos)
	}
}

// Push inserts item, which must set Ref to a non-nil pointer if the
// caller wants to learn the item's position after heapification moves
// it around.
func (h *Heap[T]) Push(item Item[T]) {
	h.items = append(h.items, item)
	pos := len(h.items) - 1
	h.setRef(pos)
	h.update(pos)
}

// Fix re-heapifies after the item at pos has had its Val mutated
// in place.
func (h *Heap[T]) Fix(pos int) {
	h.update(pos)
}

// RemoveAt deletes the item currently at pos, filling the hole with the
// last item and re-heapifying from there.
func (h *Heap[T]) RemoveAt(pos int) {
	last := len(h.items) - 1
	h.items[pos] = h.items[last]
	h.items = h.items[:last]
	if pos < len(h.items) {
		h.setRef(pos)
		h.update(pos)
	}
}

// SetVal mutates the Val of the item currently at pos and restores heap
// order.
func (h *Heap[T]) SetVal(pos int, val int64) {
	h.items[pos].Val = val
	h.update(pos)
}

// ValueAt returns the Val of the item currently at pos.
func (h *Heap[T]) ValueAt(pos int) int64 {
	return h.items[pos].Val
}

// Peek returns the minimum item without removing it.
func (h *Heap[T]) Peek() (Item[T], bool) {
	if len(h.items) == 0 {
		var zero Item[T]
		return zero, false
	}
	return h.items[0], true
}

// PopMin removes and returns the minimum item.
func (h *Heap[T]) PopMin() (Item[T], bool) {
	item, ok := h.Peek()
	if ok {
		h.RemoveAt(0)
	}
	return item, ok
}
