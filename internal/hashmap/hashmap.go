// Package hashmap implements the keyspace's bucket-chained hash table
// with incremental rehashing: resizes never stop-the-world, they move a
// bounded slice of nodes per call so a single insert or lookup never
// pays for a full rehash.
//
// It keeps two sub-tables (new and old), power-of-two bucket counts, a
// load factor that triggers a resize, and a migration cursor that
// advances a fixed amount of work per call. Each bucket is a singly
// linked chain of nodes.
package hashmap

const (
	// MaxLoad is the maximum size/bucket-count ratio the "new"
	// sub-table tolerates before a resize is triggered.
	MaxLoad = 8
	// MaxRehashWork bounds how many nodes a single operation will move
	// from the old sub-table to the new one.
	MaxRehashWork = 128

	initialBuckets = 4
)

// Node is one stored entry. Payload carries whatever the caller wants
// to associate with Hash; Map never interprets it beyond calling the
// caller-supplied equality predicate.
type Node[T any] struct {
	Hash    uint64
	Payload T
	next    *Node[T]
}

type table[T any] struct {
	buckets []*Node[T]
	mask    uint64
	size    int
}

func newTable[T any](n int) *table[T] {
	return &table[T]{buckets: make([]*Node[T], n), mask: uint64(n - 1)}
}

func (t *table[T]) insert(n *Node[T]) {
	pos := n.Hash & t.mask
	n.next = t.buckets[pos]
	t.buckets[pos] = n
	t.size++
}

func (t *table[T]) lookup(hash uint64, eq func(T) bool) **Node[T] {
	if t.buckets == nil {
		return nil
	}
	pos := hash & t.mask
	from := &t.buckets[pos]
	for cur := *from; cur != nil; cur = cur.next {
		if cur.Hash == hash && eq(cur.Payload) {
			return from
		}
		from = &cur.next
	}
	return nil
}

func detach[T any](from **Node[T]) *Node[T] {
	target := *from
	*from = target.next
	target.next = nil
	return target
}

// Map is an incrementally-resizing hash table. The zero value is ready
// to use. Map is not safe for concurrent use.
type Map[T any] struct {
	newTable   *table[T]
	oldTable   *table[T]
	migratePos uint64
}

// Size returns the total number of stored entries across both
// sub-tables.
func (m *Map[T]) Size() int {
	n := 0
	if m.newTable != nil {
		n += m.newTable.size
	}
	if m.oldTable != nil {
		n += m.oldTable.size
	}
	return n
}

// Lookup returns the payload whose hash matches and for which eq
// returns true, and whether such an entry was found. It also advances
// any in-progress migration: read paths pay down resize debt too,
// bounding tail latency on lookups during a resize instead of only on
// writes.
func (m *Map[T]) Lookup(hash uint64, eq func(T) bool) (T, bool) {
	m.migrate()
	if m.newTable != nil {
		if from := m.newTable.lookup(hash, eq); from != nil {
			return (*from).Payload, true
		}
	}
	if m.oldTable != nil {
		if from := m.oldTable.lookup(hash, eq); from != nil {
			return (*from).Payload, true
		}
	}
	var zero T
	return zero, false
}

// Insert adds payload under hash. It never checks for an existing
// equal entry; callers that require upsert semantics must Lookup first.
func (m *Map[T]) Insert(hash uint64, payload T) {
	if m.newTable == nil {
		m.newTable = newTable[T](initialBuckets)
	}

	m.newTable.insert(&Node[T]{Hash: hash, Payload: payload})

	if m.oldTable == nil {
		threshold := uint64(len(m.newTable.buckets)) * MaxLoad
		if uint64(m.newTable.size) > threshold {
			m.triggerResize()
		}
	}

	m.migrate()
}

// Delete removes and returns the entry matching hash/eq, if any.
func (m *Map[T]) Delete(hash uint64, eq func(T) bool) (T, bool) {
	if m.newTable != nil {
		if from := m.newTable.lookup(hash, eq); from != nil {
			n := detach(from)
			m.newTable.size--
			m.migrate()
			return n.Payload, true
		}
	}
	if m.oldTable != nil {
		if from := m.oldTable.lookup(hash, eq); from != nil {
			n := detach(from)
			m.oldTable.size--
			m.migrate()
			return n.Payload, true
		}
	}
	var zero T
	return zero, false
}

// ForEach calls f for every stored entry across both sub-tables,
// stopping early if f returns false.
func (m *Map[T]) ForEach(f func(T) bool) {
	for _, tbl := range [2]*table[T]{m.newTable, m.oldTable} {
		if tbl == nil {
			continue
		}
		for _, head := range tbl.buckets {
			for n := head; n != nil; n = n.next {
				if !f(n.Payload) {
					return
				}
			}
		}
	}
}

func (m *Map[T]) triggerResize() {
	m.oldTable = m.newTable
	m.newTable = newTable[T](len(m.oldTable.buckets) * 2)
	m.migratePos = 0
}

// migrate moves up to MaxRehashWork nodes from the old sub-table into
// the new one, freeing the old bucket array once it's been fully
// drained.
func (m *Map[T]) migrate() {
	if m.oldTable == nil {
		return
	}

	work := 0
	for work < MaxRehashWork && m.oldTable.size > 0 {
		from := &m.oldTable.buckets[m.migratePos]
		if *from == nil {
			m.migratePos++
			continue
		}

		n := detach(from)
		m.oldTable.size--
		m.newTable.insert(n)
		work++
	}

	if m.oldTable.size == 0 {
		m.oldTable = nil
		m.migratePos = 0
	}
}
