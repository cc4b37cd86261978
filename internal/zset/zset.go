// Package zset implements the sorted-set index: an AVL tree ordered by
// (score, name) composed with a hash index keyed by name, so that name
// lookup is O(1) while range queries walk the tree in score order.
//
// A Set holds an internal/avltree.Tree and an internal/hashmap.Map,
// both generic over *Member, with each Member's tree position cached so
// an update can detach-and-reinsert without walking the tree to find
// itself again.
package zset

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/tempo-kv/kvd/internal/avltree"
	"github.com/tempo-kv/kvd/internal/hashmap"
)

// Member is one (name, score) pair stored in a Set.
type Member struct {
	Name  []byte
	Score float64

	node *avltree.Node[*Member]
}

// Set is a sorted set: a name index for O(1) lookup, and a tree index
// ordered by (score, name) for range queries.
type Set struct {
	tree *avltree.Tree[*Member]
	byName hashmap.Map[*Member]
}

// New returns an empty sorted set.
func New() *Set {
	return &Set{tree: avltree.New(compareMembers)}
}

// compareMembers orders by score first, then by name as an unsigned
// byte sequence, giving a total order over (score, name) pairs.
func compareMembers(a, b *Member) int {
	switch {
	case a.Score < b.Score:
		return -1
	case a.Score > b.Score:
		return 1
	default:
		return bytes.Compare(a.Name, b.Name)
	}
}

func nameHash(name []byte) uint64 {
	return xxhash.Sum64(name)
}

func eqName(name []byte) func(*Member) bool {
	return func(m *Member) bool { return bytes.Equal(m.Name, name) }
}

// Len returns the number of members.
func (s *Set) Len() int { return s.tree.Len() }

// Lookup returns the member named name, in O(1) via the hash index.
func (s *Set) Lookup(name []byte) (*Member, bool) {
	return s.byName.Lookup(nameHash(name), eqName(name))
}

// Insert sets name's score, creating it if absent. Reports whether name
// was newly created (false means an existing member's score was
// updated). Updating a score requires repositioning the member in the
// tree (its sort key changed) but keeps the same hash-index entry by
// relinking the same Member rather than allocating a new one.
func (s *Set) Insert(name []byte, score float64) bool {
	if existing, ok := s.Lookup(name); ok {
		s.tree.Delete(existing.node)
		existing.Score = score
		existing.node = s.tree.Insert(existing)
		return false
	}

	m := &Member{Name: append([]byte(nil), name...), Score: score}
	m.node = s.tree.Insert(m)
	s.byName.Insert(nameHash(name), m)
	return true
}

// Delete removes m from both the tree and the hash index.
func (s *Set) Delete(m *Member) {
	s.tree.Delete(m.node)
	s.byName.Delete(nameHash(m.Name), eqName(m.Name))
}

// SeekGE returns the least member whose (score, name) is greater than
// or equal to the probe (score, name), or nil if none qualifies. It
// descends the tree once, recording the last node at which it turned
// left (i.e. the last candidate still >= probe).
func (s *Set) SeekGE(score float64, name []byte) *Member {
	probe := &Member{Score: score, Name: name}
	var best *Member
	cur := s.tree.Root()
	for cur != nil {
		if compareMembers(cur.Value, probe) >= 0 {
			best = cur.Value
			cur = cur.Left()
		} else {
			cur = cur.Right()
		}
	}
	return best
}

// Offset returns the member k positions away from m in (score, name)
// order, or nil if out of range.
func Offset(m *Member, k int) *Member {
	n := avltree.Offset(m.node, k)
	if n == nil {
		return nil
	}
	return n.Value
}

// ForEach visits every member in ascending (score, name) order,
// stopping early if visit returns false.
func (s *Set) ForEach(visit func(*Member) bool) {
	s.tree.InOrder(func(n *avltree.Node[*Member]) bool {
		return visit(n.Value)
	})
}
