package zset_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempo-kv/kvd/internal/zset"
)

func TestInsertAndLookup(t *testing.T) {
	s := zset.New()

	isNew := s.Insert([]byte("alice"), 5.0)
	assert.True(t, isNew)

	m, ok := s.Lookup([]byte("alice"))
	require.True(t, ok)
	assert.Equal(t, 5.0, m.Score)
	assert.Equal(t, 1, s.Len())
}

func TestInsertUpdatesScoreInPlaceWithoutChangingIdentity(t *testing.T) {
	s := zset.New()
	s.Insert([]byte("bob"), 1.0)
	before, _ := s.Lookup([]byte("bob"))

	isNew := s.Insert([]byte("bob"), 9.0)
	assert.False(t, isNew)

	after, _ := s.Lookup([]byte("bob"))
	assert.Same(t, before, after, "updating a score must reuse the same member, not replace it")
	assert.Equal(t, 9.0, after.Score)
	assert.Equal(t, 1, s.Len())
}

func TestDeleteRemovesFromBothIndexes(t *testing.T) {
	s := zset.New()
	s.Insert([]byte("carl"), 3.0)
	m, _ := s.Lookup([]byte("carl"))

	s.Delete(m)

	_, ok := s.Lookup([]byte("carl"))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestForEachIsScoreOrdered(t *testing.T) {
	s := zset.New()
	s.Insert([]byte("z"), 3.0)
	s.Insert([]byte("a"), 1.0)
	s.Insert([]byte("m"), 2.0)
	s.Insert([]byte("n"), 2.0)

	var names []string
	s.ForEach(func(m *zset.Member) bool {
		names = append(names, string(m.Name))
		return true
	})

	assert.Equal(t, []string{"a", "m", "n", "z"}, names)
}

func TestSeekGEAndOffset(t *testing.T) {
	s := zset.New()
	for i := 0; i < 20; i++ {
		s.Insert([]byte(fmt.Sprintf("m%02d", i)), float64(i))
	}

	start := s.SeekGE(10.0, nil)
	require.NotNil(t, start)
	assert.Equal(t, 10.0, start.Score)

	next := zset.Offset(start, 3)
	require.NotNil(t, next)
	assert.Equal(t, 13.0, next.Score)

	prev := zset.Offset(start, -1)
	require.NotNil(t, prev)
	assert.Equal(t, 9.0, prev.Score)

	assert.Nil(t, zset.Offset(start, 100))
}

func TestSeekGEBreaksTiesByName(t *testing.T) {
	s := zset.New()
	s.Insert([]byte("bravo"), 5.0)
	s.Insert([]byte("alpha"), 5.0)
	s.Insert([]byte("charlie"), 5.0)

	got := s.SeekGE(5.0, []byte("bravo"))
	require.NotNil(t, got)
	assert.Equal(t, "bravo", string(got.Name))
}
