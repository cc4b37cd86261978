package keyspace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempo-kv/kvd/internal/keyspace"
	"github.com/tempo-kv/kvd/internal/wire"
)

func exec(t *testing.T, ks *keyspace.Keyspace, args ...string) wire.Value {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return ks.Execute(raw)
}

func TestUnknownCommandAndArity(t *testing.T) {
	ks := keyspace.New()

	v := exec(t, ks, "bogus")
	require.Equal(t, wire.TagErr, v.Tag)
	assert.EqualValues(t, wire.ErrUnknown, v.Code)

	v = exec(t, ks, "get")
	require.Equal(t, wire.TagErr, v.Tag)
	assert.EqualValues(t, wire.ErrUnknown, v.Code)
}

func TestGetSetDel(t *testing.T) {
	ks := keyspace.New()

	v := exec(t, ks, "get", "k")
	assert.Equal(t, wire.TagNil, v.Tag)

	exec(t, ks, "set", "k", "v1")
	v = exec(t, ks, "get", "k")
	require.Equal(t, wire.TagStr, v.Tag)
	assert.Equal(t, "v1", string(v.Str))

	exec(t, ks, "set", "k", "v2")
	v = exec(t, ks, "get", "k")
	assert.Equal(t, "v2", string(v.Str))

	v = exec(t, ks, "del", "k")
	assert.EqualValues(t, 1, v.Int)
	v = exec(t, ks, "del", "k")
	assert.EqualValues(t, 0, v.Int)
}

func TestTypeMismatchIsBadType(t *testing.T) {
	ks := keyspace.New()
	exec(t, ks, "set", "k", "v")

	v := exec(t, ks, "zadd", "k", "1.0", "m")
	require.Equal(t, wire.TagErr, v.Tag)
	assert.EqualValues(t, wire.ErrBadType, v.Code)
}

func TestZAddRejectsNaN(t *testing.T) {
	ks := keyspace.New()
	v := exec(t, ks, "zadd", "z", "not-a-number", "m")
	require.Equal(t, wire.TagErr, v.Tag)
	assert.EqualValues(t, wire.ErrBadArg, v.Code)

	v = exec(t, ks, "zadd", "z", "nan", "m")
	require.Equal(t, wire.TagErr, v.Tag)
	assert.EqualValues(t, wire.ErrBadArg, v.Code)
}

func TestZSetLifecycle(t *testing.T) {
	ks := keyspace.New()

	v := exec(t, ks, "zadd", "z", "1.0", "a")
	assert.EqualValues(t, 1, v.Int)
	v = exec(t, ks, "zadd", "z", "2.0", "b")
	assert.EqualValues(t, 1, v.Int)
	v = exec(t, ks, "zadd", "z", "3.0", "a")
	assert.EqualValues(t, 0, v.Int, "re-adding an existing member reports 0")

	v = exec(t, ks, "zscore", "z", "a")
	require.Equal(t, wire.TagDbl, v.Tag)
	assert.Equal(t, 3.0, v.Dbl)

	v = exec(t, ks, "zcard", "z")
	assert.EqualValues(t, 2, v.Int)

	v = exec(t, ks, "zrem", "z", "a")
	assert.EqualValues(t, 1, v.Int)
	v = exec(t, ks, "zscore", "z", "a")
	assert.Equal(t, wire.TagNil, v.Tag)
}

func TestZQueryReturnsFlatNameScorePairs(t *testing.T) {
	ks := keyspace.New()
	for _, m := range []struct {
		name  string
		score string
	}{{"a", "1.0"}, {"b", "2.0"}, {"c", "3.0"}, {"d", "4.0"}} {
		exec(t, ks, "zadd", "z", m.score, m.name)
	}

	v := exec(t, ks, "zquery", "z", "2", "", "0", "10")
	require.Equal(t, wire.TagArr, v.Tag)
	require.Len(t, v.Arr, 6)
	assert.Equal(t, "b", string(v.Arr[0].Str))
	assert.Equal(t, 2.0, v.Arr[1].Dbl)
	assert.Equal(t, "c", string(v.Arr[2].Str))

	v = exec(t, ks, "zquery", "z", "2", "", "1", "1")
	require.Len(t, v.Arr, 2)
	assert.Equal(t, "c", string(v.Arr[0].Str))
}

func TestTypeAndDbsize(t *testing.T) {
	ks := keyspace.New()
	exec(t, ks, "set", "s", "v")
	exec(t, ks, "zadd", "z", "1.0", "m")

	v := exec(t, ks, "type", "s")
	assert.Equal(t, "str", string(v.Str))
	v = exec(t, ks, "type", "z")
	assert.Equal(t, "zset", string(v.Str))
	v = exec(t, ks, "type", "missing")
	assert.Equal(t, "none", string(v.Str))

	v = exec(t, ks, "dbsize")
	assert.EqualValues(t, 2, v.Int)
}

func TestPing(t *testing.T) {
	ks := keyspace.New()
	v := exec(t, ks, "ping")
	assert.Equal(t, "PONG", string(v.Str))
}

// TestTTLSweep implements scenario S8: set a key, arm a TTL, check PTTL
// is in range, then advance the injected clock and sweep; the key must
// be gone.
func TestTTLSweep(t *testing.T) {
	ks := keyspace.New()
	now := int64(1_000_000)
	ks.Now = func() int64 { return now }

	exec(t, ks, "set", "k", "v")
	v := exec(t, ks, "pexpire", "k", "50")
	assert.EqualValues(t, 1, v.Int)

	v = exec(t, ks, "pttl", "k")
	require.Equal(t, wire.TagInt, v.Tag)
	assert.Greater(t, v.Int, int64(0))
	assert.LessOrEqual(t, v.Int, int64(50))

	now += 60
	evicted := ks.SweepExpired(now)
	assert.Equal(t, 1, evicted)

	v = exec(t, ks, "get", "k")
	assert.Equal(t, wire.TagNil, v.Tag)
	v = exec(t, ks, "dbsize")
	assert.EqualValues(t, 0, v.Int)
}

func TestPersistClearsTTL(t *testing.T) {
	ks := keyspace.New()
	now := int64(0)
	ks.Now = func() int64 { return now }

	exec(t, ks, "set", "k", "v")
	exec(t, ks, "pexpire", "k", "1000")

	v := exec(t, ks, "persist", "k")
	assert.EqualValues(t, 1, v.Int)

	v = exec(t, ks, "pttl", "k")
	assert.EqualValues(t, -1, v.Int)

	now = 5000
	ks.SweepExpired(now)
	v = exec(t, ks, "get", "k")
	require.Equal(t, wire.TagStr, v.Tag)
}

func TestPTTLMissingKey(t *testing.T) {
	ks := keyspace.New()
	v := exec(t, ks, "pttl", "missing")
	assert.EqualValues(t, -2, v.Int)
}
