// Package keyspace implements the typed keyspace and command dispatch:
// a hash map of arbitrary-type entries keyed by byte-string names, and
// the command table that reads and mutates them.
//
// This is a dedicated, independently testable type rather than inline
// code in the event loop. The hash table underneath is
// internal/hashmap; the sorted-set payload type is internal/zset; the
// optional TTL index is internal/heap, wired in for per-key expiry.
package keyspace

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tempo-kv/kvd/internal/heap"
	"github.com/tempo-kv/kvd/internal/hashmap"
	"github.com/tempo-kv/kvd/internal/wire"
	"github.com/tempo-kv/kvd/internal/zset"
)

type valueType int

const (
	typeString valueType = iota
	typeZSet
)

// entry is a keyspace record: key bytes plus exactly one live payload,
// selected by typ. Accessing the other payload is a BAD_TYPE error at
// the dispatch layer, never a panic here.
type entry struct {
	key []byte
	typ valueType

	str  []byte
	zset *zset.Set

	hasTTL bool
	ttlPos int
}

func keyHash(key []byte) uint64 { return xxhash.Sum64(key) }

func eqKey(key []byte) func(*entry) bool {
	return func(e *entry) bool { return bytes.Equal(e.key, key) }
}

// Metrics is the subset of telemetry the keyspace reports through,
// kept as a narrow interface so this package doesn't need to import
// the concrete Prometheus collectors.
type Metrics interface {
	CommandProcessed(name string)
	CommandErrored(code uint32)
	TTLExpired()
}

type noopMetrics struct{}

func (noopMetrics) CommandProcessed(string) {}
func (noopMetrics) CommandErrored(uint32)   {}
func (noopMetrics) TTLExpired()             {}

// Keyspace owns the main hash table of entries plus the TTL heap used
// by PEXPIRE/PTTL/PERSIST. It is not safe for concurrent use: the event
// loop is the keyspace's sole owner and never shares it across
// goroutines.
type Keyspace struct {
	table hashmap.Map[*entry]
	ttl   heap.Heap[*entry]

	// Now returns the current time in epoch milliseconds. Overridable
	// in tests; defaults to the wall clock.
	Now func() int64

	Metrics Metrics
}

// New returns an empty keyspace.
func New() *Keyspace {
	return &Keyspace{
		Now:     func() int64 { return time.Now().UnixMilli() },
		Metrics: noopMetrics{},
	}
}

func (ks *Keyspace) lookup(key []byte) (*entry, bool) {
	return ks.table.Lookup(keyHash(key), eqKey(key))
}

// deleteEntry removes key's entry from the hash table and, if it had an
// armed TTL, from the heap too.
func (ks *Keyspace) deleteEntry(e *entry) {
	if e.hasTTL {
		ks.ttl.RemoveAt(e.ttlPos)
		e.hasTTL = false
	}
	ks.table.Delete(keyHash(e.key), eqKey(e.key))
}

// SweepExpired evicts every key whose TTL deadline is at or before
// nowMs. The event loop calls this once per iteration alongside the
// idle-connection sweep.
func (ks *Keyspace) SweepExpired(nowMs int64) (evicted int) {
	for {
		item, ok := ks.ttl.Peek()
		if !ok || item.Val > nowMs {
			return evicted
		}
		ks.ttl.PopMin()
		item.Payload.hasTTL = false
		ks.table.Delete(keyHash(item.Payload.key), eqKey(item.Payload.key))
		ks.Metrics.TTLExpired()
		evicted++
	}
}

// Size returns the number of live keys.
func (ks *Keyspace) Size() int { return ks.table.Size() }

// Dispatch arity table. Arity counts the command name itself; a
// request whose argument count doesn't match exactly is rejected.
var arity = map[string]int{
	"get":     2,
	"set":     3,
	"del":     2,
	"keys":    1,
	"zadd":    4,
	"zrem":    3,
	"zscore":  3,
	"zquery":  6,
	"pexpire": 3,
	"pttl":    2,
	"persist": 2,
	"type":    2,
	"zcard":   2,
	"dbsize":  1,
	"ping":    1,
}

// Execute dispatches one already-parsed command vector (args[0] is the
// command name) and returns exactly one response value: every handler
// writes exactly one tagged value and returns.
func (ks *Keyspace) Execute(args [][]byte) wire.Value {
	if len(args) == 0 {
		return wire.Err(wire.ErrUnknown, "empty command")
	}
	name := string(args[0])
	want, known := arity[name]
	if !known || len(args) != want {
		ks.Metrics.CommandErrored(wire.ErrUnknown)
		return wire.Err(wire.ErrUnknown, "unknown command or wrong arity")
	}

	ks.Metrics.CommandProcessed(name)

	switch name {
	case "get":
		return ks.cmdGet(args)
	case "set":
		return ks.cmdSet(args)
	case "del":
		return ks.cmdDel(args)
	case "keys":
		return ks.cmdKeys()
	case "zadd":
		return ks.cmdZAdd(args)
	case "zrem":
		return ks.cmdZRem(args)
	case "zscore":
		return ks.cmdZScore(args)
	case "zquery":
		return ks.cmdZQuery(args)
	case "pexpire":
		return ks.cmdPExpire(args)
	case "pttl":
		return ks.cmdPTTL(args)
	case "persist":
		return ks.cmdPersist(args)
	case "type":
		return ks.cmdType(args)
	case "zcard":
		return ks.cmdZCard(args)
	case "dbsize":
		return wire.Int(int64(ks.Size()))
	case "ping":
		return wire.Str([]byte("PONG"))
	default:
		return wire.Err(wire.ErrUnknown, "unknown command")
	}
}

func (ks *Keyspace) errBadType(msg string) wire.Value {
	ks.Metrics.CommandErrored(wire.ErrBadType)
	return wire.Err(wire.ErrBadType, msg)
}

func (ks *Keyspace) errBadArg(msg string) wire.Value {
	ks.Metrics.CommandErrored(wire.ErrBadArg)
	return wire.Err(wire.ErrBadArg, msg)
}

func (ks *Keyspace) cmdGet(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok {
		return wire.Nil()
	}
	if e.typ != typeString {
		return ks.errBadType("expected string")
	}
	return wire.Str(e.str)
}

func (ks *Keyspace) cmdSet(args [][]byte) wire.Value {
	key, val := args[1], args[2]
	if e, ok := ks.lookup(key); ok {
		if e.typ != typeString {
			return ks.errBadType("expected string")
		}
		e.str = append([]byte(nil), val...)
		return wire.Nil()
	}

	e := &entry{key: append([]byte(nil), key...), typ: typeString, str: append([]byte(nil), val...)}
	ks.table.Insert(keyHash(e.key), e)
	return wire.Nil()
}

func (ks *Keyspace) cmdDel(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok {
		return wire.Int(0)
	}
	ks.deleteEntry(e)
	return wire.Int(1)
}

func (ks *Keyspace) cmdKeys() wire.Value {
	names := make([]wire.Value, 0, ks.Size())
	ks.table.ForEach(func(e *entry) bool {
		names = append(names, wire.Str(e.key))
		return true
	})
	return wire.Arr(names)
}

func parseScore(raw []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func (ks *Keyspace) cmdZAdd(args [][]byte) wire.Value {
	key, rawScore, member := args[1], args[2], args[3]
	score, ok := parseScore(rawScore)
	if !ok {
		return ks.errBadArg("invalid score")
	}

	e, exists := ks.lookup(key)
	if !exists {
		e = &entry{key: append([]byte(nil), key...), typ: typeZSet, zset: zset.New()}
		ks.table.Insert(keyHash(e.key), e)
	} else if e.typ != typeZSet {
		return ks.errBadType("expected zset")
	}

	isNew := e.zset.Insert(member, score)
	if isNew {
		return wire.Int(1)
	}
	return wire.Int(0)
}

func (ks *Keyspace) cmdZRem(args [][]byte) wire.Value {
	key, member := args[1], args[2]
	e, ok := ks.lookup(key)
	if !ok {
		return wire.Int(0)
	}
	if e.typ != typeZSet {
		return ks.errBadType("expected zset")
	}
	m, ok := e.zset.Lookup(member)
	if !ok {
		return wire.Int(0)
	}
	e.zset.Delete(m)
	return wire.Int(1)
}

func (ks *Keyspace) cmdZScore(args [][]byte) wire.Value {
	key, member := args[1], args[2]
	e, ok := ks.lookup(key)
	if !ok {
		return wire.Nil()
	}
	if e.typ != typeZSet {
		return ks.errBadType("expected zset")
	}
	m, ok := e.zset.Lookup(member)
	if !ok {
		return wire.Nil()
	}
	return wire.Dbl(m.Score)
}

func (ks *Keyspace) cmdZCard(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok {
		return wire.Int(0)
	}
	if e.typ != typeZSet {
		return ks.errBadType("expected zset")
	}
	return wire.Int(int64(e.zset.Len()))
}

func (ks *Keyspace) cmdZQuery(args [][]byte) wire.Value {
	key, rawScore, name, rawOffset, rawLimit := args[1], args[2], args[3], args[4], args[5]

	score, ok := parseScore(rawScore)
	if !ok {
		return ks.errBadArg("invalid score")
	}
	offset, err := strconv.Atoi(string(rawOffset))
	if err != nil {
		return ks.errBadArg("invalid offset")
	}
	limit, err := strconv.Atoi(string(rawLimit))
	if err != nil {
		return ks.errBadArg("invalid limit")
	}

	e, exists := ks.lookup(key)
	if !exists {
		return wire.Arr(nil)
	}
	if e.typ != typeZSet {
		return ks.errBadType("expected zset")
	}
	if limit <= 0 {
		return wire.Arr(nil)
	}

	cur := e.zset.SeekGE(score, name)
	if cur == nil {
		return wire.Arr(nil)
	}
	if offset != 0 {
		cur = zset.Offset(cur, offset)
	}

	out := make([]wire.Value, 0, limit*2)
	for i := 0; i < limit && cur != nil; i++ {
		out = append(out, wire.Str(cur.Name), wire.Dbl(cur.Score))
		cur = zset.Offset(cur, 1)
	}
	return wire.Arr(out)
}

func (ks *Keyspace) cmdPExpire(args [][]byte) wire.Value {
	key, rawMs := args[1], args[2]
	ms, err := strconv.ParseInt(string(rawMs), 10, 64)
	if err != nil {
		return ks.errBadArg("invalid ttl")
	}

	e, ok := ks.lookup(key)
	if !ok {
		return wire.Int(0)
	}

	deadline := ks.Now() + ms
	if e.hasTTL {
		ks.ttl.SetVal(e.ttlPos, deadline)
	} else {
		e.hasTTL = true
		ks.ttl.Push(heap.Item[*entry]{Val: deadline, Payload: e, Ref: &e.ttlPos})
	}
	return wire.Int(1)
}

func (ks *Keyspace) cmdPTTL(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok {
		return wire.Int(-2)
	}
	if !e.hasTTL {
		return wire.Int(-1)
	}
	remaining := ks.ttl.ValueAt(e.ttlPos) - ks.Now()
	if remaining < 0 {
		remaining = 0
	}
	return wire.Int(remaining)
}

func (ks *Keyspace) cmdPersist(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok || !e.hasTTL {
		return wire.Int(0)
	}
	ks.ttl.RemoveAt(e.ttlPos)
	e.hasTTL = false
	return wire.Int(1)
}

func (ks *Keyspace) cmdType(args [][]byte) wire.Value {
	e, ok := ks.lookup(args[1])
	if !ok {
		return wire.Str([]byte("none"))
	}
	if e.typ == typeZSet {
		return wire.Str([]byte("zset"))
	}
	return wire.Str([]byte("str"))
}
