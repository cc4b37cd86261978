// Package server implements the connection state and poll-based event
// loop: non-blocking sockets, per-connection incoming/outgoing buffers,
// and a single poll() call per iteration driving reads, writes, command
// dispatch, idle eviction and TTL sweep.
package server

import (
	"github.com/tempo-kv/kvd/internal/idlelist"
)

// MaxOutgoing caps the outgoing buffer: a connection whose client
// refuses to drain its socket is disconnected rather than allowed to
// grow the buffer without bound.
const MaxOutgoing = 16 << 20

// ReadChunk is the number of bytes read from the socket per readable
// event.
const ReadChunk = 64 << 10

// Conn holds one client connection's buffered state. The event loop is
// its sole owner; nothing here is safe for concurrent access.
type Conn struct {
	fd int

	remoteAddr string

	incoming []byte
	outgoing []byte

	wantRead  bool
	wantWrite bool
	wantClose bool

	lastActiveMs int64

	idle        *idlelist.Node[*Conn]
	maxOutgoing int
}

// NewConn wraps fd in a fresh Conn, ready to read, with the default
// MaxOutgoing backpressure cap.
func NewConn(fd int) *Conn {
	return NewConnWithLimit(fd, MaxOutgoing)
}

// NewConnWithLimit wraps fd in a fresh Conn whose outgoing buffer is
// capped at maxOutgoing bytes instead of the package default, letting
// the configured max-outgoing-bytes flag (cmd/kvd/app) take effect.
func NewConnWithLimit(fd int, maxOutgoing int) *Conn {
	c := &Conn{fd: fd, wantRead: true, maxOutgoing: maxOutgoing}
	c.idle = &idlelist.Node[*Conn]{Payload: c}
	return c
}

// Fd returns the underlying file descriptor.
func (c *Conn) Fd() int { return c.fd }

// RemoteAddr returns the peer address recorded at accept time, or "" if
// none was recorded (e.g. in unit tests that construct a Conn directly).
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// WantRead, WantWrite and WantClose report the poll-vector membership
// and teardown state the event loop consults each iteration. Exactly
// one of WantRead/WantWrite is ever true at once: a connection with
// buffered output stops asking to read until the write drains.
func (c *Conn) WantRead() bool  { return c.wantRead && !c.wantClose }
func (c *Conn) WantWrite() bool { return c.wantWrite && !c.wantClose }
func (c *Conn) WantClose() bool { return c.wantClose }

// Touch records activity at nowMs and moves the connection to the back
// of idle, the list's "just became the newest" operation.
func (c *Conn) Touch(idle *idlelist.List[*Conn], nowMs int64) {
	c.lastActiveMs = nowMs
	idle.MoveToBack(c.idle)
}

// LastActiveMs returns the timestamp of the connection's last Touch.
func (c *Conn) LastActiveMs() int64 { return c.lastActiveMs }

// QueueWrite appends data to the outgoing buffer. If this pushes the
// buffer past the connection's outgoing cap, WantClose is set instead
// of growing it further.
func (c *Conn) QueueWrite(data []byte) {
	c.outgoing = append(c.outgoing, data...)
	if len(c.outgoing) > c.maxOutgoing {
		c.wantClose = true
		return
	}
	c.wantWrite = len(c.outgoing) > 0
	c.wantRead = !c.wantWrite
}

// consumeOutgoing drops the first n bytes of the outgoing buffer after
// a successful write, flipping back to read-mode once it drains.
func (c *Conn) consumeOutgoing(n int) {
	c.outgoing = c.outgoing[n:]
	c.wantWrite = len(c.outgoing) > 0
	c.wantRead = !c.wantWrite
}

// appendIncoming adds freshly-read bytes to the incoming buffer.
func (c *Conn) appendIncoming(data []byte) {
	c.incoming = append(c.incoming, data...)
}

// consumeIncoming drops the first n bytes of the incoming buffer after
// a request has been fully parsed out of it.
func (c *Conn) consumeIncoming(n int) {
	c.incoming = c.incoming[n:]
}
