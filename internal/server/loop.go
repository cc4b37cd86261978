package server

import (
	"fmt"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/tempo-kv/kvd/internal/idlelist"
	"github.com/tempo-kv/kvd/internal/keyspace"
	"github.com/tempo-kv/kvd/internal/wire"
)

// IdleTimeoutMs is the default idle-connection eviction threshold.
const IdleTimeoutMs = 5000

// Metrics is the subset of telemetry the event loop reports through.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	IdleEvicted()
	ProtocolError()
	// BadClient notes addr as responsible for a protocol error or idle
	// eviction, for operational tracking of misbehaving peers.
	BadClient(addr string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}
func (noopMetrics) IdleEvicted()      {}
func (noopMetrics) ProtocolError()    {}
func (noopMetrics) BadClient(string)  {}

// Loop is the single-threaded poll-based event loop: it owns the
// listening socket, every accepted connection, and the keyspace those
// connections mutate. There is exactly one goroutine inside Run; no
// lock is needed anywhere on this path.
type Loop struct {
	Bind             string
	Port             int
	IdleTimeoutMs    int64
	MaxMessageBytes  int
	MaxOutgoingBytes int

	Keyspace *keyspace.Keyspace
	Logger   log.Logger
	Metrics  Metrics

	Now func() int64

	listenFD int
	conns    map[int]*Conn
	idle     *idlelist.List[*Conn]

	stop chan struct{}
}

// Listen opens the bound, non-blocking listening socket. Must be called
// before Run.
func (l *Loop) Listen() error {
	if l.Logger == nil {
		l.Logger = log.NewNopLogger()
	}
	if l.Metrics == nil {
		l.Metrics = noopMetrics{}
	}
	if l.Now == nil {
		l.Now = defaultNow
	}
	if l.IdleTimeoutMs == 0 {
		l.IdleTimeoutMs = IdleTimeoutMs
	}
	if l.MaxOutgoingBytes == 0 {
		l.MaxOutgoingBytes = MaxOutgoing
	}
	l.conns = make(map[int]*Conn)
	l.idle = idlelist.New[*Conn]()
	l.stop = make(chan struct{})

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	ip := net.ParseIP(l.Bind)
	if ip == nil {
		ip = net.IPv4zero
	}
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], ip.To4())
	addr.Port = l.Port
	if err := unix.Bind(fd, &addr); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblocking: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	if sa, ok := bound.(*unix.SockaddrInet4); ok {
		l.Port = sa.Port
	}

	l.listenFD = fd
	return nil
}

// Stop signals Run to return after its current iteration.
func (l *Loop) Stop() {
	close(l.stop)
}

// Run blocks, servicing connections until Stop is called or an
// unrecoverable poll error occurs.
func (l *Loop) Run() error {
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		pfds := l.buildPollVector()
		timeout := l.nextTimerMs()

		n, err := unix.Poll(pfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			l.sweepTimers()
			continue
		}

		l.handleReady(pfds)
		l.sweepTimers()
	}
}

func (l *Loop) buildPollVector() []unix.PollFd {
	pfds := make([]unix.PollFd, 0, len(l.conns)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(l.listenFD), Events: unix.POLLIN})

	for fd, c := range l.conns {
		var events int16
		if c.WantRead() {
			events |= unix.POLLIN
		}
		if c.WantWrite() {
			events |= unix.POLLOUT
		}
		if c.WantClose() {
			events = 0
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	return pfds
}

// nextTimerMs computes poll's timeout argument: the time until the
// oldest connection would hit the idle timeout, or -1 (block
// indefinitely) when no connection is open.
func (l *Loop) nextTimerMs() int {
	if l.idle.Empty() {
		return -1
	}
	oldest := l.idle.Front().Payload
	deadline := oldest.LastActiveMs() + l.IdleTimeoutMs
	remaining := deadline - l.Now()
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

func (l *Loop) handleReady(pfds []unix.PollFd) {
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)

		if fd == l.listenFD {
			l.acceptLoop()
			continue
		}

		c, ok := l.conns[fd]
		if !ok {
			continue
		}
		c.Touch(l.idle, l.Now())

		if pfd.Revents&(unix.POLLIN) != 0 {
			l.handleReadable(c)
		}
		if !c.WantClose() && pfd.Revents&unix.POLLOUT != 0 {
			l.handleWritable(c)
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			c.wantClose = true
		}

		if c.WantClose() {
			l.closeConn(c)
		}
	}
}

func (l *Loop) acceptLoop() {
	for {
		fd, sa, err := unix.Accept(l.listenFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			level.Warn(l.Logger).Log("msg", "accept failed", "err", err)
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			level.Warn(l.Logger).Log("msg", "set nonblocking failed", "err", err)
			unix.Close(fd)
			continue
		}

		c := NewConnWithLimit(fd, l.MaxOutgoingBytes)
		c.remoteAddr = peerAddr(sa)
		c.Touch(l.idle, l.Now())
		l.conns[fd] = c
		l.Metrics.ConnectionOpened()
	}
}

// peerAddr renders an accepted peer's sockaddr as "host:port", or "" if
// it isn't an IPv4 address (the listening socket only ever binds IPv4).
func peerAddr(sa unix.Sockaddr) string {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	ip := net.IP(in4.Addr[:])
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", in4.Port))
}

func (l *Loop) handleReadable(c *Conn) {
	buf := make([]byte, ReadChunk)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.appendIncoming(buf[:n])
			c.Touch(l.idle, l.Now())
		}
		if n == 0 {
			c.wantClose = true
			return
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			c.wantClose = true
			return
		}
		if n < len(buf) {
			break
		}
	}

	l.drainRequests(c)
	if len(c.outgoing) > 0 {
		l.handleWritable(c)
	}
}

func (l *Loop) drainRequests(c *Conn) {
	for {
		args, consumed, ok, err := wire.ParseRequest(c.incoming)
		if err != nil {
			l.Metrics.ProtocolError()
			l.Metrics.BadClient(c.remoteAddr)
			c.wantClose = true
			return
		}
		if !ok {
			return
		}

		resp := l.Keyspace.Execute(args)
		c.consumeIncoming(consumed)
		c.QueueWrite(wire.EncodeResponse(resp))
	}
}

func (l *Loop) handleWritable(c *Conn) {
	for len(c.outgoing) > 0 {
		n, err := unix.Write(c.fd, c.outgoing)
		if n > 0 {
			c.consumeOutgoing(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			c.wantClose = true
			return
		}
		if n == 0 {
			return
		}
	}
}

func (l *Loop) closeConn(c *Conn) {
	idlelist.Detach(c.idle)
	delete(l.conns, c.fd)
	unix.Close(c.fd)
	l.Metrics.ConnectionClosed()
}

// sweepTimers evicts idle connections and expired keys, in that order,
// once per iteration.
func (l *Loop) sweepTimers() {
	now := l.Now()

	for !l.idle.Empty() {
		oldest := l.idle.Front().Payload
		if now-oldest.LastActiveMs() < l.IdleTimeoutMs {
			break
		}
		oldest.wantClose = true
		l.closeConn(oldest)
		l.Metrics.IdleEvicted()
		l.Metrics.BadClient(oldest.remoteAddr)
	}

	l.Keyspace.SweepExpired(now)
}

func defaultNow() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nsec/1e6 + ts.Sec*1000
}
