package server_test

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempo-kv/kvd/internal/keyspace"
	"github.com/tempo-kv/kvd/internal/server"
	"github.com/tempo-kv/kvd/internal/wire"
)

// fakeMetrics records calls the event loop makes through server.Metrics,
// so tests can assert on protocol-error and idle-eviction handling
// without scraping Prometheus.
type fakeMetrics struct {
	mu         sync.Mutex
	protoErrs  int
	badClients []string
}

func (f *fakeMetrics) ConnectionOpened() {}
func (f *fakeMetrics) ConnectionClosed() {}
func (f *fakeMetrics) IdleEvicted()      {}

func (f *fakeMetrics) ProtocolError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protoErrs++
}

func (f *fakeMetrics) BadClient(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badClients = append(f.badClients, addr)
}

func (f *fakeMetrics) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protoErrs, len(f.badClients)
}

func startLoop(t *testing.T) *server.Loop {
	t.Helper()
	loop := &server.Loop{Bind: "127.0.0.1", Port: 0, Keyspace: keyspace.New()}
	require.NoError(t, loop.Listen())

	go func() { _ = loop.Run() }()
	t.Cleanup(loop.Stop)

	return loop
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) wire.Value {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	_, err := conn.Write(wire.EncodeRequest(raw))
	require.NoError(t, err)

	header := make([]byte, 4)
	_, err = readFull(conn, header)
	require.NoError(t, err)
	bodyLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16 | int(header[3])<<24

	body := make([]byte, bodyLen)
	_, err = readFull(conn, body)
	require.NoError(t, err)

	v, _, err := wire.DecodeValue(body)
	require.NoError(t, err)
	return v
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestEndToEndSetGetOverRealSocket(t *testing.T) {
	loop := startLoop(t)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(loop.Port)), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	v := sendCommand(t, conn, "set", "k", "hello")
	assert.Equal(t, wire.TagNil, v.Tag)

	v = sendCommand(t, conn, "get", "k")
	require.Equal(t, wire.TagStr, v.Tag)
	assert.Equal(t, "hello", string(v.Str))

	v = sendCommand(t, conn, "ping")
	assert.Equal(t, "PONG", string(v.Str))
}

// TestOversizeRequestClosesConnectionWithoutResponse is scenario S7: a
// total_len beyond wire.MaxMsg is a protocol error, the connection is
// closed without any response, and the offending peer is noted as a
// bad client.
func TestOversizeRequestClosesConnectionWithoutResponse(t *testing.T) {
	metrics := &fakeMetrics{}
	loop := &server.Loop{Bind: "127.0.0.1", Port: 0, Keyspace: keyspace.New(), Metrics: metrics}
	require.NoError(t, loop.Listen())
	go func() { _ = loop.Run() }()
	t.Cleanup(loop.Stop)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(loop.Port)), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 5000)
	_, err = conn.Write(header)
	require.NoError(t, err)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := conn.Read(buf)
	assert.Equal(t, 0, n, "connection must be closed without a response")

	require.Eventually(t, func() bool {
		protoErrs, badClients := metrics.snapshot()
		return protoErrs == 1 && badClients == 1
	}, time.Second, 10*time.Millisecond)
}
