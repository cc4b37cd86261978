// Package telemetry wires the server's logging and metrics: a leveled
// go-kit logger plus a small set of Prometheus collectors registered
// against a caller-supplied registerer rather than the global default,
// so tests can use their own registry.
package telemetry

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds a leveled go-kit logger wrapping base (typically a
// log.NewLogfmtLogger over os.Stderr), filtered to levelName ("debug",
// "info", "warn" or "error").
func NewLogger(base log.Logger, levelName string) log.Logger {
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(base, opt)
}

// Metrics is the concrete Prometheus-backed implementation of the
// narrow Metrics interfaces internal/keyspace and internal/server
// depend on, plus a bounded LRU tracking the most recently seen
// "bad" remote addresses (protocol errors, idle evictions) for ad hoc
// operational debugging — the home this module gives
// hashicorp/golang-lru/v2, which the keyspace and sorted-set indices
// cannot use since both require the bespoke incremental-rehash /
// subtree-count structures, not a generic cache.
type Metrics struct {
	commandsProcessed *prometheus.CounterVec
	commandErrors     *prometheus.CounterVec
	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	idleEvictions     prometheus.Counter
	protocolErrors    prometheus.Counter
	ttlExpirations    prometheus.Counter

	badClients *lru.Cache[string, int]
}

// NewMetrics constructs and registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "commands_processed_total",
			Help:      "Number of commands dispatched, by command name.",
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "command_errors_total",
			Help:      "Number of command errors, by wire error code.",
		}, []string{"code"}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvd",
			Name:      "connections_open",
			Help:      "Number of currently open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "connections_accepted_total",
			Help:      "Number of client connections accepted since start.",
		}),
		idleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "idle_evictions_total",
			Help:      "Number of connections closed for exceeding the idle timeout.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "protocol_errors_total",
			Help:      "Number of connections closed for sending a malformed request.",
		}),
		ttlExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvd",
			Name:      "ttl_expirations_total",
			Help:      "Number of keys evicted by an expired PEXPIRE deadline.",
		}),
	}

	cache, err := lru.New[string, int](256)
	if err != nil {
		// Only returns an error for a non-positive size, which 256 never is.
		panic(err)
	}
	m.badClients = cache

	reg.MustRegister(
		m.commandsProcessed,
		m.commandErrors,
		m.connectionsOpen,
		m.connectionsTotal,
		m.idleEvictions,
		m.protocolErrors,
		m.ttlExpirations,
	)
	return m
}

// CommandProcessed satisfies internal/keyspace.Metrics.
func (m *Metrics) CommandProcessed(name string) {
	m.commandsProcessed.WithLabelValues(name).Inc()
}

// CommandErrored satisfies internal/keyspace.Metrics.
func (m *Metrics) CommandErrored(code uint32) {
	m.commandErrors.WithLabelValues(codeLabel(code)).Inc()
}

// TTLExpired satisfies internal/keyspace.Metrics.
func (m *Metrics) TTLExpired() {
	m.ttlExpirations.Inc()
}

// ConnectionOpened satisfies internal/server.Metrics.
func (m *Metrics) ConnectionOpened() {
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

// ConnectionClosed satisfies internal/server.Metrics.
func (m *Metrics) ConnectionClosed() {
	m.connectionsOpen.Dec()
}

// IdleEvicted satisfies internal/server.Metrics.
func (m *Metrics) IdleEvicted() {
	m.idleEvictions.Inc()
}

// ProtocolError satisfies internal/server.Metrics. It only counts the
// error; the offending address is recorded separately through BadClient.
func (m *Metrics) ProtocolError() {
	m.protocolErrors.Inc()
}

// NoteBadClient records a remote address associated with a protocol
// error or idle eviction, evicting the least-recently-seen address
// once the tracker is full.
func (m *Metrics) NoteBadClient(addr string) {
	if addr == "" {
		return
	}
	count, _ := m.badClients.Get(addr)
	m.badClients.Add(addr, count+1)
}

// BadClient satisfies internal/server.Metrics, delegating to
// NoteBadClient.
func (m *Metrics) BadClient(addr string) {
	m.NoteBadClient(addr)
}

// BadClientCount returns how many times addr has been noted, if at
// all, without affecting its recency.
func (m *Metrics) BadClientCount(addr string) (int, bool) {
	return m.badClients.Peek(addr)
}

func codeLabel(code uint32) string {
	switch code {
	case 1:
		return "unknown"
	case 2:
		return "too_big"
	case 3:
		return "bad_type"
	case 4:
		return "bad_arg"
	default:
		return "other"
	}
}
