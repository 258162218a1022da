package ep

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an interface for tracking node-level statistics. Components
// call Increment* and collectors read via Get*.
type Metrics interface {
	IncrementSessionsCreated()
	IncrementSessionsActive()
	IncrementSessionsClosed()
	IncrementHandshakeFailures()
	IncrementFramesSent()
	IncrementFramesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementPeersConnected()
	IncrementPeersDisconnected()
	IncrementTransfersStarted()
	IncrementTransfersStopped()

	GetSessionsCreated() int64
	GetSessionsClosed() int64
	GetHandshakeFailures() int64
	GetFramesSent() int64
	GetFramesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

// DefaultMetrics implements Metrics with atomic counters, for use when no
// Prometheus registry is configured.
type DefaultMetrics struct {
	sessionsCreated    int64
	sessionsActive     int64
	sessionsClosed     int64
	handshakeFailures  int64
	framesSent         int64
	framesReceived     int64
	bytesSent          int64
	bytesReceived      int64
	peersConnected     int64
	peersDisconnected  int64
	transfersStarted   int64
	transfersStopped   int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementSessionsCreated()   { atomic.AddInt64(&m.sessionsCreated, 1) }
func (m *DefaultMetrics) IncrementSessionsActive()    { atomic.AddInt64(&m.sessionsActive, 1) }
func (m *DefaultMetrics) IncrementSessionsClosed()    { atomic.AddInt64(&m.sessionsClosed, 1) }
func (m *DefaultMetrics) IncrementHandshakeFailures() { atomic.AddInt64(&m.handshakeFailures, 1) }
func (m *DefaultMetrics) IncrementFramesSent()        { atomic.AddInt64(&m.framesSent, 1) }
func (m *DefaultMetrics) IncrementFramesReceived()    { atomic.AddInt64(&m.framesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)  { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementPeersConnected()    { atomic.AddInt64(&m.peersConnected, 1) }
func (m *DefaultMetrics) IncrementPeersDisconnected() { atomic.AddInt64(&m.peersDisconnected, 1) }
func (m *DefaultMetrics) IncrementTransfersStarted()  { atomic.AddInt64(&m.transfersStarted, 1) }
func (m *DefaultMetrics) IncrementTransfersStopped()  { atomic.AddInt64(&m.transfersStopped, 1) }

func (m *DefaultMetrics) GetSessionsCreated() int64   { return atomic.LoadInt64(&m.sessionsCreated) }
func (m *DefaultMetrics) GetSessionsClosed() int64    { return atomic.LoadInt64(&m.sessionsClosed) }
func (m *DefaultMetrics) GetHandshakeFailures() int64 { return atomic.LoadInt64(&m.handshakeFailures) }
func (m *DefaultMetrics) GetFramesSent() int64        { return atomic.LoadInt64(&m.framesSent) }
func (m *DefaultMetrics) GetFramesReceived() int64    { return atomic.LoadInt64(&m.framesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64         { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64     { return atomic.LoadInt64(&m.bytesReceived) }

// PrometheusMetrics implements Metrics against a prometheus.Registerer,
// for nodes that expose a /metrics endpoint.
type PrometheusMetrics struct {
	sessionsCreated   prometheus.Counter
	sessionsActive    prometheus.Gauge
	sessionsClosed    prometheus.Counter
	handshakeFailures prometheus.Counter
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	peersConnected    prometheus.Counter
	peersDisconnected prometheus.Counter
	transfersStarted  prometheus.Counter
	transfersStopped  prometheus.Counter
}

// NewPrometheusMetrics creates a PrometheusMetrics and registers its
// collectors against reg. If reg is nil, prometheus.DefaultRegisterer is
// used.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const namespace = "epnode"

	m := &PrometheusMetrics{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total", Help: "Total sessions accepted.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Sessions currently open (created and not yet closed), including those still awaiting the handshake.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total", Help: "Total sessions closed.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_failures_total", Help: "Total handshake failures.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total", Help: "Total frames written to transports.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total", Help: "Total frames decoded from transports.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Total message payload bytes written to transports.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Total message payload bytes read from transports.",
		}),
		peersConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "peers_connected_total", Help: "Total peer bind events.",
		}),
		peersDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "peers_disconnected_total", Help: "Total peer unbind events.",
		}),
		transfersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_started_total", Help: "Total transfers started.",
		}),
		transfersStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transfers_stopped_total", Help: "Total transfers stopped.",
		}),
	}

	reg.MustRegister(
		m.sessionsCreated, m.sessionsActive, m.sessionsClosed, m.handshakeFailures,
		m.framesSent, m.framesReceived, m.bytesSent, m.bytesReceived,
		m.peersConnected, m.peersDisconnected, m.transfersStarted, m.transfersStopped,
	)
	return m
}

func (m *PrometheusMetrics) IncrementSessionsCreated()   { m.sessionsCreated.Inc(); m.sessionsActive.Inc() }
func (m *PrometheusMetrics) IncrementSessionsActive()    {}
func (m *PrometheusMetrics) IncrementSessionsClosed()    { m.sessionsClosed.Inc(); m.sessionsActive.Dec() }
func (m *PrometheusMetrics) IncrementHandshakeFailures() { m.handshakeFailures.Inc() }
func (m *PrometheusMetrics) IncrementFramesSent()        { m.framesSent.Inc() }
func (m *PrometheusMetrics) IncrementFramesReceived()    { m.framesReceived.Inc() }
func (m *PrometheusMetrics) IncrementBytesSent(n int64)  { m.bytesSent.Add(float64(n)) }
func (m *PrometheusMetrics) IncrementBytesReceived(n int64) {
	m.bytesReceived.Add(float64(n))
}
func (m *PrometheusMetrics) IncrementPeersConnected()    { m.peersConnected.Inc() }
func (m *PrometheusMetrics) IncrementPeersDisconnected() { m.peersDisconnected.Inc() }
func (m *PrometheusMetrics) IncrementTransfersStarted()  { m.transfersStarted.Inc() }
func (m *PrometheusMetrics) IncrementTransfersStopped()  { m.transfersStopped.Inc() }

// The Get* accessors below are unused for export (Prometheus scrapes via
// reg) but keep PrometheusMetrics satisfying Metrics for interchangeability
// with DefaultMetrics in tests.
func (m *PrometheusMetrics) GetSessionsCreated() int64   { return 0 }
func (m *PrometheusMetrics) GetSessionsClosed() int64    { return 0 }
func (m *PrometheusMetrics) GetHandshakeFailures() int64 { return 0 }
func (m *PrometheusMetrics) GetFramesSent() int64        { return 0 }
func (m *PrometheusMetrics) GetFramesReceived() int64    { return 0 }
func (m *PrometheusMetrics) GetBytesSent() int64         { return 0 }
func (m *PrometheusMetrics) GetBytesReceived() int64     { return 0 }
