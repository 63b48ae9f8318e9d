package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Metrics wraps the pool's Prometheus gauges/counters and the matching OTel
// instruments. A Pool that is not given one (nil) silently no-ops every call.
type Metrics struct {
	inboundPeers     prometheus.Gauge
	outboundPeers    prometheus.Gauge
	peerLatency      *prometheus.GaugeVec
	peerProductivity *prometheus.GaugeVec
	disconnects      *prometheus.CounterVec
	bans             prometheus.Counter
	rpcRequests      *prometheus.CounterVec
	rpcTimeouts      prometheus.Counter
	discovered       prometheus.Counter

	meter            metric.Meter
	rpcCounter       metric.Int64Counter
	latencyHistogram metric.Float64Histogram

	tracer trace.Tracer
}

// StartRequestSpan starts a span for an outbound request() call, named after
// procedure. Safe to call on a nil *Metrics; returns ctx unchanged and a
// no-op span in that case.
func (m *Metrics) StartRequestSpan(ctx context.Context, procedure string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "p2p.request", trace.WithAttributes(attribute.String("procedure", procedure)))
}

var metricsInitOnce sync.Once

// NewMetrics constructs a Metrics instance whose collectors are named under
// namespace. Registration with the default Prometheus registry happens once
// per process: only the first instance's collectors are registered, and later
// instances record into collectors that are not exported.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "p2pmesh"
	}
	m := &Metrics{
		inboundPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_peers",
			Help:      "Currently connected inbound peers.",
		}),
		outboundPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_peers",
			Help:      "Currently connected outbound peers.",
		}),
		peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_latency_ms",
			Help:      "Observed round-trip latency per peer.",
		}, []string{"peer"}),
		peerProductivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_response_rate",
			Help:      "Response/request ratio per peer.",
		}, []string{"peer"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Disconnects by reason.",
		}, []string{"reason"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_bans_total",
			Help:      "Total peers banned for exhausted reputation.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Outbound RPC requests issued, by procedure and outcome.",
		}, []string{"procedure", "outcome"}),
		rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_timeouts_total",
			Help:      "Outbound RPC requests that exceeded ackTimeout.",
		}),
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_discovered_total",
			Help:      "Total distinct peers learned through handshake or list exchange.",
		}),
	}
	metricsInitOnce.Do(func() {
		prometheus.MustRegister(m.inboundPeers, m.outboundPeers, m.peerLatency, m.peerProductivity,
			m.disconnects, m.bans, m.rpcRequests, m.rpcTimeouts, m.discovered)
	})
	m.initMeter(namespace)
	m.tracer = otel.Tracer(namespace)
	return m
}

func (m *Metrics) initMeter(namespace string) {
	meter := otel.GetMeterProvider().Meter(namespace)
	counter, err := meter.Int64Counter("p2pmesh.rpc_requests")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(namespace)
		counter, _ = fallback.Int64Counter("p2pmesh.rpc_requests")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("p2pmesh.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter(namespace)
		latency, _ = fallback.Float64Histogram("p2pmesh.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.rpcCounter = counter
	m.latencyHistogram = latency
}

// SetPeerCounts updates the inbound/outbound gauges after any map mutation.
func (m *Metrics) SetPeerCounts(inbound, outbound int) {
	if m == nil {
		return
	}
	m.inboundPeers.Set(float64(inbound))
	m.outboundPeers.Set(float64(outbound))
}

// ObserveLatency records peerID's round-trip latency, in milliseconds.
func (m *Metrics) ObserveLatency(peerID string, ms float64) {
	if m == nil || peerID == "" {
		return
	}
	m.peerLatency.WithLabelValues(peerID).Set(ms)
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), ms, metric.WithAttributes(attribute.String("peer", peerID)))
	}
}

// ObserveProductivity records peerID's current response rate.
func (m *Metrics) ObserveProductivity(peerID string, rate float64) {
	if m == nil || peerID == "" {
		return
	}
	m.peerProductivity.WithLabelValues(peerID).Set(rate)
}

// RecordDisconnect increments the disconnect counter for code's sanitized reason.
func (m *Metrics) RecordDisconnect(code int) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(sanitizeCloseReason(code)).Inc()
}

// RecordBan increments the ban counter.
func (m *Metrics) RecordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

// RecordRPC increments the rpc_requests_total counter for procedure/outcome
// ("ok", "timeout", "error") and mirrors it to the OTel counter.
func (m *Metrics) RecordRPC(procedure, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(procedure, outcome).Inc()
	if outcome == "timeout" {
		m.rpcTimeouts.Inc()
	}
	if m.rpcCounter != nil {
		m.rpcCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("procedure", procedure),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordDiscovered increments the peers_discovered_total counter.
func (m *Metrics) RecordDiscovered() {
	if m == nil {
		return
	}
	m.discovered.Inc()
}

// RemovePeer deletes peerID's per-peer gauge series, avoiding unbounded
// cardinality growth as peers churn.
func (m *Metrics) RemovePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerLatency.DeleteLabelValues(peerID)
	m.peerProductivity.DeleteLabelValues(peerID)
}
