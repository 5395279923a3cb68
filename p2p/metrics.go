package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerScore      *prometheus.GaugeVec
	peerTier       *prometheus.GaugeVec
	admissions     *prometheus.CounterVec
	dials          *prometheus.CounterVec
	bootstrapState prometheus.Gauge
	livePeers      prometheus.Gauge
	routingTable   prometheus.Gauge

	meter            metric.Meter
	admissionCounter metric.Int64Counter
	dialCounter      metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peermesh_p2p_peer_score",
				Help: "Reputation score per peer.",
			}, []string{"peer"}),
			peerTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peermesh_p2p_peer_tier",
				Help: "Reputation tier per peer (0=newcomer..3=elite).",
			}, []string{"peer"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peermesh_p2p_admissions_total",
				Help: "Inbound admission decisions by outcome.",
			}, []string{"outcome"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peermesh_p2p_dials_total",
				Help: "Outbound dial outcomes by bootstrap path.",
			}, []string{"path", "result"}),
			bootstrapState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peermesh_p2p_bootstrap_state",
				Help: "Current bootstrap state machine position.",
			}),
			livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peermesh_p2p_live_peers",
				Help: "Number of currently admitted connections.",
			}),
			routingTable: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peermesh_p2p_routing_table_size",
				Help: "Number of peers in the DHT routing table.",
			}),
		}
		prometheus.MustRegister(
			nm.peerScore, nm.peerTier, nm.admissions, nm.dials,
			nm.bootstrapState, nm.livePeers, nm.routingTable,
		)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("peermesh/p2p")
	admissions, err := meter.Int64Counter("peermesh.p2p.admissions")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peermesh/p2p")
		admissions, _ = fallback.Int64Counter("peermesh.p2p.admissions")
		meter = fallback
	}
	dials, err := meter.Int64Counter("peermesh.p2p.dials")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peermesh/p2p")
		dials, _ = fallback.Int64Counter("peermesh.p2p.dials")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("peermesh.p2p.dial_latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peermesh/p2p")
		latency, _ = fallback.Float64Histogram("peermesh.p2p.dial_latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.admissionCounter = admissions
	m.dialCounter = dials
	m.latencyHistogram = latency
}

func (m *networkMetrics) observePeerStatus(peerID string, status ReputationStatus) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(float64(status.Score))
	m.peerTier.WithLabelValues(peerID).Set(float64(status.Tier))
}

func (m *networkMetrics) recordAdmission(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.admissions.WithLabelValues(outcome).Inc()
	if m.admissionCounter != nil {
		m.admissionCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

func (m *networkMetrics) recordDial(path, result string, latencyMS float64) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unknown"
	}
	m.dials.WithLabelValues(path, result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(
				attribute.String("path", path),
				attribute.String("result", result),
			),
		)
	}
	if m.latencyHistogram != nil && latencyMS > 0 {
		m.latencyHistogram.Record(
			contextBackground(),
			latencyMS,
			metric.WithAttributes(attribute.String("path", path)),
		)
	}
}

func (m *networkMetrics) observeBootstrapState(state BootstrapState) {
	if m == nil {
		return
	}
	m.bootstrapState.Set(float64(state))
}

func (m *networkMetrics) observeLivePeers(count int) {
	if m == nil {
		return
	}
	m.livePeers.Set(float64(count))
}

func (m *networkMetrics) observeRoutingTable(size int) {
	if m == nil {
		return
	}
	m.routingTable.Set(float64(size))
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
	m.peerTier.DeleteLabelValues(peerID)
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
