// Package metrics holds the Prometheus collectors exported by the discovery
// daemon and the orchestrator. Every recorder method is safe on a nil
// receiver so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "venom_mesh"

// Result labels.
const (
	ResultOK        = "ok"
	ResultMalformed = "malformed"
	ResultSelf      = "self"
	ResultTimeout   = "timeout"
	ResultFailure   = "failure"
	ResultNoPeers   = "no_healthy_peers"
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func handlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Discovery collects discovery daemon metrics.
type Discovery struct {
	registry *prometheus.Registry

	announcementsSent     *prometheus.CounterVec
	announcementsReceived *prometheus.CounterVec
	peers                 *prometheus.GaugeVec
	persistErrors         prometheus.Counter
	evictions             prometheus.Counter
}

// NewDiscovery creates and registers the discovery collectors.
func NewDiscovery() *Discovery {
	m := &Discovery{
		registry: newRegistry(),
		announcementsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "announcements_sent_total",
			Help:      "Multicast announcements sent, by result",
		}, []string{"result"}),
		announcementsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "announcements_received_total",
			Help:      "Datagrams received on the discovery group, by result",
		}, []string{"result"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "peers",
			Help:      "Peers in the table, by liveness state",
		}, []string{"state"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "persist_errors_total",
			Help:      "Failed peer table snapshot writes",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "evictions_total",
			Help:      "Peers removed after the grace period",
		}),
	}
	m.registry.MustRegister(m.announcementsSent, m.announcementsReceived, m.peers, m.persistErrors, m.evictions)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Discovery) Handler() http.Handler { return handlerFor(m.registry) }

// Registry exposes the underlying registry, mostly for tests.
func (m *Discovery) Registry() *prometheus.Registry { return m.registry }

func (m *Discovery) AnnouncementSent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.announcementsSent.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.announcementsSent.WithLabelValues(ResultOK).Inc()
}

func (m *Discovery) AnnouncementReceived(result string) {
	if m == nil {
		return
	}
	m.announcementsReceived.WithLabelValues(result).Inc()
}

func (m *Discovery) SetPeers(healthy, stale int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("healthy").Set(float64(healthy))
	m.peers.WithLabelValues("stale").Set(float64(stale))
}

func (m *Discovery) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Discovery) Evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

// Orchestrator collects orchestrator metrics.
type Orchestrator struct {
	registry *prometheus.Registry

	dispatches    *prometheus.CounterVec
	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	loadEMA       *prometheus.GaugeVec
	inflight      *prometheus.GaugeVec
	peers         *prometheus.GaugeVec
	reloads       *prometheus.CounterVec
}

// NewOrchestrator creates and registers the orchestrator collectors.
func NewOrchestrator() *Orchestrator {
	m := &Orchestrator{
		registry: newRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "dispatch_total",
			Help:      "Dispatch decisions, by result",
		}, []string{"result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "probe_total",
			Help:      "Health probes, by result",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		loadEMA: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "peer_load_ema",
			Help:      "Smoothed load estimate per peer",
		}, []string{"node_id"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "peer_inflight_tasks",
			Help:      "Dispatched tasks without a completion report, per peer",
		}, []string{"node_id"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "peers",
			Help:      "Known peers, by health",
		}, []string{"health"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "peer_file_reloads_total",
			Help:      "Peer file reloads, by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.dispatches, m.probes, m.probeDuration, m.loadEMA, m.inflight, m.peers, m.reloads)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Orchestrator) Handler() http.Handler { return handlerFor(m.registry) }

// Registry exposes the underlying registry, mostly for tests.
func (m *Orchestrator) Registry() *prometheus.Registry { return m.registry }

func (m *Orchestrator) Dispatched(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Orchestrator) Probed(result string, seconds float64) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
	m.probeDuration.Observe(seconds)
}

func (m *Orchestrator) SetLoad(nodeID string, load float64) {
	if m == nil {
		return
	}
	m.loadEMA.WithLabelValues(nodeID).Set(load)
}

func (m *Orchestrator) SetInflight(nodeID string, n int) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(nodeID).Set(float64(n))
}

// ForgetPeer drops the per-peer series of an evicted peer.
func (m *Orchestrator) ForgetPeer(nodeID string) {
	if m == nil {
		return
	}
	m.loadEMA.DeleteLabelValues(nodeID)
	m.inflight.DeleteLabelValues(nodeID)
}

func (m *Orchestrator) SetPeers(healthy, unhealthy int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("healthy").Set(float64(healthy))
	m.peers.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

func (m *Orchestrator) Reloaded(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reloads.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.reloads.WithLabelValues(ResultOK).Inc()
}
