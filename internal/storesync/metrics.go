package storesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "storesync"

// metrics holds the service's instruments. A nil *metrics is a no-op so
// components can be built in tests without a registry.
type metrics struct {
	refreshRequests  *prometheus.CounterVec
	refreshCoalesced *prometheus.CounterVec
	fetches          *prometheus.CounterVec
	fetchFailures    *prometheus.CounterVec
	events           *prometheus.CounterVec
	frames           *prometheus.CounterVec
	framesMalformed  prometheus.Counter
	connStateGauge   prometheus.Gauge
	reconnects       prometheus.Counter
	edgeLookups      *prometheus.CounterVec
	edgeRevalidated  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &metrics{
		refreshRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_requests_total",
			Help:      "Refresh requests received by the coordinator",
		}, []string{"kind"}),
		refreshCoalesced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_coalesced_total",
			Help:      "Refresh requests dropped because a fetch was already in flight",
		}, []string{"kind"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Fetches started",
		}, []string{"kind"}),
		fetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_failures_total",
			Help:      "Fetches that completed with an error",
		}, []string{"kind"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Events consumed by the router",
		}, []string{"type"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_frames_total",
			Help:      "Push frames parsed",
		}, []string{"type"}),
		framesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_frames_malformed_total",
			Help:      "Push frames dropped as malformed",
		}),
		connStateGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "push_connection_state",
			Help:      "Push channel state (0 idle, 1 connecting, 2 open, 3 closed)",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_reconnects_total",
			Help:      "Reconnect attempts scheduled",
		}),
		edgeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "edge_cache_lookups_total",
			Help:      "Edge cache lookups by result",
		}, []string{"result"}),
		edgeRevalidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "edge_cache_revalidations_total",
			Help:      "Background revalidations by outcome",
		}, []string{"outcome"}),
	}
}

func (m *metrics) refreshRequested(k ResourceKind) {
	if m != nil {
		m.refreshRequests.WithLabelValues(string(k)).Inc()
	}
}

func (m *metrics) refreshCoalesced(k ResourceKind) {
	if m != nil {
		m.refreshCoalesced.WithLabelValues(string(k)).Inc()
	}
}

func (m *metrics) fetchStarted(k ResourceKind) {
	if m != nil {
		m.fetches.WithLabelValues(string(k)).Inc()
	}
}

func (m *metrics) fetchFailed(k ResourceKind) {
	if m != nil {
		m.fetchFailures.WithLabelValues(string(k)).Inc()
	}
}

func (m *metrics) eventRouted(t EventType) {
	if m != nil {
		m.events.WithLabelValues(string(t)).Inc()
	}
}

func (m *metrics) frameReceived(t EventType) {
	if m != nil {
		m.frames.WithLabelValues(string(t)).Inc()
	}
}

func (m *metrics) frameMalformed() {
	if m != nil {
		m.framesMalformed.Inc()
	}
}

func (m *metrics) connState(s ConnState) {
	if m != nil {
		m.connStateGauge.Set(float64(s))
	}
}

func (m *metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *metrics) edgeLookup(result EdgeSource) {
	if m != nil {
		m.edgeLookups.WithLabelValues(result.String()).Inc()
	}
}

func (m *metrics) edgeRevalidation(outcome string) {
	if m != nil {
		m.edgeRevalidated.WithLabelValues(outcome).Inc()
	}
}
