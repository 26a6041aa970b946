// Package metrics holds the Prometheus collectors of the streaming service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streaming"

// Publication outcomes recorded by the bridge.
const (
	PublicationRouted       = "routed"
	PublicationUnroutable   = "unroutable"
	PublicationDecodeFailed = "decode_failed"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	connections      *prometheus.GaugeVec
	dispatched       prometheus.Counter
	dropped          *prometheus.CounterVec
	evicted          prometheus.Counter
	authFailures     prometheus.Counter
	subscribeDenied  *prometheus.CounterVec
	revocationCloses prometheus.Counter
	bridgeReconnects prometheus.Counter
	publications     *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections by transport.",
		}, []string{"transport"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events handed to connection queues.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by the overflow policy, by channel family.",
		}, []string{"family"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_evicted_total",
			Help:      "Subscriptions removed by forced channel eviction.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts.",
		}),
		subscribeDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_denied_total",
			Help:      "Denied subscribe requests by reason.",
		}, []string{"reason"}),
		revocationCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_closes_total",
			Help:      "Connections closed because their token was revoked.",
		}),
		bridgeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_reconnects_total",
			Help:      "Backend feed reconnect attempts.",
		}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Backend publications received by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.connections,
		m.dispatched,
		m.dropped,
		m.evicted,
		m.authFailures,
		m.subscribeDenied,
		m.revocationCloses,
		m.bridgeReconnects,
		m.publications,
	)
	return m
}

// ObserveGauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) ObserveGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ConnOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

func (m *Metrics) Dispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dispatched.Add(float64(n))
}

func (m *Metrics) Dropped(family string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(family).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) SubscribeDenied(reason string) {
	if m == nil {
		return
	}
	m.subscribeDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) RevocationClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revocationCloses.Add(float64(n))
}

func (m *Metrics) BridgeReconnected() {
	if m == nil {
		return
	}
	m.bridgeReconnects.Inc()
}

func (m *Metrics) Publication(outcome string) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(outcome).Inc()
}
