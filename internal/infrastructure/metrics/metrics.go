package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trade_engine"

// Metrics records engine counters on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	deliveryDegraded *prometheus.CounterVec
	disputesOpened   prometheus.Counter
	disputesResolved *prometheus.CounterVec
	sessions         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Accepted trade transitions by action and resulting status.",
		}, []string{"action", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_rejections_total",
			Help:      "Rejected transition requests by action and reason.",
		}, []string{"action", "reason"}),
		deliveryDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_degraded_total",
			Help:      "Committed changes whose event did not reach every recipient.",
		}, []string{"kind"}),
		disputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_opened_total",
			Help:      "Disputes opened.",
		}),
		disputesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Disputes resolved by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_sessions",
			Help:      "Open notification sessions.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.rejections,
		m.deliveryDegraded,
		m.disputesOpened,
		m.disputesResolved,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TransitionAccepted(action, to string) {
	m.transitions.WithLabelValues(action, to).Inc()
}

func (m *Metrics) TransitionRejected(action, reason string) {
	m.rejections.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) DeliveryDegraded(kind string) {
	m.deliveryDegraded.WithLabelValues(kind).Inc()
}

func (m *Metrics) DisputeOpened() { m.disputesOpened.Inc() }

func (m *Metrics) DisputeResolved(outcome string) {
	m.disputesResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionOpened() { m.sessions.Inc() }

func (m *Metrics) SessionClosed() { m.sessions.Dec() }
