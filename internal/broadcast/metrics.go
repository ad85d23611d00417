package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	publishedTotal    *prometheus.CounterVec
	droppedTotal      *prometheus.CounterVec
	disconnectedTotal *prometheus.CounterVec
	subscribers       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Messages published per topic.",
		}, []string{"topic"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Messages discarded from full subscriber buffers.",
		}, []string{"topic"}),
		disconnectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "broadcast",
			Name:      "slow_disconnects_total",
			Help:      "Subscribers closed for falling behind.",
		}, []string{"topic"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qms",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Live subscribers per topic.",
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(m.publishedTotal, m.droppedTotal, m.disconnectedTotal, m.subscribers)
	}
	return m
}

func (m *Metrics) published(topic string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) dropped(topic string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) disconnected(topic string) {
	if m == nil {
		return
	}
	m.disconnectedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) setSubscribers(topic string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(topic).Set(float64(n))
}
