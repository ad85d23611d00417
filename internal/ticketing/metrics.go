package ticketing

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	issued         *prometheus.CounterVec
	called         *prometheus.CounterVec
	finished       *prometheus.CounterVec
	claimConflicts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "tickets",
			Name:      "issued_total",
			Help:      "Tickets issued per service category.",
		}, []string{"category"}),
		called: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "tickets",
			Name:      "called_total",
			Help:      "Tickets called to a counter per service category.",
		}, []string{"category"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "tickets",
			Name:      "finished_total",
			Help:      "Tickets completed or skipped.",
		}, []string{"status"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qms",
			Subsystem: "tickets",
			Name:      "claim_conflicts_total",
			Help:      "Call-next attempts that lost the claim to another counter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.issued, m.called, m.finished, m.claimConflicts)
	}
	return m
}

func (m *Metrics) ticketIssued(t string) {
	if m != nil {
		m.issued.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) ticketCalled(t string) {
	if m != nil {
		m.called.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) ticketFinished(status string) {
	if m != nil {
		m.finished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) claimConflict() {
	if m != nil {
		m.claimConflicts.Inc()
	}
}
