package acquire

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors shared by every poller
type Metrics struct {
	// Reading is the last value of each channel
	Reading *prometheus.GaugeVec

	// Samples counts successful polls
	Samples *prometheus.CounterVec

	// Errors counts failed polls by kind: connection, protocol, decode, sink, other
	Errors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryolab_reading",
			Help: "Most recent value of an instrument channel",
		}, []string{"node", "channel"}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryolab_samples_total",
			Help: "Successful instrument polls",
		}, []string{"node"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryolab_poll_errors_total",
			Help: "Failed instrument polls by kind",
		}, []string{"node", "kind"}),
	}
	reg.MustRegister(m.Reading, m.Samples, m.Errors)
	return m
}

func (m *Metrics) observe(r Reading) {
	if m == nil {
		return
	}
	for ch, v := range r.Values {
		m.Reading.WithLabelValues(r.Node, ch).Set(v)
	}
	m.Samples.WithLabelValues(r.Node).Inc()
}

func (m *Metrics) fail(node, kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(node, kind).Inc()
}
